// Package testlog wires the shared logging profile into tests.
package testlog

import (
	"testing"

	"github.com/fieldline/mutationplane/internal/logging"
)

func Start(t testing.TB) {
	t.Helper()
	logging.ConfigureTests()
	log := logging.Component("test")
	log.Debug().Str("test", t.Name()).Msg("start")
}
