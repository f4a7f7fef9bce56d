package authtoken

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fieldline/mutationplane/internal/testutil/testlog"
)

func TestHexRoundTrip(t *testing.T) {
	testlog.Start(t)

	tok, err := FromHexString("DEADbeef00")
	if err != nil {
		t.Fatalf("FromHexString: %v", err)
	}
	if got := tok.HexString(); got != "deadbeef00" {
		t.Fatalf("HexString: got %q", got)
	}

	back, err := FromHexString(tok.HexString())
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if back.HexString() != tok.HexString() {
		t.Fatalf("round trip diverged: %q vs %q", back.HexString(), tok.HexString())
	}
}

func TestFromHexStringRejects(t *testing.T) {
	testlog.Start(t)

	if _, err := FromHexString("   "); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if _, err := FromHexString("abc"); !errors.Is(err, ErrOddLength) {
		t.Fatalf("expected ErrOddLength, got %v", err)
	}
	if _, err := FromHexString("zzzz"); !errors.Is(err, ErrNotHex) {
		t.Fatalf("expected ErrNotHex, got %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("0badc0de\n"), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}
	tok, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if tok.HexString() != "0badc0de" {
		t.Fatalf("got %q", tok.HexString())
	}

	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	testlog.Start(t)

	t.Setenv(EnvVar, "c0ffee")
	tok, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if tok.HexString() != "c0ffee" {
		t.Fatalf("got %q", tok.HexString())
	}
}
