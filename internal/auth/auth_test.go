package auth

import (
	"errors"
	"testing"

	"github.com/fieldline/mutationplane/internal/testutil/testlog"
)

func TestStaticToken(t *testing.T) {
	testlog.Start(t)

	v := StaticToken{Token: []byte{0x01, 0x02}}
	if err := v.Validate([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
	if err := v.Validate([]byte{0x01, 0x03}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := v.Validate(nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for empty token, got %v", err)
	}

	empty := StaticToken{}
	if err := empty.Validate(nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty validator must reject, got %v", err)
	}
}

func TestTokenSet(t *testing.T) {
	testlog.Start(t)

	v := TokenSet{Tokens: [][]byte{{0xaa}, {0xbb, 0xcc}}}
	if err := v.Validate([]byte{0xbb, 0xcc}); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
	if err := v.Validate([]byte{0xdd}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	if err := (TokenSet{}).Validate([]byte{0xaa}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty set must reject, got %v", err)
	}
}
