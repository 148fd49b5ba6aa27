package secret

import (
	"errors"
	"strings"
	"testing"
)

func TestSealOpen(t *testing.T) {
	s, err := New("correct horse")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sealed, err := s.Seal("ya29.token")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if strings.Contains(sealed, "ya29") {
		t.Fatalf("sealed value leaks plaintext: %s", sealed)
	}
	plain, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if plain != "ya29.token" {
		t.Fatalf("got %q", plain)
	}

	again, _ := s.Seal("ya29.token")
	if again == sealed {
		t.Fatal("nonces must differ between seals")
	}
}

func TestOpenRejectsForeignKey(t *testing.T) {
	a, _ := New("a")
	b, _ := New("b")
	sealed, _ := a.Seal("refresh")
	if _, err := b.Open(sealed); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := a.Open("plaintext"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for unsealed input, got %v", err)
	}
}

func TestEmptyValues(t *testing.T) {
	s, _ := New("k")
	if v, _ := s.Seal(""); v != "" {
		t.Fatalf("empty should seal to empty, got %q", v)
	}
	if v, _ := s.Open(""); v != "" {
		t.Fatalf("empty should open to empty, got %q", v)
	}
	if _, err := New("  "); err == nil {
		t.Fatal("blank passphrase must be rejected")
	}
}

func TestNilSealer(t *testing.T) {
	var s *Sealer
	if _, err := s.Seal("token"); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
	if _, err := s.Open("sb1:AAAA"); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
	if v, err := s.Seal(""); v != "" || err != nil {
		t.Fatalf("empty values need no key, got %q, %v", v, err)
	}
}
