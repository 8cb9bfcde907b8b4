package authkey

import (
	"bytes"
	"testing"
	"time"
)

func TestMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	k, err := Generate(3)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(k.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(k) {
		t.Fatalf("decoded key differs: %s vs %s", got, k)
	}
	if got.DcID() != 3 {
		t.Fatalf("expected dc 3, got %d", got.DcID())
	}
	if !got.Created().Equal(k.Created().Truncate(time.Second)) {
		t.Fatalf("created mismatch: %s vs %s", got.Created(), k.Created())
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := Unmarshal([]byte("short")); err != ErrBadKey {
		t.Fatalf("expected ErrBadKey, got %v", err)
	}
	zeroDc := make([]byte, marshaledSize)
	if _, err := Unmarshal(zeroDc); err != ErrBadKey {
		t.Fatalf("expected ErrBadKey for dc 0, got %v", err)
	}
}

func TestIDDependsOnSecret(t *testing.T) {
	t.Parallel()

	var a, b [Size]byte
	b[0] = 1
	ka := New(1, a, time.Now())
	kb := New(1, b, time.Now())
	if ka.ID() == kb.ID() {
		t.Fatal("expected different ids for different secrets")
	}
	secret := ka.Secret()
	secret[0] = 0xff
	if bytes.Equal(secret[:1], []byte{ka.Secret()[0]}) {
		t.Fatal("Secret must return a copy")
	}
}
