package wire

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/koltyakov/mtp/internal/authkey"
	"github.com/koltyakov/mtp/internal/domain"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	f := Frame{Kind: RPCRequest, Flags: FlagLayer, ReqID: 42, Body: []byte("payload")}
	got, err := Decode(f.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != f.Kind || got.Flags != f.Flags || got.ReqID != f.ReqID || !bytes.Equal(got.Body, f.Body) {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestDecodeRejectsTruncatedFrames(t *testing.T) {
	t.Parallel()

	raw := Frame{Kind: Ping, ReqID: 1, Body: []byte("abc")}.Encode()
	for _, cut := range []int{0, 5, len(raw) - 1} {
		if _, err := Decode(raw[:cut]); !errors.Is(err, domain.ErrBadFrame) {
			t.Fatalf("cut=%d: expected ErrBadFrame, got %v", cut, err)
		}
	}
	if _, err := Decode(append(raw, 0)); !errors.Is(err, domain.ErrBadFrame) {
		t.Fatalf("expected trailing byte rejection, got %v", err)
	}
}

func TestContainerPreservesOrder(t *testing.T) {
	t.Parallel()

	frames := []Frame{
		{Kind: RPCRequest, ReqID: 1, Body: []byte("a")},
		{Kind: RPCRequest, ReqID: 2, Body: []byte("bb")},
		{Kind: Ping, ReqID: 3},
	}
	inner, err := NewContainer(frames).Unpack()
	if err != nil {
		t.Fatal(err)
	}
	if len(inner) != len(frames) {
		t.Fatalf("expected %d frames, got %d", len(frames), len(inner))
	}
	for i := range frames {
		if inner[i].ReqID != frames[i].ReqID || !bytes.Equal(inner[i].Body, frames[i].Body) {
			t.Fatalf("frame %d mismatch: %+v", i, inner[i])
		}
	}

	nested := NewContainer([]Frame{NewContainer(frames)})
	if _, err := nested.Unpack(); !errors.Is(err, domain.ErrBadFrame) {
		t.Fatalf("expected nested container rejection, got %v", err)
	}
}

func TestPackCompressesLargeBodies(t *testing.T) {
	t.Parallel()

	body := []byte(strings.Repeat("mtp", PackThreshold))
	packed := Pack(Frame{Kind: RPCResult, ReqID: 7, Body: body})
	if !packed.Has(FlagGzip) {
		t.Fatal("expected gzip flag on large body")
	}
	if len(packed.Body) >= len(body) {
		t.Fatalf("expected smaller body, got %d >= %d", len(packed.Body), len(body))
	}
	unpacked, err := Unpacked(packed)
	if err != nil {
		t.Fatal(err)
	}
	if unpacked.Has(FlagGzip) || !bytes.Equal(unpacked.Body, body) {
		t.Fatal("unpacked body mismatch")
	}

	small := Pack(Frame{Kind: RPCResult, Body: []byte("tiny")})
	if small.Has(FlagGzip) {
		t.Fatal("small bodies must not be packed")
	}
}

func TestSealOpenBetweenPeers(t *testing.T) {
	t.Parallel()

	key, err := authkey.Generate(2)
	if err != nil {
		t.Fatal(err)
	}
	client, err := NewSealer(key, ClientToServer)
	if err != nil {
		t.Fatal(err)
	}
	server, err := NewSealer(key, ServerToClient)
	if err != nil {
		t.Fatal(err)
	}

	frame := Frame{Kind: RPCRequest, ReqID: 9, Body: []byte("hi")}.Encode()
	packet, err := client.Seal(frame)
	if err != nil {
		t.Fatal(err)
	}
	if id, _ := PacketKeyID(packet); id != key.ID() {
		t.Fatalf("expected key id %x in clear, got %x", key.ID(), id)
	}
	plain, err := server.Open(packet)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, frame) {
		t.Fatal("opened frame differs")
	}
	if _, err := client.Open(packet); err == nil {
		t.Fatal("a peer must not open its own direction")
	}

	other, _ := authkey.Generate(2)
	otherSealer, _ := NewSealer(other, ServerToClient)
	if _, err := otherSealer.Open(packet); !errors.Is(err, domain.ErrKeyMismatch) {
		t.Fatalf("expected ErrKeyMismatch, got %v", err)
	}
}

func TestPlainPackets(t *testing.T) {
	t.Parallel()

	frame := Frame{Kind: AuthInit, Body: []byte("x")}.Encode()
	got, err := OpenPlain(Plain(frame))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, frame) {
		t.Fatal("plain round-trip mismatch")
	}
}

func TestLayerWrapping(t *testing.T) {
	t.Parallel()

	h := LayerHeader{Layer: Layer, DeviceModel: "server", LangCode: "en"}
	wrapped, err := WrapLayer(h, []byte("body"))
	if err != nil {
		t.Fatal(err)
	}
	gotH, body, err := SplitLayer(wrapped)
	if err != nil {
		t.Fatal(err)
	}
	if gotH != h || string(body) != "body" {
		t.Fatalf("unexpected split: %+v %q", gotH, body)
	}
}

func TestDestroyKeyBodies(t *testing.T) {
	t.Parallel()

	id, err := ParseDestroyKey(DestroyKeyBody(0xabcdef))
	if err != nil || id != 0xabcdef {
		t.Fatalf("unexpected destroy key parse: %x %v", id, err)
	}
	id, status, err := ParseDestroyKeyResult(DestroyKeyResultBody(5, DestroyKeyNone))
	if err != nil || id != 5 || status != DestroyKeyNone {
		t.Fatalf("unexpected destroy key result parse: %d %d %v", id, status, err)
	}
}
