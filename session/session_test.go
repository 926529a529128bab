package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	gstdctx "github.com/gostdlib/base/context"

	granerrors "github.com/granville/rpc/errors"
	"github.com/granville/rpc/wire"
)

// jsonCodec is a minimal embedder-supplied Codec used only by this test;
// production embedders supply their own (capnp, flatbuffers, protobuf, ...).
type jsonCodec struct{}

func (jsonCodec) Encode(w *Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func (jsonCodec) Decode(r *Reader, v any) error {
	return json.Unmarshal(r.Bytes(), v)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ctx := t.Context()
	b := New(jsonCodec{})

	type payload struct {
		Name string
		N    int
	}
	in := payload{Name: "grain-1", N: 42}

	encoded, err := b.EncodeMessage(ctx, in)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}

	var out payload
	if err := b.DecodeMessage(ctx, encoded, &out); err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestEncodeAppliesCompression(t *testing.T) {
	ctx := t.Context()
	b := New(jsonCodec{}, WithCompression(wire.CmpZstd))

	type payload struct{ Blob string }
	in := payload{Blob: string(bytes.Repeat([]byte("aaaa"), 1000))}

	encoded, err := b.EncodeMessage(ctx, in)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if len(encoded) >= len(in.Blob) {
		t.Errorf("compressed size %d >= plain size %d", len(encoded), len(in.Blob))
	}

	var out payload
	if err := b.DecodeMessage(ctx, encoded, &out); err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if out != in {
		t.Error("round trip with compression mismatched")
	}
}

func TestPayloadTooLarge(t *testing.T) {
	ctx := t.Context()
	b := New(jsonCodec{}, WithMaxPayload(8))

	_, err := b.EncodeMessage(ctx, map[string]string{"key": "this is definitely more than 8 bytes"})
	if err == nil {
		t.Fatal("EncodeMessage: want PayloadTooLarge error, got nil")
	}
	if !granerrors.Is(err, granerrors.CatPayloadTooLarge) {
		t.Errorf("EncodeMessage error category = %v, want CatPayloadTooLarge", granerrors.CategoryOf(err))
	}
}

func TestFreshSessionPerMessage(t *testing.T) {
	ctx := t.Context()
	b := New(jsonCodec{})

	for i := 0; i < 10; i++ {
		encoded, err := b.EncodeMessage(ctx, fmt.Sprintf("message-%d", i))
		if err != nil {
			t.Fatalf("EncodeMessage(%d): %v", i, err)
		}
		var out string
		if err := b.DecodeMessage(ctx, encoded, &out); err != nil {
			t.Fatalf("DecodeMessage(%d): %v", i, err)
		}
		if out != fmt.Sprintf("message-%d", i) {
			t.Errorf("message %d round trip = %q, want %q", i, out, fmt.Sprintf("message-%d", i))
		}
	}
}
