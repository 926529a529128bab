package compress

import (
	"bytes"
	"testing"

	"github.com/kylelemons/godebug/pretty"

	"github.com/granville/rpc/wire"
)

func TestCompressors(t *testing.T) {
	tests := []struct {
		name string
		alg  wire.Compression
		data []byte
	}{
		{"Success: gzip small data", wire.CmpGzip, []byte("hello world")},
		{"Success: gzip large data", wire.CmpGzip, bytes.Repeat([]byte("hello world "), 1000)},
		{"Success: snappy small data", wire.CmpSnappy, []byte("hello world")},
		{"Success: snappy large data", wire.CmpSnappy, bytes.Repeat([]byte("hello world "), 1000)},
		{"Success: zstd small data", wire.CmpZstd, []byte("hello world")},
		{"Success: zstd large data", wire.CmpZstd, bytes.Repeat([]byte("hello world "), 1000)},
		{"Success: none passthrough", wire.CmpNone, []byte("hello world")},
	}

	for _, test := range tests {
		compressed, err := Compress(test.alg, test.data)
		if err != nil {
			t.Errorf("%s: Compress got err == %s, want nil", test.name, err)
			continue
		}
		decompressed, err := Decompress(test.alg, compressed)
		if err != nil {
			t.Errorf("%s: Decompress got err == %s, want nil", test.name, err)
			continue
		}
		if diff := pretty.Compare(test.data, decompressed); diff != "" {
			t.Errorf("%s: roundtrip mismatch (-want +got):\n%s", test.name, diff)
		}
	}
}

func TestCompressEmptyData(t *testing.T) {
	for _, alg := range []wire.Compression{wire.CmpGzip, wire.CmpSnappy, wire.CmpZstd, wire.CmpNone} {
		compressed, err := Compress(alg, nil)
		if err != nil {
			t.Errorf("Compress(%s, nil) err = %v, want nil", alg, err)
			continue
		}
		decompressed, err := Decompress(alg, compressed)
		if err != nil {
			t.Errorf("Decompress(%s, ...) err = %v, want nil", alg, err)
			continue
		}
		if len(decompressed) != 0 {
			t.Errorf("Decompress(%s, ...) = %d bytes, want 0", alg, len(decompressed))
		}
	}
}

func TestCompressActuallyCompresses(t *testing.T) {
	data := bytes.Repeat([]byte("hello world "), 1000)
	for _, alg := range []wire.Compression{wire.CmpGzip, wire.CmpSnappy, wire.CmpZstd} {
		compressed, err := Compress(alg, data)
		if err != nil {
			t.Errorf("Compress(%s, ...) err = %v, want nil", alg, err)
			continue
		}
		if len(compressed) >= len(data) {
			t.Errorf("Compress(%s, ...) size %d >= original %d", alg, len(compressed), len(data))
		}
	}
}

func TestUnregisteredCompressorErrors(t *testing.T) {
	_, err := Compress(wire.Compression(200), []byte("x"))
	if err == nil {
		t.Error("Compress with unregistered type: want error, got nil")
	}
}
