// Package compress provides the pluggable payload compressors the
// serialization session boundary (spec.md §4.3) may apply above its size
// threshold. It is adapted from the teacher's rpc/compress package: same
// registry-of-Compressor shape, retargeted from the teacher's generated
// msgs.Compression enum onto wire.Compression.
package compress

import (
	"fmt"

	"github.com/gostdlib/base/concurrency/sync"

	"github.com/granville/rpc/wire"
)

// Compressor defines the interface for compression algorithms.
type Compressor interface {
	// Compress compresses data. Returns compressed data or error.
	Compress(data []byte) ([]byte, error)

	// Decompress decompresses data. Returns original data or error.
	Decompress(data []byte) ([]byte, error)

	// Type returns the compression type for the wire protocol.
	Type() wire.Compression
}

var (
	registry   = map[wire.Compression]Compressor{}
	registryMu sync.RWMutex
)

// Register adds a compressor to the registry. Thread-safe.
func Register(c Compressor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Type()] = c
}

// Get returns the compressor for the given type, or nil if not found.
func Get(t wire.Compression) Compressor {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[t]
}

// Compress compresses data using the specified algorithm. Returns the
// original data unchanged if t is wire.CmpNone.
func Compress(t wire.Compression, data []byte) ([]byte, error) {
	if t == wire.CmpNone || len(data) == 0 {
		return data, nil
	}
	c := Get(t)
	if c == nil {
		return nil, fmt.Errorf("compress: no compressor registered for %s", t)
	}
	return c.Compress(data)
}

// Decompress decompresses data using the specified algorithm. Returns the
// original data unchanged if t is wire.CmpNone.
func Decompress(t wire.Compression, data []byte) ([]byte, error) {
	if t == wire.CmpNone || len(data) == 0 {
		return data, nil
	}
	c := Get(t)
	if c == nil {
		return nil, fmt.Errorf("compress: no compressor registered for %s", t)
	}
	return c.Decompress(data)
}

func init() {
	Register(&Gzip{})
	Register(&Snappy{})
	Register(&Zstd{})
}
