package compress

import (
	"github.com/golang/snappy"

	"github.com/granville/rpc/wire"
)

// Snappy implements Compressor using Snappy, optimized for speed over the
// 60 Hz real-time workload this runtime targets rather than ratio.
type Snappy struct{}

func (s *Snappy) Type() wire.Compression { return wire.CmpSnappy }

func (s *Snappy) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (s *Snappy) Decompress(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}
