package compress

import (
	"github.com/klauspost/compress/zstd"

	"github.com/granville/rpc/wire"
)

// Zstd implements Compressor using Zstandard, preferred when payload size
// matters more than per-call CPU cost.
type Zstd struct {
	// Level is the compression level. If 0, defaults to zstd.SpeedDefault.
	Level zstd.EncoderLevel
}

func (z *Zstd) Type() wire.Compression { return wire.CmpZstd }

func (z *Zstd) Compress(data []byte) ([]byte, error) {
	level := z.Level
	if level == 0 {
		level = zstd.SpeedDefault
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func (z *Zstd) Decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
