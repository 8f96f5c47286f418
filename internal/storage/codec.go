package storage

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Codec transforms stored values.
type Codec interface {
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// PlainCodec stores values unchanged.
type PlainCodec struct{}

func (PlainCodec) Encode(data []byte) ([]byte, error) { return data, nil }
func (PlainCodec) Decode(data []byte) ([]byte, error) { return data, nil }

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// ZstdCodec compresses values of at least MinSize bytes. Decode accepts both
// compressed and uncompressed values, so MinSize can change between runs.
type ZstdCodec struct {
	minSize  int
	encoders sync.Pool
	decoders sync.Pool
}

func NewZstdCodec(minSize int) (*ZstdCodec, error) {
	// Fail early if the options are unusable; the pools ignore errors.
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating encoder: %w", err)
	}
	enc.Close()

	return &ZstdCodec{
		minSize: minSize,
		encoders: sync.Pool{
			New: func() any {
				enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
				return enc
			},
		},
		decoders: sync.Pool{
			New: func() any {
				dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				return dec
			},
		},
	}, nil
}

func (c *ZstdCodec) Encode(data []byte) ([]byte, error) {
	if len(data) < c.minSize {
		return data, nil
	}
	enc := c.encoders.Get().(*zstd.Encoder)
	defer c.encoders.Put(enc)
	return enc.EncodeAll(data, nil), nil
}

func (c *ZstdCodec) Decode(data []byte) ([]byte, error) {
	if len(data) < len(zstdMagic) || !bytes.Equal(data[:len(zstdMagic)], zstdMagic) {
		return data, nil
	}
	dec := c.decoders.Get().(*zstd.Decoder)
	defer c.decoders.Put(dec)

	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}
