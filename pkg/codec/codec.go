// Package codec transforms record payloads on their way into and out of a
// queue.
//
// The queue never interprets payload bytes; a codec only changes how they
// are stored. All codecs are safe for concurrent use.
package codec

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// ErrDecode is returned when stored bytes are not valid for the codec.
var ErrDecode = errors.New("codec: invalid payload")

// Codec encodes a payload for storage and decodes it back.
type Codec interface {
	// Name identifies the codec in configuration.
	Name() string

	// Encode appends the stored form of src to dst.
	Encode(dst, src []byte) ([]byte, error)

	// Decode appends the original form of src to dst.
	Decode(dst, src []byte) ([]byte, error)
}

// Codec names accepted by [ByName].
const (
	NameRaw    = "raw"
	NameSnappy = "snappy"
	NameZstd   = "zstd"
)

// ByName returns the codec called name. Empty means raw.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameRaw, "":
		return Raw{}, nil
	case NameSnappy:
		return Snappy{}, nil
	case NameZstd:
		return NewZstd(), nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

// Raw stores payloads unchanged.
type Raw struct{}

// Name returns "raw".
func (Raw) Name() string { return NameRaw }

// Encode appends src to dst.
func (Raw) Encode(dst, src []byte) ([]byte, error) { return append(dst, src...), nil }

// Decode appends src to dst.
func (Raw) Decode(dst, src []byte) ([]byte, error) { return append(dst, src...), nil }

// Snappy stores payloads in the snappy block format.
type Snappy struct{}

// Name returns "snappy".
func (Snappy) Name() string { return NameSnappy }

// Encode appends the snappy block of src to dst.
func (Snappy) Encode(dst, src []byte) ([]byte, error) {
	return append(dst, snappy.Encode(nil, src)...), nil
}

// Decode appends the decompressed src to dst.
func (Snappy) Decode(dst, src []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return dst, fmt.Errorf("snappy: %w: %w", ErrDecode, err)
	}

	return append(dst, out...), nil
}

// Zstd stores payloads as zstd frames.
type Zstd struct {
	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	err  error
}

// NewZstd returns a zstd codec tuned for small records.
func NewZstd() *Zstd { return &Zstd{} }

func (z *Zstd) init() error {
	z.once.Do(func() {
		z.enc, z.err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if z.err != nil {
			return
		}

		z.dec, z.err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})

	return z.err
}

// Name returns "zstd".
func (*Zstd) Name() string { return NameZstd }

// Encode appends the zstd frame of src to dst.
func (z *Zstd) Encode(dst, src []byte) ([]byte, error) {
	if err := z.init(); err != nil {
		return dst, fmt.Errorf("zstd: %w", err)
	}

	return z.enc.EncodeAll(src, dst), nil
}

// Decode appends the decompressed src to dst.
func (z *Zstd) Decode(dst, src []byte) ([]byte, error) {
	if err := z.init(); err != nil {
		return dst, fmt.Errorf("zstd: %w", err)
	}

	out, err := z.dec.DecodeAll(src, dst)
	if err != nil {
		return dst, fmt.Errorf("zstd: %w: %w", ErrDecode, err)
	}

	return out, nil
}

// Compile-time interface checks.
var (
	_ Codec = Raw{}
	_ Codec = Snappy{}
	_ Codec = (*Zstd)(nil)
)
