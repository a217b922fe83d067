// Package compress decodes compressed HTTP response bodies.
//
// The tracker may answer with gzip or zstd encoded pages when asked to. Go's
// transport only transparently handles gzip when it set Accept-Encoding itself,
// so the transport client advertises both and decodes here.
//
// Supported algorithms:
//   - ZSTD (Zstandard)
//   - Gzip
package compress

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// AlgorithmZSTD is the Zstandard compression algorithm.
	AlgorithmZSTD Algorithm = "zstd"

	// AlgorithmGzip is the gzip compression algorithm.
	AlgorithmGzip Algorithm = "gzip"

	// AlgorithmNone indicates no compression.
	AlgorithmNone Algorithm = "none"
)

// AcceptEncoding is the Accept-Encoding header value the client sends.
const AcceptEncoding = "zstd, gzip"

// FromContentEncoding maps a Content-Encoding header onto an Algorithm.
func FromContentEncoding(header string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(header)) {
	case "", "identity":
		return AlgorithmNone, nil
	case "gzip", "x-gzip":
		return AlgorithmGzip, nil
	case "zstd":
		return AlgorithmZSTD, nil
	default:
		return "", fmt.Errorf("unsupported content encoding: %s", header)
	}
}

// Decoder decompresses payloads with a single algorithm.
type Decoder struct {
	algorithm Algorithm

	// ZSTD decoder pool for reuse
	zstdDecoderPool sync.Pool
}

// NewDecoder creates a decoder for the given algorithm.
func NewDecoder(algorithm Algorithm) *Decoder {
	d := &Decoder{algorithm: algorithm}

	if algorithm == AlgorithmZSTD {
		d.zstdDecoderPool = sync.Pool{
			New: func() any {
				dec, _ := zstd.NewReader(nil)
				return dec
			},
		}
	}

	return d
}

// Algorithm returns the compression algorithm.
func (d *Decoder) Algorithm() Algorithm {
	return d.algorithm
}

// Decompress decompresses the input data.
func (d *Decoder) Decompress(data []byte) ([]byte, error) {
	switch d.algorithm {
	case AlgorithmZSTD:
		dec := d.zstdDecoderPool.Get().(*zstd.Decoder)
		defer d.zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress error: %w", err)
		}
		return out, nil
	case AlgorithmGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader error: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip decompress error: %w", err)
		}
		return out, nil
	case AlgorithmNone:
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", d.algorithm)
	}
}

var (
	defaultZSTD = NewDecoder(AlgorithmZSTD)
	defaultGzip = NewDecoder(AlgorithmGzip)
	identity    = NewDecoder(AlgorithmNone)
)

// ForAlgorithm returns a shared decoder for algorithm.
func ForAlgorithm(algorithm Algorithm) *Decoder {
	switch algorithm {
	case AlgorithmZSTD:
		return defaultZSTD
	case AlgorithmGzip:
		return defaultGzip
	default:
		return identity
	}
}

// DecodeBody decodes a response body according to its Content-Encoding header.
func DecodeBody(contentEncoding string, body []byte) ([]byte, error) {
	algo, err := FromContentEncoding(contentEncoding)
	if err != nil {
		return nil, err
	}
	return ForAlgorithm(algo).Decompress(body)
}
