package compress

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// encode builds a compressed fixture the way a server would.
func encode(t *testing.T, algo Algorithm, data []byte) []byte {
	t.Helper()
	switch algo {
	case AlgorithmZSTD:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			t.Fatal(err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil)
	case AlgorithmGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			t.Fatal(err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
		return buf.Bytes()
	}
	return data
}

func TestFromContentEncoding(t *testing.T) {
	tests := []struct {
		header  string
		want    Algorithm
		wantErr bool
	}{
		{"", AlgorithmNone, false},
		{"identity", AlgorithmNone, false},
		{"gzip", AlgorithmGzip, false},
		{"X-GZIP", AlgorithmGzip, false},
		{"zstd", AlgorithmZSTD, false},
		{"br", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, err := FromContentEncoding(tt.header)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FromContentEncoding(%q) error = %v, wantErr %v", tt.header, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("FromContentEncoding(%q) = %v, want %v", tt.header, got, tt.want)
			}
		})
	}
}

func TestDecoder_Decompress(t *testing.T) {
	payload := bytes.Repeat([]byte(`{"results":[{"id":1,"title":"openssl"}],"next":null}`), 50)

	for _, algo := range []Algorithm{AlgorithmZSTD, AlgorithmGzip, AlgorithmNone} {
		t.Run(string(algo), func(t *testing.T) {
			d := NewDecoder(algo)
			if d.Algorithm() != algo {
				t.Errorf("Algorithm() = %v, want %v", d.Algorithm(), algo)
			}
			out, err := d.Decompress(encode(t, algo, payload))
			if err != nil {
				t.Fatalf("Decompress() error = %v", err)
			}
			if !bytes.Equal(out, payload) {
				t.Error("decoded payload mismatch")
			}
		})
	}
}

func TestDecodeBody(t *testing.T) {
	payload := []byte(`[{"id":1}]`)
	gz := encode(t, AlgorithmGzip, payload)

	out, err := DecodeBody("gzip", gz)
	if err != nil {
		t.Fatalf("DecodeBody() error = %v", err)
	}
	if string(out) != string(payload) {
		t.Errorf("DecodeBody() = %s, want %s", out, payload)
	}

	if _, err := DecodeBody("br", payload); err == nil {
		t.Error("DecodeBody() should reject unknown encodings")
	}
}

func TestDecompress_Corrupt(t *testing.T) {
	if _, err := ForAlgorithm(AlgorithmGzip).Decompress([]byte("not gzip")); err == nil {
		t.Error("expected error for corrupt gzip data")
	}
	if _, err := ForAlgorithm(AlgorithmZSTD).Decompress([]byte("not zstd")); err == nil {
		t.Error("expected error for corrupt zstd data")
	}
}
