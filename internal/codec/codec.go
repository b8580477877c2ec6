// Package codec is the compression collaborator boundary of the cache. The
// stores invoke a Codec as an opaque, reversible transform on payload bytes;
// which algorithm runs behind it is not the cache's concern.
package codec

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Codec transforms payload bytes on the way to and from storage.
// Decode(Encode(x)) must equal x.
type Codec interface {
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// Gzip is the default codec. Compression favors speed: cache writes sit on
// the response path and must not stall it.
type Gzip struct {
	level int
}

// NewGzip returns a gzip codec at BestSpeed.
func NewGzip() *Gzip {
	return &Gzip{level: gzip.BestSpeed}
}

func (g *Gzip) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, g.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g *Gzip) Decode(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
