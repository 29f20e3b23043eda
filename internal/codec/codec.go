// Package codec compresses page bodies with zlib and fingerprints them with
// SHA-256. The output is the standard zlib container so stored content stays
// readable by any zlib implementation.
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/JakeFAU/url-crawler/internal/crawler"
)

// Codec implements crawler.Codec.
type Codec struct {
	level int
}

// New returns a Codec using the default compression level.
func New() *Codec {
	return &Codec{level: zlib.DefaultCompression}
}

// NewWithLevel returns a Codec using the given zlib level.
func NewWithLevel(level int) (*Codec, error) {
	if level < zlib.HuffmanOnly || level > zlib.BestCompression {
		return nil, fmt.Errorf("%w: compression level %d out of range", crawler.ErrCodec, level)
	}
	return &Codec{level: level}, nil
}

// Compress deflates the UTF-8 bytes of text.
func (c *Codec) Compress(text string) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("%w: new writer: %w", crawler.ErrCodec, err)
	}
	if _, err := io.WriteString(w, text); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("%w: deflate: %w", crawler.ErrCodec, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: flush: %w", crawler.ErrCodec, err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates data produced by Compress.
func (c *Codec) Decompress(data []byte) (string, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: open: %w", crawler.ErrCodec, err)
	}
	defer r.Close() //nolint:errcheck // reader close only releases state
	out, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: inflate: %w", crawler.ErrCodec, err)
	}
	return string(out), nil
}

// Fingerprint returns the lowercase hex SHA-256 of text's UTF-8 bytes.
func (c *Codec) Fingerprint(text string) (string, error) {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:]), nil
}

// Encode builds the stored content record for a page body.
func Encode(c crawler.Codec, body string) (*crawler.PageContent, error) {
	compressed, err := c.Compress(body)
	if err != nil {
		return nil, err
	}
	hash, err := c.Fingerprint(body)
	if err != nil {
		return nil, err
	}
	return &crawler.PageContent{
		Compressed:     compressed,
		ContentHash:    hash,
		OriginalSize:   len(body),
		CompressedSize: len(compressed),
	}, nil
}
