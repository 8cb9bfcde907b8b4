package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/koltyakov/mtp/internal/domain"
)

// PackThreshold is the body size above which frames are gzip-packed.
const PackThreshold = 4 * 1024

const maxUnpackedSize = 64 * 1024 * 1024

// Pack gzip-compresses large bodies. The frame is returned unchanged when
// compression would not make it smaller.
func Pack(f Frame) Frame {
	if len(f.Body) < PackThreshold || f.Has(FlagGzip) {
		return f
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return f
	}
	if _, err := zw.Write(f.Body); err != nil {
		return f
	}
	if err := zw.Close(); err != nil {
		return f
	}
	if buf.Len() >= len(f.Body) {
		return f
	}
	f.Body = buf.Bytes()
	f.Flags |= FlagGzip
	return f
}

// Unpacked reverses Pack.
func Unpacked(f Frame) (Frame, error) {
	if !f.Has(FlagGzip) {
		return f, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(f.Body))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: gzip: %v", domain.ErrBadFrame, err)
	}
	defer zr.Close()
	body, err := io.ReadAll(io.LimitReader(zr, maxUnpackedSize+1))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: gzip: %v", domain.ErrBadFrame, err)
	}
	if len(body) > maxUnpackedSize {
		return Frame{}, fmt.Errorf("%w: unpacked body too large", domain.ErrBadFrame)
	}
	f.Body = body
	f.Flags &^= FlagGzip
	return f, nil
}
