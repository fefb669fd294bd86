// Package chunker splits a file of known size into the fixed-size parts of a
// multipart upload. It performs no I/O.
package chunker

import (
	"io"

	uperr "github.com/stefando/chunkedUpload/internal/errors"
)

// DefaultChunkSize is the part size used when none is configured (10 MiB).
const DefaultChunkSize int64 = 10 * 1024 * 1024

// Part describes one part of a multipart upload: a 1-based part number and
// the half-open byte range [Start, End) it covers in the source file.
type Part struct {
	Number int
	Start  int64
	End    int64
}

// Size returns the number of bytes in the part.
func (p Part) Size() int64 {
	return p.End - p.Start
}

// Section returns a reader over the part's bytes in src.
func (p Part) Section(src io.ReaderAt) *io.SectionReader {
	return io.NewSectionReader(src, p.Start, p.Size())
}

// Count returns ceil(fileSize / chunkSize).
func Count(fileSize, chunkSize int64) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// Plan returns the parts covering [0, fileSize) in chunkSize pieces. The
// last part holds the remainder. A zero-byte file yields no parts.
func Plan(fileSize, chunkSize int64) ([]Part, error) {
	if chunkSize <= 0 {
		return nil, uperr.Configf("chunk size must be positive, got %d", chunkSize)
	}
	if fileSize < 0 {
		return nil, uperr.Configf("file size must not be negative, got %d", fileSize)
	}

	n := Count(fileSize, chunkSize)
	parts := make([]Part, 0, n)
	for i := 1; i <= n; i++ {
		start := int64(i-1) * chunkSize
		end := min(start+chunkSize, fileSize)
		parts = append(parts, Part{Number: i, Start: start, End: end})
	}
	return parts, nil
}
