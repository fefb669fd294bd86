package upload

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const defaultContentType = "application/octet-stream"

// File is the source of an upload. Reader must allow concurrent-safe random
// access; *os.File satisfies it.
type File struct {
	Name        string
	Size        int64
	ContentType string
	Reader      io.ReaderAt
}

// OpenFile opens path for upload and sniffs its content type. The returned
// closer releases the underlying file.
func OpenFile(path string) (File, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return File{}, nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return File{}, nil, fmt.Errorf("%s is a directory", path)
	}

	contentType, err := detectContentType(f, path)
	if err != nil {
		_ = f.Close()
		return File{}, nil, err
	}

	return File{
		Name:        filepath.Base(path),
		Size:        info.Size(),
		ContentType: contentType,
		Reader:      f,
	}, f, nil
}

// detectContentType sniffs the leading bytes of r, falling back to the
// extension of name when the content says nothing useful
func detectContentType(r io.ReaderAt, name string) (string, error) {
	buf := make([]byte, 3072)
	n, err := r.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read file header: %w", err)
	}

	if n > 0 {
		if mt := mimetype.Detect(buf[:n]); mt != nil && !mt.Is(defaultContentType) {
			base, _, _ := strings.Cut(mt.String(), ";")
			return base, nil
		}
	}

	if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
		base, _, _ := strings.Cut(byExt, ";")
		return base, nil
	}
	return defaultContentType, nil
}
