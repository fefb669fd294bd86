package ui

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/stefando/chunkedUpload/internal/progress"
	"github.com/stefando/chunkedUpload/internal/upload"
)

// WriteFileKey stores the uploaded file key where the caller's form
// expects it: the file at path, or w when path is empty
func WriteFileKey(w io.Writer, path, fileKey string) error {
	if path == "" {
		_, err := fmt.Fprintln(w, fileKey)
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(fileKey+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write file key to %s: %w", path, err)
	}
	return nil
}

// Summary prints the outcome of a successful upload and the preview
// acknowledgment for its content type
func (t *Terminal) Summary(res *upload.Result) {
	t.Println(fmt.Sprintf("Stored %s (%s, %d parts) as %s",
		res.ContentType, humanize.IBytes(uint64(res.Size)), len(res.Parts), res.FileKey), color.FgGreen)
	if preview := progress.Preview(res.ContentType); preview != "" {
		t.Println(preview)
	}
}
