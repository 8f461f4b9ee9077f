package audio

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// Archiver spools a gzip-compressed cumulative copy of the raw PCM stream
// to a temp file for upload after the session ends. It runs independently
// of the network frames: a failed upload never loses the local copy.
type Archiver struct {
	path string
	file *os.File
	gz   *gzip.Writer
}

// NewArchiver creates the spool file under tempDir.
func NewArchiver(tempDir, sessionID string) (*Archiver, error) {
	path := filepath.Join(tempDir, fmt.Sprintf("%s.pcm.gz", sessionID))
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive spool: %w", err)
	}
	return &Archiver{
		path: path,
		file: file,
		gz:   gzip.NewWriter(file),
	}, nil
}

// Write appends raw PCM bytes to the compressed spool.
func (a *Archiver) Write(pcm []byte) error {
	_, err := a.gz.Write(pcm)
	return err
}

// Close flushes the compressed stream and closes the spool file. The file
// stays on disk until the caller removes it after a successful upload.
func (a *Archiver) Close() error {
	if err := a.gz.Close(); err != nil {
		a.file.Close()
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return a.file.Close()
}

// Path returns the spool file location.
func (a *Archiver) Path() string {
	return a.path
}

// Remove deletes the spool file.
func (a *Archiver) Remove() error {
	if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
