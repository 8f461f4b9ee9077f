package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// LocalArchive stores finalized session audio on the local filesystem. Used
// when Google Drive is not configured; the archive reference is then the
// local file path.
type LocalArchive struct {
	outputDir string
}

func NewLocalArchive(outputDir string) *LocalArchive {
	return &LocalArchive{outputDir: outputDir}
}

// UploadArchive copies the compressed audio spool into a dated directory
// under the output root: archives/2025/08/31/<session>.pcm.gz
func (la *LocalArchive) UploadArchive(ctx context.Context, sessionID, spoolPath string) (string, error) {
	now := time.Now()
	dateDir := filepath.Join(la.outputDir,
		fmt.Sprintf("%d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("%02d", now.Day()))

	if err := os.MkdirAll(dateDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %v", err)
	}

	src, err := os.Open(spoolPath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive spool: %v", err)
	}
	defer src.Close()

	destPath := filepath.Join(dateDir, fmt.Sprintf("%s.pcm.gz", sessionID))
	dest, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("failed to create archive file: %v", err)
	}

	if _, err := io.Copy(dest, src); err != nil {
		dest.Close()
		os.Remove(destPath)
		return "", fmt.Errorf("failed to copy archive: %v", err)
	}
	if err := dest.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize archive file: %v", err)
	}

	return destPath, nil
}
