package images

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FSSink stores processed images under a base directory and serves them
// from a base URL. The serving layer mounts BaseDir at BaseURL.
type FSSink struct {
	BaseDir string
	BaseURL string
}

// Store writes the JPEG and returns its public URL.
func (s FSSink) Store(_ context.Context, key string, jpeg []byte) (string, error) {
	path := filepath.Join(s.BaseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("images: mkdir: %w", err)
	}
	if err := os.WriteFile(path, jpeg, 0o644); err != nil {
		return "", fmt.Errorf("images: write: %w", err)
	}
	return strings.TrimRight(s.BaseURL, "/") + "/" + key, nil
}
