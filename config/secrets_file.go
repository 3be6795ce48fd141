package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileProvider resolves ${file:/path} references by reading the file
// contents. Trailing whitespace is stripped so mounted secret files
// may end with a newline.
type FileProvider struct {
	// AllowedPrefixes restricts readable paths when non-empty.
	AllowedPrefixes []string
}

func (p *FileProvider) Scheme() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	path := filepath.Clean(ref)
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("secret file path must be absolute: %s", ref)
	}
	if len(p.AllowedPrefixes) > 0 {
		allowed := false
		for _, prefix := range p.AllowedPrefixes {
			if strings.HasPrefix(path, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fmt.Errorf("secret file path %s is outside allowed prefixes", path)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading secret file: %w", err)
	}
	return strings.TrimRight(string(data), " \t\r\n"), nil
}
