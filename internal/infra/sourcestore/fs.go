package sourcestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FS serves source files from a local directory. References are relative
// paths under the root; traversal out of the root is rejected.
type FS struct {
	root string
}

// NewFS returns a filesystem source store rooted at path.
func NewFS(root string) (*FS, error) {
	if root == "" {
		return nil, fmt.Errorf("sourcestore: fs root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("sourcestore: resolve fs root %q: %w", root, err)
	}
	return &FS{root: abs}, nil
}

// Open opens the referenced file under the store root.
func (f *FS) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	path, err := f.resolve(ref)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sourcestore: open %q: %w", ref, err)
	}
	return file, nil
}

// resolve jails the reference inside the root so a submission cannot name
// arbitrary host paths.
func (f *FS) resolve(ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", fmt.Errorf("sourcestore: empty source reference")
	}

	clean := filepath.Clean(strings.TrimPrefix(ref, "/"))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("sourcestore: reference %q escapes the data root", ref)
	}
	return filepath.Join(f.root, clean), nil
}
