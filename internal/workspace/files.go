// Package workspace answers file-tree and git queries for the local
// checkout an agent works in. It backs the @-mention resolver.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/workspace/acp-engine/internal/promptctx"
)

const (
	// DefaultMaxEntries caps a tree listing.
	DefaultMaxEntries = 10000
	// DefaultMaxFileSize caps a single Open.
	DefaultMaxFileSize = 8 << 20
)

// skipDirs are never descended into when listing the tree.
var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
	".next":        true,
	"coverage":     true,
	"__pycache__":  true,
	"vendor":       true,
}

// Files lists and reads files below Root.
type Files struct {
	Root        string
	MaxEntries  int
	MaxFileSize int64
}

// NewFiles returns a file service rooted at root.
func NewFiles(root string) *Files {
	return &Files{Root: root, MaxEntries: DefaultMaxEntries, MaxFileSize: DefaultMaxFileSize}
}

// Tree walks dir (relative to Root, "" for Root itself) and returns files
// and directories with slash-separated paths relative to Root. Directories
// sort before files, then by case-insensitive path.
func (f *Files) Tree(ctx context.Context, dir string) ([]promptctx.FileEntry, error) {
	start := f.Root
	if dir != "" && dir != "." {
		if err := sanitizeFilePath(dir); err != nil {
			return nil, fmt.Errorf("invalid path: %w", err)
		}
		start = filepath.Join(f.Root, dir)
	}
	limit := f.MaxEntries
	if limit <= 0 {
		limit = DefaultMaxEntries
	}

	entries := []promptctx.FileEntry{}
	errLimit := errors.New("entry limit reached")
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == start {
				return walkErr
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == start {
			return nil
		}
		name := d.Name()
		if d.IsDir() && skipDirs[name] {
			return filepath.SkipDir
		}
		if name == ".DS_Store" || strings.HasSuffix(name, ".pyc") {
			return nil
		}
		rel, err := filepath.Rel(f.Root, p)
		if err != nil {
			return nil
		}
		entry := promptctx.FileEntry{Path: filepath.ToSlash(rel), IsDir: d.IsDir()}
		if !d.IsDir() {
			if info, err := d.Info(); err == nil {
				entry.Size = info.Size()
			}
		}
		entries = append(entries, entry)
		if len(entries) >= limit {
			return errLimit
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return nil, fmt.Errorf("list %s: %w", start, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Path) < strings.ToLower(entries[j].Path)
	})
	return entries, nil
}

// Open reads a file relative to Root. Paths escaping Root are rejected.
func (f *Files) Open(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p = strings.TrimPrefix(filepath.ToSlash(p), "./")
	if err := sanitizeFilePath(p); err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	max := f.MaxFileSize
	if max <= 0 {
		max = DefaultMaxFileSize
	}

	file, err := os.Open(filepath.Join(f.Root, filepath.FromSlash(p)))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, max+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("file %s exceeds maximum size of %d bytes", p, max)
	}
	return data, nil
}

// sanitizeFilePath rejects empty, absolute and traversing paths and null bytes.
func sanitizeFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("file path is empty")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("file path contains null byte")
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return fmt.Errorf("absolute file paths are not allowed")
	}
	cleaned := filepath.Clean(filepath.FromSlash(path))
	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return fmt.Errorf("path traversal is not allowed")
		}
	}
	return nil
}
