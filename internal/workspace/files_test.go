package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestTreeListsFilesAndSkipsNoise(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "README.md", "# hi")
	writeFile(t, root, "src/reader.ts", "export {}")
	writeFile(t, root, "node_modules/pkg/index.js", "x")
	writeFile(t, root, ".git/HEAD", "ref: refs/heads/main")
	writeFile(t, root, "cache/mod.pyc", "x")

	entries, err := NewFiles(root).Tree(context.Background(), "")
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}

	var got []string
	for _, e := range entries {
		got = append(got, e.Path)
	}
	want := []string{"cache", "src", "README.md", "src/reader.ts"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected tree %v, want %v", got, want)
	}
	if !entries[0].IsDir || entries[2].IsDir {
		t.Fatalf("expected directories first: %+v", entries)
	}
	if entries[2].Size != 4 {
		t.Fatalf("expected README size 4, got %d", entries[2].Size)
	}
}

func TestTreeSubdirectoryAndLimit(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a.go", "b.go", "c.go"} {
		writeFile(t, root, "pkg/"+name, "package pkg")
	}

	files := NewFiles(root)
	files.MaxEntries = 2
	entries, err := files.Tree(context.Background(), "pkg")
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected listing capped at 2, got %d", len(entries))
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Path, "pkg/") {
			t.Fatalf("expected root-relative path, got %q", e.Path)
		}
	}

	if _, err := files.Tree(context.Background(), "../outside"); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
}

func TestOpen(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/main.go", "package main\n")

	files := NewFiles(root)
	data, err := files.Open(context.Background(), "./src/main.go")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(data) != "package main\n" {
		t.Fatalf("unexpected content %q", data)
	}

	for _, bad := range []string{"", "/etc/passwd", "../secret", "src/../../x"} {
		if _, err := files.Open(context.Background(), bad); err == nil {
			t.Errorf("Open(%q) should fail", bad)
		}
	}
	if _, err := files.Open(context.Background(), "missing.txt"); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestOpenRejectsOversizedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "big.txt", strings.Repeat("x", 11))

	files := NewFiles(root)
	files.MaxFileSize = 10
	if _, err := files.Open(context.Background(), "big.txt"); err == nil {
		t.Fatal("expected size error")
	}
	files.MaxFileSize = 11
	if _, err := files.Open(context.Background(), "big.txt"); err != nil {
		t.Fatalf("file at the limit should open: %v", err)
	}
}

func TestSanitizeFilePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "simple file", path: "README.md"},
		{name: "nested path", path: "src/components/App.tsx"},
		{name: "hidden dir", path: ".github/workflows/ci.yml"},
		{name: "empty", path: "", wantErr: true},
		{name: "traversal", path: "../etc/passwd", wantErr: true},
		{name: "nested traversal", path: "a/b/../../../etc/passwd", wantErr: true},
		{name: "absolute", path: "/etc/passwd", wantErr: true},
		{name: "null byte", path: "file\x00.txt", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sanitizeFilePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("sanitizeFilePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}
