package promptctx

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/workspace/acp-engine/internal/content"
)

// DefaultInlineMaxBytes is the largest file embedded directly in a prompt.
// A file of exactly this size is inlined; one byte more is linked.
const DefaultInlineMaxBytes = 256 * 1024

// ItemType distinguishes attached files from attached git diffs.
type ItemType string

const (
	ItemFile    ItemType = "file"
	ItemGitDiff ItemType = "git_diff"
)

// ContextItem is a file or diff the user attached to the next prompt.
type ContextItem struct {
	ID       string
	Type     ItemType
	Path     string
	Label    string
	SizeHint int64
}

// FileItem builds a file context item for path.
func FileItem(p string, sizeHint int64) ContextItem {
	p = cleanPath(p)
	return ContextItem{ID: uuid.NewString(), Type: ItemFile, Path: p, Label: p, SizeHint: sizeHint}
}

// DiffItem builds a git diff context item for path.
func DiffItem(p string) ContextItem {
	p = cleanPath(p)
	return ContextItem{ID: uuid.NewString(), Type: ItemGitDiff, Path: p, Label: "diff: " + p}
}

// ItemFromCandidate converts an accepted mention into a file item.
func ItemFromCandidate(c Candidate) ContextItem {
	item := FileItem(c.Path, c.SizeHint)
	item.Label = c.Label
	return item
}

// ContextSet holds attached items. Items are only added or removed explicitly.
type ContextSet struct {
	mu    sync.Mutex
	items []ContextItem
}

// Add appends item unless an item of the same type and path is already attached.
func (s *ContextSet) Add(item ContextItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.items {
		if existing.Path == item.Path && existing.Type == item.Type {
			return false
		}
	}
	s.items = append(s.items, item)
	return true
}

// Remove detaches the item with the given id.
func (s *ContextSet) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, item := range s.items {
		if item.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return true
		}
	}
	return false
}

// Items returns a copy of the attached items in insertion order.
func (s *ContextSet) Items() []ContextItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ContextItem(nil), s.items...)
}

// Clear detaches everything.
func (s *ContextSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
}

// FileService lists and reads workspace files.
type FileService interface {
	Tree(ctx context.Context, root string) ([]FileEntry, error)
	Open(ctx context.Context, p string) ([]byte, error)
}

// GitService reports changed files and their diffs.
type GitService interface {
	ChangedFiles(ctx context.Context) ([]string, error)
	Diff(ctx context.Context, p string) (string, error)
}

// Resolver turns context items into prompt content blocks.
type Resolver struct {
	Files FileService
	Git   GitService
	// Root is the workspace root used to build file:// URIs.
	Root string
	// MaxInline overrides DefaultInlineMaxBytes when positive.
	MaxInline int
}

// Candidates gathers mention candidates from the file tree and git status.
// Either source failing only narrows the pool.
func (r *Resolver) Candidates(ctx context.Context) []Candidate {
	var tree []FileEntry
	var changed []string
	if r.Files != nil {
		t, err := r.Files.Tree(ctx, "")
		if err != nil {
			slog.Warn("promptctx: file tree unavailable", "error", err)
		}
		tree = t
	}
	if r.Git != nil {
		c, err := r.Git.ChangedFiles(ctx)
		if err != nil {
			slog.Debug("promptctx: git status unavailable", "error", err)
		}
		changed = c
	}
	return Candidates(tree, changed)
}

// Blocks resolves items into blocks, one per item, in item order. Fetches run
// concurrently. A failed fetch degrades to a resource_link and is not an
// error; only ctx cancellation is.
func (r *Resolver) Blocks(ctx context.Context, items []ContextItem) ([]content.Block, error) {
	blocks := make([]content.Block, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			blocks[i] = r.resolve(gctx, item)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("resolve context: %w", err)
	}
	return blocks, nil
}

// PromptBlocks returns the prompt text followed by the resolved context.
func (r *Resolver) PromptBlocks(ctx context.Context, text string, items []ContextItem) ([]content.Block, error) {
	ctxBlocks, err := r.Blocks(ctx, items)
	if err != nil {
		return nil, err
	}
	blocks := make([]content.Block, 0, len(ctxBlocks)+1)
	if tb := content.TextBlock(text); !tb.IsPlaceholder() {
		blocks = append(blocks, tb)
	}
	return append(blocks, ctxBlocks...), nil
}

func (r *Resolver) resolve(ctx context.Context, item ContextItem) content.Block {
	uri := r.fileURI(item.Path)

	if item.Type == ItemGitDiff {
		if r.Git == nil {
			return content.ResourceLinkBlock(uri, item.Label)
		}
		diff, err := r.Git.Diff(ctx, item.Path)
		if err != nil {
			slog.Warn("promptctx: diff unavailable, linking instead", "path", item.Path, "error", err)
			return content.ResourceLinkBlock(uri, item.Label)
		}
		return content.ResourceBlock("diff://"+item.Path, diff, "text/x-diff")
	}

	if r.Files == nil {
		return content.ResourceLinkBlock(uri, item.Label)
	}
	data, err := r.Files.Open(ctx, item.Path)
	if err != nil {
		slog.Warn("promptctx: open failed, linking instead", "path", item.Path, "error", err)
		return content.ResourceLinkBlock(uri, item.Label)
	}
	if len(data) > r.maxInline() {
		slog.Debug("promptctx: file too large to inline", "path", item.Path, "bytes", len(data))
		return content.ResourceLinkBlock(uri, item.Label)
	}
	return content.ResourceBlock(uri, string(data), mime.TypeByExtension(path.Ext(item.Path)))
}

func (r *Resolver) maxInline() int {
	if r.MaxInline > 0 {
		return r.MaxInline
	}
	return DefaultInlineMaxBytes
}

func (r *Resolver) fileURI(p string) string {
	full := p
	if r.Root != "" && !filepath.IsAbs(p) {
		full = filepath.Join(r.Root, filepath.FromSlash(p))
	}
	return "file://" + filepath.ToSlash(full)
}
