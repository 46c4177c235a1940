package promptctx

import (
	"path"
	"sort"
	"strings"
)

// MaxMatches caps the number of suggestions returned by Match.
const MaxMatches = 8

// Match scores.
const (
	scoreExactName     = 100
	scoreNamePrefix    = 75
	scoreNameSubstring = 50
	scorePathSubstring = 25
	scoreSubsequence   = 10
)

// Source records where a candidate came from.
type Source string

const (
	SourceTree Source = "tree"
	SourceGit  Source = "git"
)

// FileEntry is one node of a file-tree listing.
type FileEntry struct {
	Path  string
	Size  int64
	IsDir bool
}

// Candidate is an attachable file offered for a mention.
type Candidate struct {
	Path     string
	Label    string
	Source   Source
	SizeHint int64
}

// Candidates merges the file-tree listing with the git changed-file paths,
// keyed by path. Tree entries win; directories are skipped.
func Candidates(tree []FileEntry, changed []string) []Candidate {
	seen := make(map[string]bool, len(tree)+len(changed))
	out := make([]Candidate, 0, len(tree)+len(changed))

	for _, e := range tree {
		p := cleanPath(e.Path)
		if e.IsDir || p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, Candidate{Path: p, Label: p, Source: SourceTree, SizeHint: e.Size})
	}
	for _, c := range changed {
		p := cleanPath(c)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, Candidate{Path: p, Label: p, Source: SourceGit})
	}
	return out
}

// Match ranks candidates against query and returns at most MaxMatches of them.
//
// Scoring is case-insensitive against the base name, then the full path:
// exact name 100, name prefix 75, name substring 50, path substring 25,
// subsequence of path 10. Ties are broken by lexical order of the label, so
// for "@read" both "readme.md" and "reader.ts" score as prefixes and
// "reader.ts" sorts first. Non-matching candidates are dropped.
func Match(query string, candidates []Candidate) []Candidate {
	type scored struct {
		c     Candidate
		score int
	}

	q := strings.ToLower(query)
	var hits []scored
	for _, c := range candidates {
		s := score(q, c)
		if s < 0 {
			continue
		}
		hits = append(hits, scored{c, s})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].c.Label < hits[j].c.Label
	})

	if len(hits) > MaxMatches {
		hits = hits[:MaxMatches]
	}
	out := make([]Candidate, len(hits))
	for i, h := range hits {
		out[i] = h.c
	}
	return out
}

// score returns -1 when the candidate does not match at all. An empty query
// matches everything with score 0.
func score(q string, c Candidate) int {
	if q == "" {
		return 0
	}
	full := strings.ToLower(c.Label)
	name := path.Base(full)

	switch {
	case name == q:
		return scoreExactName
	case strings.HasPrefix(name, q):
		return scoreNamePrefix
	case strings.Contains(name, q):
		return scoreNameSubstring
	case strings.Contains(full, q):
		return scorePathSubstring
	case isSubsequence(q, full):
		return scoreSubsequence
	}
	return -1
}

func isSubsequence(q, s string) bool {
	qr := []rune(q)
	i := 0
	for _, r := range s {
		if i < len(qr) && r == qr[i] {
			i++
		}
	}
	return i == len(qr)
}

func cleanPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = path.Clean(strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimPrefix(p, "./")
}
