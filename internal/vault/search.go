package vault

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

const (
	// defaultSearchLimit is the match cap when the caller does not set
	// one.
	defaultSearchLimit = 50

	// maxSearchLimit caps a single search regardless of the request.
	maxSearchLimit = 200

	// maxSnippetLength caps matched lines for transport.
	maxSnippetLength = 200

	// maxScanTokenSize accepts long single-line notes.
	maxScanTokenSize = 1024 * 1024
)

// errSearchDone stops the walk once the match cap is reached.
var errSearchDone = errors.New("search done")

// Match is one search hit. Path is relative to the vault root.
type Match struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Snippet string `json:"snippet"`
}

// Search scans every markdown note for a case-insensitive substring and
// returns up to limit matches in walk order. A zero or negative limit
// selects the default cap.
func (b *Browser) Search(ctx context.Context, query string, limit int) ([]Match, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil, fmt.Errorf("search query is empty")
	}
	switch {
	case limit <= 0:
		limit = defaultSearchLimit
	case limit > maxSearchLimit:
		limit = maxSearchLimit
	}

	matches := make([]Match, 0, limit)
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			if path != b.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") || !strings.EqualFold(filepath.Ext(d.Name()), ".md") {
			return nil
		}

		rel, rerr := filepath.Rel(b.root, path)
		if rerr != nil {
			return nil
		}
		hits, serr := scanMarkdown(path, filepath.ToSlash(rel), needle, limit-len(matches))
		if serr != nil {
			b.logger.Debug("search skipped file",
				zap.String("path", rel),
				zap.Error(serr))
			return nil
		}
		matches = append(matches, hits...)
		if len(matches) >= limit {
			return errSearchDone
		}
		return nil
	})
	if err != nil && !errors.Is(err, errSearchDone) {
		return nil, err
	}
	return matches, nil
}

// scanMarkdown collects up to remaining matching lines from one note.
func scanMarkdown(path, rel, needle string, remaining int) ([]Match, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	var hits []Match
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if !strings.Contains(strings.ToLower(line), needle) {
			continue
		}
		hits = append(hits, Match{Path: rel, Line: lineNo, Snippet: snippet(line)})
		if len(hits) >= remaining {
			return hits, nil
		}
	}
	return hits, scanner.Err()
}

// snippet trims and caps a matched line.
func snippet(line string) string {
	s := strings.TrimSpace(line)
	if runes := []rune(s); len(runes) > maxSnippetLength {
		s = string(runes[:maxSnippetLength]) + "..."
	}
	return s
}
