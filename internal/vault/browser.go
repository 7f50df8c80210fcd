package vault

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/prime-system/prime-agent/internal/common/config"
	"github.com/prime-system/prime-agent/internal/common/logger"
)

const (
	// defaultReadLimit is the byte window served when the caller does
	// not ask for one.
	defaultReadLimit = 256 * 1024

	// maxReadLimit caps a single read regardless of the request.
	maxReadLimit = 1024 * 1024
)

// ErrInvalidPath rejects paths that resolve outside the vault root or
// into its hidden bookkeeping folders.
var ErrInvalidPath = errors.New("path escapes the vault root")

// Entry is one row of a folder listing.
type Entry struct {
	Name    string    `json:"name"`
	Type    string    `json:"type"` // "file" or "folder"
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
}

// FileContent is a byte-range read of one vault file. Content that is
// not valid UTF-8 is base64-encoded with Binary set.
type FileContent struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	Offset  int64  `json:"offset"`
	Content string `json:"content"`
	Binary  bool   `json:"binary,omitempty"`
	EOF     bool   `json:"eof"`
}

// Browser serves read-only views of the vault tree.
type Browser struct {
	root   string
	logger *logger.Logger
}

// NewBrowser creates a browser rooted at the vault path.
func NewBrowser(vault config.VaultConfig, log *logger.Logger) *Browser {
	return &Browser{
		root:   filepath.Clean(vault.Path),
		logger: log.WithFields(zap.String("component", "vault-browser")),
	}
}

// ListFolder lists one vault folder. Folders sort before files; hidden
// entries are skipped.
func (b *Browser) ListFolder(rel string) ([]Entry, error) {
	full, err := b.resolve(rel)
	if err != nil {
		return nil, err
	}

	dirents, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("list folder %q: %w", rel, err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		if strings.HasPrefix(d.Name(), ".") {
			continue
		}
		info, ierr := d.Info()
		if ierr != nil {
			continue
		}
		entry := Entry{
			Name:    d.Name(),
			Type:    "file",
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		}
		if d.IsDir() {
			entry.Type = "folder"
			entry.Size = 0
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Type != entries[j].Type {
			return entries[i].Type == "folder"
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// ReadFile returns up to limit bytes of one file starting at offset.
// A zero or negative limit selects the default window.
func (b *Browser) ReadFile(rel string, offset, limit int64) (*FileContent, error) {
	full, err := b.resolve(rel)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("read file %q: %w", rel, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("read file %q: path is a folder", rel)
	}

	if offset < 0 {
		offset = 0
	}
	switch {
	case limit <= 0:
		limit = defaultReadLimit
	case limit > maxReadLimit:
		limit = maxReadLimit
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("read file %q: %w", rel, err)
	}
	defer func() {
		_ = f.Close()
	}()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("read file %q: %w", rel, err)
		}
	}
	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return nil, fmt.Errorf("read file %q: %w", rel, err)
	}

	relClean, err := filepath.Rel(b.root, full)
	if err != nil {
		relClean = rel
	}
	fc := &FileContent{
		Path:   filepath.ToSlash(relClean),
		Size:   info.Size(),
		Offset: offset,
		EOF:    offset+int64(len(data)) >= info.Size(),
	}
	if utf8.Valid(data) {
		fc.Content = string(data)
	} else {
		fc.Binary = true
		fc.Content = base64.StdEncoding.EncodeToString(data)
	}
	return fc, nil
}

// resolve maps a request path onto the vault tree, rejecting traversal
// and hidden segments such as the mirror's git bookkeeping.
func (b *Browser) resolve(rel string) (string, error) {
	full := filepath.Join(b.root, filepath.Clean(rel))
	if full == b.root {
		return full, nil
	}
	if !strings.HasPrefix(full, b.root+string(os.PathSeparator)) {
		return "", ErrInvalidPath
	}
	inside := strings.TrimPrefix(full, b.root+string(os.PathSeparator))
	for _, seg := range strings.Split(filepath.ToSlash(inside), "/") {
		if strings.HasPrefix(seg, ".") {
			return "", ErrInvalidPath
		}
	}
	return full, nil
}
