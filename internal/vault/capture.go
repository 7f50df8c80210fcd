// Package vault implements the knowledge vault surfaces: capture
// ingestion into the inbox folder, read-only browsing of the vault tree,
// and substring search over markdown notes.
package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/prime-system/prime-agent/internal/agent/runner"
	"github.com/prime-system/prime-agent/internal/common/appctx"
	"github.com/prime-system/prime-agent/internal/common/config"
	"github.com/prime-system/prime-agent/internal/common/fsutil"
	"github.com/prime-system/prime-agent/internal/common/logger"
	"github.com/prime-system/prime-agent/internal/events/bus"
	"github.com/prime-system/prime-agent/internal/metrics"
)

const (
	// syncTimeout bounds the background mirror sync after a capture.
	syncTimeout = 2 * time.Minute

	// defaultSource labels captures whose request carried no source.
	defaultSource = "unknown"

	// maxSlugLength caps the title slug appended to capture filenames.
	maxSlugLength = 40
)

// ErrEmptyInput rejects captures whose input is blank after trimming.
var ErrEmptyInput = errors.New("capture input is empty")

// CaptureRequest is one inbound capture.
type CaptureRequest struct {
	Input   string `json:"input"`
	Source  string `json:"source"`
	Context string `json:"context"`
}

// CaptureResult reports where an accepted capture landed. Path is
// relative to the vault root.
type CaptureResult struct {
	ID    string `json:"dump_id"`
	Path  string `json:"path"`
	Title string `json:"title,omitempty"`
}

// frontmatter is the YAML header of a capture file, emitted in field
// order.
type frontmatter struct {
	ID         string `yaml:"id"`
	CapturedAt string `yaml:"captured_at"`
	Source     string `yaml:"source"`
	Input      string `yaml:"input"`
	Processed  bool   `yaml:"processed"`
	Context    string `yaml:"context"`
}

// CaptureSyncer commits a new capture to the mirror. Satisfied by the
// mirror coordinator; nil disables the background sync.
type CaptureSyncer interface {
	SyncCapture(ctx context.Context, path string) error
}

// Ingestor turns capture requests into self-contained markdown files in
// the vault inbox. The file is on disk before Ingest returns; the mirror
// sync runs in the background and its failures are only logged.
type Ingestor struct {
	vault  config.VaultConfig
	runner *runner.Runner
	client runner.Client
	syncer CaptureSyncer
	bus    bus.EventBus
	logger *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewIngestor wires an ingestor. client may be nil to disable title
// generation; syncer and eventBus may be nil.
func NewIngestor(vault config.VaultConfig, r *runner.Runner, client runner.Client, syncer CaptureSyncer, eventBus bus.EventBus, log *logger.Logger) *Ingestor {
	return &Ingestor{
		vault:  vault,
		runner: r,
		client: client,
		syncer: syncer,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "capture-ingestor")),
		stopCh: make(chan struct{}),
	}
}

// Ingest writes one capture into the inbox and schedules the mirror
// sync. The returned path is the file's location inside the vault.
func (i *Ingestor) Ingest(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	input := strings.TrimSpace(req.Input)
	if input == "" {
		return nil, ErrEmptyInput
	}

	capturedAt := time.Now().UTC().Truncate(time.Second)
	source := sanitizeSource(req.Source)
	captureID := capturedAt.Format(time.RFC3339) + "-" + source

	title := i.generateTitle(ctx, input)

	doc, err := renderCapture(frontmatter{
		ID:         captureID,
		CapturedAt: capturedAt.Format(time.RFC3339),
		Source:     source,
		Input:      input,
		Processed:  false,
		Context:    strings.TrimSpace(req.Context),
	}, title)
	if err != nil {
		return nil, fmt.Errorf("render capture %s: %w", captureID, err)
	}

	if err := os.MkdirAll(i.vault.InboxPath(), 0o755); err != nil {
		return nil, fmt.Errorf("create inbox folder: %w", err)
	}

	filename := captureFilename(captureID, title)
	if err := fsutil.WriteFileAtomic(filepath.Join(i.vault.InboxPath(), filename), doc, 0o644); err != nil {
		return nil, fmt.Errorf("write capture %s: %w", captureID, err)
	}

	relPath := filepath.ToSlash(filepath.Join(i.vault.InboxDir, filename))
	metrics.CapturesTotal.WithLabelValues(source).Inc()
	i.logger.Info("capture ingested",
		zap.String("capture_id", captureID),
		zap.String("path", relPath))
	i.publish(bus.CaptureIngested(captureID, source, relPath))

	i.scheduleSync(ctx, relPath)

	return &CaptureResult{ID: captureID, Path: relPath, Title: title}, nil
}

// Stop aborts in-flight background syncs and waits for them.
func (i *Ingestor) Stop() {
	close(i.stopCh)
	i.wg.Wait()
}

// generateTitle asks the agent for a one-line title. Any failure is
// logged and treated as "no title"; the capture never waits beyond the
// runner's own title budget.
func (i *Ingestor) generateTitle(ctx context.Context, input string) string {
	if i.runner == nil || i.client == nil {
		return ""
	}
	title, err := i.runner.GenerateTitle(ctx, i.client, input)
	if err != nil {
		i.logger.Debug("title generation failed", zap.Error(err))
		return ""
	}
	return title
}

// scheduleSync commits the capture once the caller has the result in
// hand. Errors never reach the client.
func (i *Ingestor) scheduleSync(ctx context.Context, path string) {
	if i.syncer == nil {
		return
	}
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		syncCtx, cancel := appctx.Detached(ctx, i.stopCh, syncTimeout)
		defer cancel()
		if err := i.syncer.SyncCapture(syncCtx, path); err != nil {
			i.logger.Warn("capture sync failed",
				zap.String("path", path),
				zap.Error(err))
		}
	}()
}

func (i *Ingestor) publish(event *bus.Event) {
	if i.bus == nil {
		return
	}
	if err := i.bus.Publish(context.Background(), bus.SubjectCaptureIngested, event); err != nil {
		i.logger.Debug("event publish failed", zap.Error(err))
	}
}

// renderCapture builds the frontmatter+body markdown document. The body
// repeats the raw input under the generated title so the file stands on
// its own without a frontmatter parser.
func renderCapture(fm frontmatter, title string) ([]byte, error) {
	head, err := yaml.Marshal(&fm)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(head)
	b.WriteString("---\n\n")
	if title != "" {
		b.WriteString("# " + title + "\n\n")
	}
	b.WriteString(fm.Input)
	if !strings.HasSuffix(fm.Input, "\n") {
		b.WriteString("\n")
	}
	return []byte(b.String()), nil
}

// captureFilename derives the inbox filename from the capture id plus,
// when a title was generated, a short slug. Colons in the timestamp are
// flattened so the name stays portable.
func captureFilename(captureID, title string) string {
	stem := strings.ReplaceAll(captureID, ":", "-")
	if slug := slugify(title); slug != "" {
		stem += "-" + slug
	}
	return stem + ".md"
}

func sanitizeSource(raw string) string {
	if s := slugify(raw); s != "" {
		return s
	}
	return defaultSource
}

// slugify lowercases and collapses anything outside [a-z0-9] into single
// hyphens, capped at maxSlugLength bytes.
func slugify(raw string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pending && b.Len() > 0 {
				b.WriteByte('-')
			}
			pending = false
			b.WriteRune(r)
		default:
			pending = true
		}
		if b.Len() >= maxSlugLength {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
