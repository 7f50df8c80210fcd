package mirror

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prime-system/prime-agent/internal/common/fsutil"
)

// Outcomes of the individual sync steps, as written to the run log.
const (
	stepSuccess = "success"
	stepFailed  = "failed"
	stepSkipped = "skipped"
)

// gitSyncState tracks sub-step outcomes for the run log. Only the steps
// that happen before the log is written appear in it; the log commit and
// the push are reported through the aggregated error instead.
type gitSyncState struct {
	Pull        string
	PullError   string
	Commit      string
	CommitHash  string
	CommitError string
	Changed     int
}

// writeRunLog renders the human-readable record of a command run into the
// configured logs folder and returns its path.
func (c *Coordinator) writeRunLog(meta CommandRunMeta, state gitSyncState) (string, error) {
	logsDir := c.vault.LogsPath()
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return "", fmt.Errorf("create logs folder: %w", err)
	}

	ts := meta.CompletedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	name := fmt.Sprintf("%s-%s.md", ts.UTC().Format("2006-01-02-150405"), meta.CommandName)
	path := filepath.Join(logsDir, name)

	if err := fsutil.WriteFileAtomic(path, renderRunLog(meta, state), 0o644); err != nil {
		return "", fmt.Errorf("write run log: %w", err)
	}
	return path, nil
}

// renderRunLog builds the markdown body of a command run log.
func renderRunLog(meta CommandRunMeta, state gitSyncState) []byte {
	errText := meta.Error
	if errText == "" {
		errText = "-"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Command Run: %s\n\n", meta.CommandName)
	fmt.Fprintf(&b, "- Command: %s\n", meta.CommandName)
	fmt.Fprintf(&b, "- Status: %s\n", meta.Status)
	fmt.Fprintf(&b, "- Run ID: %s\n", meta.RunID)
	fmt.Fprintf(&b, "- Scheduled: %t\n", meta.Trigger == "scheduled")
	fmt.Fprintf(&b, "- Duration (s): %.1f\n", float64(meta.DurationMS)/1000)
	fmt.Fprintf(&b, "- Cost (USD): %.4f\n", meta.CostUSD)
	fmt.Fprintf(&b, "- Error: %s\n", errText)
	b.WriteString("\n## Git Sync\n\n")
	fmt.Fprintf(&b, "- Pull: %s\n", stepLine(state.Pull, state.PullError))
	commitDetail := state.CommitError
	if state.Commit == stepSuccess {
		commitDetail = shortHash(state.CommitHash)
	}
	fmt.Fprintf(&b, "- Commit: %s\n", stepLine(state.Commit, commitDetail))
	fmt.Fprintf(&b, "- Changed Files: %d\n", state.Changed)
	return []byte(b.String())
}

func stepLine(status, detail string) string {
	if detail == "" {
		return status
	}
	return fmt.Sprintf("%s (%s)", status, detail)
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
