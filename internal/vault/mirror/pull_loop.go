package mirror

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prime-system/prime-agent/internal/common/logger"
)

// PullLoop periodically refreshes the vault checkout from its remote so
// edits made on other machines show up without waiting for a command run.
type PullLoop struct {
	coordinator *Coordinator
	interval    time.Duration
	logger      *logger.Logger

	mu       sync.Mutex
	running  bool
	lastTick time.Time
	lastErr  string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// PullStatus reports the loop's health for the monitoring surface.
type PullStatus struct {
	Running  bool      `json:"running"`
	LastTick time.Time `json:"last_tick,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
}

// NewPullLoop builds a loop that pulls at the given cadence.
func NewPullLoop(c *Coordinator, interval time.Duration, log *logger.Logger) *PullLoop {
	return &PullLoop{
		coordinator: c,
		interval:    interval,
		logger:      log.WithFields(zap.String("component", "pull-loop")),
	}
}

// Start launches the background loop. It does nothing when the mirror is
// disabled.
func (p *PullLoop) Start() {
	if !p.coordinator.Enabled() {
		p.logger.Info("vault pull loop disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.setRunning(true)

	p.wg.Add(1)
	go p.run(ctx)
	p.logger.Info("vault pull loop started", zap.Duration("interval", p.interval))
}

// Stop halts the loop and waits for an in-flight pull to finish.
func (p *PullLoop) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.setRunning(false)
}

// Status returns the loop's current health snapshot.
func (p *PullLoop) Status() PullStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PullStatus{Running: p.running, LastTick: p.lastTick, LastErr: p.lastErr}
}

func (p *PullLoop) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *PullLoop) tick(ctx context.Context) {
	// Bound each pull so a wedged remote cannot stall the next tick.
	tctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	err := p.coordinator.Pull(tctx)

	p.mu.Lock()
	p.lastTick = time.Now().UTC()
	if err != nil {
		p.lastErr = err.Error()
	} else {
		p.lastErr = ""
	}
	p.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		p.logger.Warn("periodic vault pull failed", zap.Error(err))
	}
}

func (p *PullLoop) setRunning(v bool) {
	p.mu.Lock()
	p.running = v
	p.mu.Unlock()
}
