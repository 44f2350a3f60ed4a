// Package verify polls the backend until a newly registered learner confirms their email.
package verify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lessonbook/internal/metrics"
	"lessonbook/internal/model"
)

// DefaultInterval is the fixed delay between checks.
const DefaultInterval = 5 * time.Second

// CheckFunc reports the current account and whether its email is verified.
type CheckFunc func(ctx context.Context) (model.Account, bool, error)

// Poller runs at most one check loop at a time. The loop has no upper bound; it ends when the account
// is verified, Stop is called or the Start context is cancelled.
type Poller struct {
	check    CheckFunc
	interval time.Duration
	logger   *zerolog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	gen     uint64
	running bool
}

func New(check CheckFunc, interval time.Duration, logger *zerolog.Logger) *Poller {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{check: check, interval: interval, logger: logger}
}

// SetMetrics attaches collectors for check results.
func (p *Poller) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// Start checks immediately and then every interval. A loop already running is cancelled first.
// onVerified is called at most once per Start, from the polling goroutine.
func (p *Poller) Start(ctx context.Context, onVerified func(model.Account)) {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.gen++
	gen := p.gen
	p.running = true
	p.mu.Unlock()

	p.logger.Debug().Dur("interval", p.interval).Msg("verification polling started")
	go p.run(loopCtx, gen, onVerified)
}

// Stop cancels the active loop, if any. A check already in flight is discarded.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.gen++
	p.running = false
}

// Running reports whether a loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) run(ctx context.Context, gen uint64, onVerified func(model.Account)) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer p.finish(gen)

	for {
		if p.checkOnce(ctx, gen, onVerified) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// checkOnce returns true when the loop should end.
func (p *Poller) checkOnce(ctx context.Context, gen uint64, onVerified func(model.Account)) bool {
	acct, verified, err := p.check(ctx)
	if ctx.Err() != nil {
		return true
	}
	if err != nil {
		p.metrics.IncVerificationCheck("error")
		p.logger.Warn().Err(err).Msg("verification check failed")
		return false
	}
	if !verified {
		p.metrics.IncVerificationCheck("pending")
		return false
	}

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return true
	}
	p.running = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	p.metrics.IncVerificationCheck("verified")
	p.logger.Info().Str("account_id", acct.ID).Msg("email verified")
	if onVerified != nil {
		onVerified(acct)
	}
	return true
}

func (p *Poller) finish(gen uint64) {
	p.mu.Lock()
	var cancel context.CancelFunc
	if p.gen == gen {
		p.running = false
		cancel, p.cancel = p.cancel, nil
	}
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
