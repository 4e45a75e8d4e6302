// Package poller follows a notification's status until it finishes or the
// client gives up waiting.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jwalitptl/school-notify/internal/model"
)

var ErrTimedOut = errors.New("gave up waiting for notification to finish")

type State string

const (
	StateIdle      State = "idle"
	StatePolling   State = "polling"
	StateCompleted State = "completed"
	StateTimedOut  State = "timed_out"
)

type Config struct {
	// Interval between status requests.
	Interval time.Duration
	// GracePeriod keeps the terminal report on display before Run returns.
	GracePeriod time.Duration
	// MaxDuration bounds the whole run regardless of server state.
	MaxDuration time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:    2 * time.Second,
		GracePeriod: 3 * time.Second,
		MaxDuration: 5 * time.Minute,
	}
}

// Fetcher retrieves the current status report of a notification.
type Fetcher interface {
	Fetch(ctx context.Context, id string) (*model.StatusReport, error)
}

// Update is passed to the caller on every state change and every poll.
// Err is set when a poll failed; polling continues after it.
type Update struct {
	State  State
	Report *model.StatusReport
	Err    error
}

type Poller struct {
	config  Config
	fetcher Fetcher

	mu    sync.RWMutex
	state State
}

func New(config Config, fetcher Fetcher) *Poller {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.GracePeriod < 0 {
		config.GracePeriod = 0
	}
	if config.MaxDuration <= 0 {
		config.MaxDuration = def.MaxDuration
	}
	return &Poller{config: config, fetcher: fetcher, state: StateIdle}
}

func (p *Poller) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Poller) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Run polls id until its status is no longer processing, then waits out the
// grace period and returns the terminal report. It returns ErrTimedOut with
// the last report seen once MaxDuration elapses. Cancelling ctx stops
// polling and returns ctx's error.
func (p *Poller) Run(ctx context.Context, id string, onUpdate func(Update)) (*model.StatusReport, error) {
	if onUpdate == nil {
		onUpdate = func(Update) {}
	}

	runCtx, cancel := context.WithTimeout(ctx, p.config.MaxDuration)
	defer cancel()

	p.setState(StatePolling)
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	var last *model.StatusReport
	for {
		report, err := p.fetcher.Fetch(runCtx, id)
		switch {
		case err != nil && runCtx.Err() != nil:
			// the fetch was cut short by the deadline or the caller
		case err != nil:
			onUpdate(Update{State: StatePolling, Report: last, Err: err})
		case report.Status != model.NotificationStatusProcessing:
			p.setState(StateCompleted)
			onUpdate(Update{State: StateCompleted, Report: report})
			p.linger(ctx)
			return report, nil
		default:
			last = report
			onUpdate(Update{State: StatePolling, Report: report})
		}

		select {
		case <-runCtx.Done():
			if ctx.Err() != nil {
				p.setState(StateIdle)
				return last, ctx.Err()
			}
			p.setState(StateTimedOut)
			onUpdate(Update{State: StateTimedOut, Report: last})
			return last, ErrTimedOut
		case <-ticker.C:
		}
	}
}

func (p *Poller) linger(ctx context.Context) {
	if p.config.GracePeriod <= 0 {
		return
	}
	timer := time.NewTimer(p.config.GracePeriod)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
