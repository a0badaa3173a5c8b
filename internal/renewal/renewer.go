package renewal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/crypto-trading/ibportal/internal/config"
	"github.com/crypto-trading/ibportal/internal/session"
)

// Session is the part of session.Session the renewer drives.
type Session interface {
	Renew(ctx context.Context) error
	Close() error
}

// Renewer keeps a session alive on a fixed delay until the daily cutoff,
// then closes it.
type Renewer struct {
	session Session

	mu     sync.Mutex
	delay  time.Duration
	cutoff config.Cutoff

	now    func() time.Time
	logger *slog.Logger
}

func New(session Session, delay time.Duration, cutoff config.Cutoff, logger *slog.Logger) *Renewer {
	return &Renewer{
		session: session,
		delay:   delay,
		cutoff:  cutoff,
		now:     time.Now,
		logger:  logger,
	}
}

// SetSchedule swaps delay and cutoff; the change applies from the next tick.
func (r *Renewer) SetSchedule(delay time.Duration, cutoff config.Cutoff) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if delay > 0 {
		r.delay = delay
	}
	r.cutoff = cutoff
	r.logger.Info("renewal schedule updated", "delay", delay, "cutoff", cutoff.String())
}

func (r *Renewer) schedule() (time.Duration, config.Cutoff) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delay, r.cutoff
}

// Run blocks until the cutoff passes or ctx is cancelled. Reaching the
// cutoff closes the session; cancellation leaves closing to the caller.
// A renewal failure is logged and the loop carries on.
func (r *Renewer) Run(ctx context.Context) error {
	delay, _ := r.schedule()
	r.logger.Info("renewal loop started", "next_run_in", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("renewal loop stopped", "reason", ctx.Err())
			return nil
		case <-timer.C:
		}

		done, err := r.Tick(ctx)
		if done {
			return err
		}

		delay, _ = r.schedule()
		r.logger.Info("next renewal scheduled", "next_run_in", delay)
		timer.Reset(delay)
	}
}

// Tick performs one renewal step. It reports done once the cutoff has
// passed and the session was closed, or when the session is already gone.
func (r *Renewer) Tick(ctx context.Context) (bool, error) {
	_, cutoff := r.schedule()
	now := r.now()
	if cutoff.Passed(now) {
		r.logger.Info("market closed, closing session", "cutoff", cutoff.String(), "now", now.In(locationOf(cutoff)))
		return true, r.session.Close()
	}

	if err := r.session.Renew(ctx); err != nil {
		if errors.Is(err, session.ErrClosed) {
			return true, err
		}
		r.logger.Warn("renewal failed, will retry on next tick", "error", err)
	}
	return false, nil
}

func locationOf(c config.Cutoff) *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}
