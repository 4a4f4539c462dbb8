package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/IliaW/enrollment-scrape-worker/config"
)

type Category int

const (
	Page Category = iota
	Batch
)

func (c Category) String() string {
	return [...]string{"page", "batch"}[c]
}

type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Polite spaces out calls per category with a delay sampled uniformly from the
// category's range, so requests never follow a fixed interval.
// One Polite belongs to one run and is not safe for concurrent use.
type Polite struct {
	ranges map[Category]config.DelayRange
	last   map[Category]time.Time
	clock  Clock
	rnd    *rand.Rand
	log    *slog.Logger
}

type Option func(*Polite)

func WithClock(c Clock) Option {
	return func(p *Polite) { p.clock = c }
}

func WithRand(r *rand.Rand) Option {
	return func(p *Polite) { p.rnd = r }
}

func NewPolite(cfg *config.SchedulerConfig, log *slog.Logger, opts ...Option) (*Polite, error) {
	for name, r := range map[string]config.DelayRange{"page": cfg.PageDelayRange, "batch": cfg.BatchDelayRange} {
		if r.Low < 0 || r.High < r.Low {
			return nil, fmt.Errorf("scheduler: invalid %s delay range [%s, %s]", name, r.Low, r.High)
		}
	}
	p := &Polite{
		ranges: map[Category]config.DelayRange{Page: cfg.PageDelayRange, Batch: cfg.BatchDelayRange},
		last:   make(map[Category]time.Time, 2),
		clock:  realClock{},
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		log:    log,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// AwaitTurn blocks until the sampled delay has elapsed since the last permitted call
// in the category. The first call in a category returns immediately.
func (p *Polite) AwaitTurn(ctx context.Context, c Category) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if last, ok := p.last[c]; ok {
		delay := p.sample(c)
		if wait := last.Add(delay).Sub(p.clock.Now()); wait > 0 {
			p.log.Debug("waiting for turn.", slog.String("category", c.String()),
				slog.Duration("wait", wait))
			if err := p.clock.Sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	p.last[c] = p.clock.Now()
	return nil
}

// Pause sleeps a full sampled delay regardless of the last call.
func (p *Polite) Pause(ctx context.Context, c Category) error {
	delay := p.sample(c)
	p.log.Debug("pausing.", slog.String("category", c.String()), slog.Duration("delay", delay))
	if err := p.clock.Sleep(ctx, delay); err != nil {
		return err
	}
	p.last[c] = p.clock.Now()
	return nil
}

// Sleep waits d on the scheduler's clock.
func (p *Polite) Sleep(ctx context.Context, d time.Duration) error {
	return p.clock.Sleep(ctx, d)
}

func (p *Polite) sample(c Category) time.Duration {
	r := p.ranges[c]
	if r.High <= r.Low {
		return r.Low
	}
	return r.Low + time.Duration(p.rnd.Int63n(int64(r.High-r.Low)+1))
}
