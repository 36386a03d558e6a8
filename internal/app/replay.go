package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"oracle-integrity-watch/internal/engine"
	"oracle-integrity-watch/internal/intake"
	"oracle-integrity-watch/internal/oracle"
	"oracle-integrity-watch/internal/registry"
)

// Replay 通过合成场景驱动完整流水线，便于验证配置的阈值与评分参数。
// Three sources report a numeric subject; the last one deviates by the
// given margin every window. Emitted events are printed as JSON lines.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	if opts.Windows <= 0 {
		return errors.New("--windows must be greater than zero")
	}
	if opts.Deviation < 0 {
		return errors.New("--deviation cannot be negative")
	}

	reg := registry.New()
	for _, id := range []string{"alpha", "beta", "gamma"} {
		if _, err := reg.AddSource(id, 0); err != nil {
			return err
		}
	}
	if err := reg.AddSubject(registry.SubjectSpec{
		ID:    "replay/demo",
		Kind:  oracle.KindNumeric,
		Scale: decimal.NewFromInt(10),
	}); err != nil {
		return err
	}

	// A private config copy so the subscription buffer always holds the
	// whole scenario.
	cfg := *a.Config
	if need := opts.Windows * 8; cfg.Bus.BufferSize < need {
		cfg.Bus.BufferSize = need
	}

	eng := engine.New(&cfg, reg, engine.Stores{}, nil, a.Logger)

	var clockMu sync.Mutex
	now := time.Now().UTC().Truncate(cfg.Window.Interval)
	eng.SetClock(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	})
	advance := func(t time.Time) {
		clockMu.Lock()
		now = t
		clockMu.Unlock()
	}

	sub := eng.Subscribe()
	defer sub.Close()

	base := decimal.NewFromInt(100)
	margin := decimal.NewFromFloat(opts.Deviation)
	start := now

	for i := 0; i < opts.Windows; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		windowStart := start.Add(time.Duration(i) * cfg.Window.Interval)
		observedAt := windowStart.Add(time.Second)
		advance(observedAt)

		for _, id := range []string{"alpha", "beta"} {
			if err := eng.Ingest(intake.Observation{
				Source:     id,
				Subject:    "replay/demo",
				Value:      oracle.NumericValue(base),
				ObservedAt: observedAt,
			}); err != nil {
				return fmt.Errorf("ingest %s: %w", id, err)
			}
		}
		if err := eng.Ingest(intake.Observation{
			Source:     "gamma",
			Subject:    "replay/demo",
			Value:      oracle.NumericValue(base.Add(margin)),
			ObservedAt: observedAt,
		}); err != nil {
			return fmt.Errorf("ingest gamma: %w", err)
		}

		closeAt := windowStart.Add(cfg.Window.Interval + cfg.Window.Grace)
		advance(closeAt)
		eng.Sweep(closeAt)
	}

	encoder := json.NewEncoder(os.Stdout)
	for {
		select {
		case ev := <-sub.C():
			if err := encoder.Encode(ev); err != nil {
				return err
			}
		default:
			score := eng.GetScore("gamma", "replay/demo")
			a.Logger.Info().
				Int("windows", opts.Windows).
				Str("gamma_score", score.StringFixed(4)).
				Msg("replay finished")
			return nil
		}
	}
}
