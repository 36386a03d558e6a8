package scoring

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-integrity-watch/internal/oracle"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func resultFor(subject string, devs map[string]decimal.Decimal) oracle.ConsensusResult {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	res := oracle.ConsensusResult{
		Subject:     subject,
		WindowStart: start,
		WindowEnd:   start.Add(time.Minute),
	}
	for src, d := range devs {
		res.Sources = append(res.Sources, oracle.SourceDeviation{Source: src, Deviation: d})
	}
	return res
}

func TestNeutralDefaultForUnseenPair(t *testing.T) {
	tr := New(Options{}, zerolog.Nop())
	got := tr.Score("nobody", "eth-usd")
	if !got.Equal(dec(0.5)) {
		t.Fatalf("未知 pair 应返回中性分 0.5, got %s", got)
	}
	// A read must not create state that changes later reads.
	if again := tr.Score("nobody", "eth-usd"); !again.Equal(got) {
		t.Fatalf("repeated reads should be identical: %s vs %s", got, again)
	}
}

func TestDecayFormula(t *testing.T) {
	tr := New(Options{DecayFactor: dec(0.9)}, zerolog.Nop())

	// First window, deviation 0.3: contribution 0.7.
	// 0.9*0.5 + 0.1*0.7 = 0.52
	changes := tr.Apply(resultFor("eth-usd", map[string]decimal.Decimal{"chainlink": dec(0.3)}))
	if len(changes) != 1 {
		t.Fatalf("expected one score change, got %d", len(changes))
	}
	if !changes[0].Score.Equal(dec(0.52)) {
		t.Fatalf("want 0.52, got %s", changes[0].Score)
	}
	if !changes[0].Previous.Equal(dec(0.5)) {
		t.Fatalf("previous 应为 0.5, got %s", changes[0].Previous)
	}

	// Second window, perfect agreement: 0.9*0.52 + 0.1*1 = 0.568
	changes = tr.Apply(resultFor("eth-usd", map[string]decimal.Decimal{"chainlink": decimal.Zero}))
	if !changes[0].Score.Equal(dec(0.568)) {
		t.Fatalf("want 0.568, got %s", changes[0].Score)
	}
	if !tr.Score("chainlink", "eth-usd").Equal(dec(0.568)) {
		t.Fatalf("Score 读取与最后一次变更不一致")
	}
}

func TestContributionClamped(t *testing.T) {
	tr := New(Options{DecayFactor: dec(0.9)}, zerolog.Nop())

	// Deviation far above 1 clamps the contribution at 0, never negative.
	// 0.9*0.5 + 0.1*0 = 0.45
	changes := tr.Apply(resultFor("eth-usd", map[string]decimal.Decimal{"broken": dec(13.8)}))
	if !changes[0].Score.Equal(dec(0.45)) {
		t.Fatalf("want 0.45, got %s", changes[0].Score)
	}
}

func TestGranularitySuppression(t *testing.T) {
	tr := New(Options{
		DecayFactor:       dec(0.9),
		ReportGranularity: dec(0.05),
	}, zerolog.Nop())

	// 0.5 -> 0.52: below the 0.05 step, suppressed.
	changes := tr.Apply(resultFor("eth-usd", map[string]decimal.Decimal{"chainlink": dec(0.3)}))
	if len(changes) != 0 {
		t.Fatalf("0.02 的变化应被抑制, got %#v", changes)
	}

	// Keep drifting down until the cumulative move from the last published
	// value crosses the step.
	var published []oracle.ScoreChange
	for i := 0; i < 10; i++ {
		cs := tr.Apply(resultFor("eth-usd", map[string]decimal.Decimal{"chainlink": dec(1)}))
		published = append(published, cs...)
	}
	if len(published) == 0 {
		t.Fatal("cumulative drift should eventually publish")
	}
	if !published[0].Previous.Equal(dec(0.5)) {
		t.Fatalf("first publish should diff against the seed, got previous %s", published[0].Previous)
	}
	if published[0].Previous.Sub(published[0].Score).LessThan(dec(0.05)) {
		t.Fatalf("published move smaller than granularity: %#v", published[0])
	}
}

func TestConsistentSourceOutscoresDeviatingSource(t *testing.T) {
	tr := New(Options{DecayFactor: dec(0.9)}, zerolog.Nop())

	for i := 0; i < 100; i++ {
		tr.Apply(resultFor("eth-usd", map[string]decimal.Decimal{
			"steady": decimal.Zero,
			"noisy":  dec(0.4),
		}))
	}

	steady := tr.Score("steady", "eth-usd")
	noisy := tr.Score("noisy", "eth-usd")
	if !steady.GreaterThan(noisy) {
		t.Fatalf("100 个窗口后 steady (%s) 应高于 noisy (%s)", steady, noisy)
	}
	// Long-run limits: steady converges toward 1, noisy toward 0.6.
	if steady.LessThan(dec(0.99)) {
		t.Fatalf("steady should approach 1, got %s", steady)
	}
	if noisy.Sub(dec(0.6)).Abs().GreaterThan(dec(0.01)) {
		t.Fatalf("noisy should approach 0.6, got %s", noisy)
	}
}

func TestPairsIsolated(t *testing.T) {
	tr := New(Options{DecayFactor: dec(0.9)}, zerolog.Nop())

	tr.Apply(resultFor("eth-usd", map[string]decimal.Decimal{"chainlink": dec(1)}))
	if !tr.Score("chainlink", "btc-usd").Equal(dec(0.5)) {
		t.Fatal("同一 source 在其它 subject 上的分数不受影响")
	}
	if !tr.Score("pyth", "eth-usd").Equal(dec(0.5)) {
		t.Fatal("同一 subject 上其它 source 的分数不受影响")
	}
}
