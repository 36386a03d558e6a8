package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-integrity-watch/internal/alerting"
	"oracle-integrity-watch/internal/config"
	"oracle-integrity-watch/internal/intake"
	"oracle-integrity-watch/internal/oracle"
	"oracle-integrity-watch/internal/registry"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Window.Interval = time.Minute
	cfg.Window.Grace = 10 * time.Second
	cfg.Intake.OfflineThreshold = 5
	cfg.Consensus.SingleSourceCap = 0.6
	cfg.Anomaly.LowThreshold = 0.05
	cfg.Anomaly.ModerateThreshold = 0.15
	cfg.Anomaly.CriticalThreshold = 0.5
	cfg.Anomaly.EscalationRun = 3
	cfg.Anomaly.HistoryCapacity = 64
	cfg.Scoring.DecayFactor = 0.9
	cfg.Scoring.NeutralDefault = 0.5
	cfg.Scoring.ReportGranularity = 0
	cfg.Bus.BufferSize = 256
	return cfg
}

func testEngine(t *testing.T, notifier alerting.Notifier) (*Engine, *manualClock) {
	t.Helper()
	reg := registry.New()
	for _, id := range []string{"chainlink", "pyth", "band"} {
		if _, err := reg.AddSource(id, time.Second); err != nil {
			t.Fatalf("注册 source 失败: %v", err)
		}
	}
	if err := reg.AddSubject(registry.SubjectSpec{
		ID:    "eth-usd",
		Kind:  oracle.KindNumeric,
		Scale: decimal.NewFromInt(2500),
	}); err != nil {
		t.Fatalf("注册 subject 失败: %v", err)
	}

	eng := New(testConfig(), reg, Stores{}, notifier, zerolog.Nop())
	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)}
	eng.SetClock(clock.Now)
	return eng, clock
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func observe(t *testing.T, eng *Engine, clock *manualClock, source string, price int64) {
	t.Helper()
	err := eng.Ingest(intake.Observation{
		Source:     source,
		Subject:    "eth-usd",
		Value:      oracle.NumericValue(decimal.NewFromInt(price)),
		ObservedAt: clock.Now(),
	})
	if err != nil {
		t.Fatalf("ingest %s=%d failed: %v", source, price, err)
	}
}

func drainWindow(t *testing.T, eng *Engine, clock *manualClock) {
	t.Helper()
	windowEnd := clock.Now().Truncate(time.Minute).Add(time.Minute)
	clock.Set(windowEnd.Add(11 * time.Second)) // past grace
	eng.Sweep(clock.Now())
}

func TestPipelineEventOrdering(t *testing.T) {
	eng, clock := testEngine(t, nil)
	sub := eng.Subscribe("eth-usd")
	defer sub.Close()

	// chainlink and pyth agree; band deviates 0.6 from the median of 2500.
	observe(t, eng, clock, "chainlink", 2500)
	observe(t, eng, clock, "pyth", 2500)
	observe(t, eng, clock, "band", 4000)
	drainWindow(t, eng, clock)

	var kinds []oracle.EventKind
	for len(sub.C()) > 0 {
		kinds = append(kinds, (<-sub.C()).Kind)
	}

	// One consensus, one critical anomaly for band, then three score
	// changes (granularity 0 publishes every move).
	want := []oracle.EventKind{
		oracle.EventConsensus,
		oracle.EventAnomaly,
		oracle.EventScoreChange,
		oracle.EventScoreChange,
		oracle.EventScoreChange,
	}
	if len(kinds) != len(want) {
		t.Fatalf("事件数量不符: want %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("事件 %d 顺序错误: want %s, got %s", i, want[i], kinds[i])
		}
	}
}

func TestConsensusAndScoresAfterWindow(t *testing.T) {
	eng, clock := testEngine(t, nil)

	observe(t, eng, clock, "chainlink", 2500)
	observe(t, eng, clock, "pyth", 2500)
	observe(t, eng, clock, "band", 4000)
	drainWindow(t, eng, clock)

	res, ok := eng.GetLatestConsensus("eth-usd")
	if !ok {
		t.Fatal("latest consensus missing")
	}
	if !res.Reference.Num.Equal(decimal.NewFromInt(2500)) {
		t.Fatalf("median 应为 2500, got %s", res.Reference.Num)
	}

	good := eng.GetScore("chainlink", "eth-usd")
	bad := eng.GetScore("band", "eth-usd")
	if !good.GreaterThan(bad) {
		t.Fatalf("偏离的 source 分数应更低: chainlink=%s band=%s", good, bad)
	}

	// Queries are read-only: repeated reads return the same value.
	if again := eng.GetScore("band", "eth-usd"); !again.Equal(bad) {
		t.Fatalf("GetScore mutated state: %s vs %s", bad, again)
	}

	anomalies := eng.GetAnomalies("eth-usd", 10, time.Time{})
	if len(anomalies) != 1 || anomalies[0].Source != "band" {
		t.Fatalf("expected one anomaly for band, got %#v", anomalies)
	}
	if anomalies[0].Severity != oracle.SeverityCritical {
		t.Fatalf("0.6 偏离应为 critical, got %s", anomalies[0].Severity)
	}
}

func TestLateReadingDoesNotAlterClosedWindow(t *testing.T) {
	eng, clock := testEngine(t, nil)

	observe(t, eng, clock, "chainlink", 2500)
	observe(t, eng, clock, "pyth", 2500)
	windowStart := clock.Now().Truncate(time.Minute)
	drainWindow(t, eng, clock)

	before, _ := eng.GetLatestConsensus("eth-usd")

	// band reports into the already-closed window.
	err := eng.Ingest(intake.Observation{
		Source:     "band",
		Subject:    "eth-usd",
		Value:      oracle.NumericValue(decimal.NewFromInt(9000)),
		ObservedAt: windowStart.Add(30 * time.Second),
	})
	if !errors.Is(err, oracle.ErrWindowClosed) {
		t.Fatalf("expected ErrWindowClosed, got %v", err)
	}
	if eng.LateArrivals() != 1 {
		t.Fatalf("late arrival 应被计数, got %d", eng.LateArrivals())
	}

	after, _ := eng.GetLatestConsensus("eth-usd")
	if !after.Reference.Num.Equal(before.Reference.Num) || len(after.Sources) != len(before.Sources) {
		t.Fatalf("closed window result changed: before=%#v after=%#v", before, after)
	}
	// The late source's score is untouched as well.
	if !eng.GetScore("band", "eth-usd").Equal(decimal.NewFromFloat(0.5)) {
		t.Fatal("late reading must not move the score")
	}
}

func TestLivenessTimeoutPublishesStatus(t *testing.T) {
	eng, clock := testEngine(t, nil)
	eng.cfg.Intake.LivenessTimeout = 2 * time.Minute
	sub := eng.Subscribe()
	defer sub.Close()

	observe(t, eng, clock, "chainlink", 2500)
	observe(t, eng, clock, "pyth", 2500)
	observe(t, eng, clock, "band", 2500)
	drainWindow(t, eng, clock)

	// Nothing arrives for five minutes; every source lapses.
	clock.Set(clock.Now().Add(5 * time.Minute))
	eng.Sweep(clock.Now())

	var offline int
	for len(sub.C()) > 0 {
		ev := <-sub.C()
		if ev.Kind == oracle.EventSourceStatus && !ev.Status.Online {
			offline++
		}
	}
	if offline != 3 {
		t.Fatalf("3 个 source 都应超时离线, got %d", offline)
	}

	st, ok := eng.GetSourceStatus("chainlink")
	if !ok || st.Online {
		t.Fatalf("status query should report offline: %#v", st)
	}
}

type captureNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (c *captureNotifier) Notify(_ context.Context, n alerting.Notification) error {
	c.mu.Lock()
	c.notes = append(c.notes, n)
	c.mu.Unlock()
	return nil
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.notes)
}

func TestRepeatOffenderNotification(t *testing.T) {
	notifier := &captureNotifier{}
	eng, clock := testEngine(t, notifier)
	sub := eng.Subscribe("eth-usd")
	defer sub.Close()

	// band stays a moderate 0.2 off the consensus for three windows.
	for i := 0; i < 3; i++ {
		observe(t, eng, clock, "chainlink", 2500)
		observe(t, eng, clock, "pyth", 2500)
		observe(t, eng, clock, "band", 3000)
		drainWindow(t, eng, clock)
	}

	var recs []oracle.Event
	for len(sub.C()) > 0 {
		ev := <-sub.C()
		if ev.Kind == oracle.EventRecommendation {
			recs = append(recs, ev)
		}
	}
	if len(recs) != 1 {
		t.Fatalf("第三个连续窗口应产生一条 recommendation, got %d", len(recs))
	}
	if recs[0].Recommendation.Source != "band" || recs[0].Recommendation.Streak != 3 {
		t.Fatalf("unexpected recommendation: %#v", recs[0].Recommendation)
	}
	if recs[0].Recommendation.Severity != oracle.SeverityCritical {
		t.Fatalf("升级后应为 critical, got %s", recs[0].Recommendation.Severity)
	}

	// The notifier runs off the hot path; give it a moment.
	deadline := time.Now().Add(2 * time.Second)
	for notifier.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if notifier.count() != 1 {
		t.Fatalf("notifier 应被调用一次, got %d", notifier.count())
	}
}

func TestSlowSubscriberDroppedWhilePipelineContinues(t *testing.T) {
	reg := registry.New()
	for _, id := range []string{"chainlink", "pyth"} {
		if _, err := reg.AddSource(id, time.Second); err != nil {
			t.Fatalf("注册 source 失败: %v", err)
		}
	}
	if err := reg.AddSubject(registry.SubjectSpec{
		ID:    "eth-usd",
		Kind:  oracle.KindNumeric,
		Scale: decimal.NewFromInt(2500),
	}); err != nil {
		t.Fatalf("注册 subject 失败: %v", err)
	}

	cfg := testConfig()
	cfg.Bus.BufferSize = 2
	eng := New(cfg, reg, Stores{}, nil, zerolog.Nop())
	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)}
	eng.SetClock(clock.Now)

	slow := eng.Subscribe("eth-usd") // never reads

	// Each window publishes three events for this setup; the tiny buffer
	// overflows on the first window, and later windows still process.
	for i := 0; i < 3; i++ {
		observe(t, eng, clock, "chainlink", 2500)
		observe(t, eng, clock, "pyth", 2500)
		drainWindow(t, eng, clock)
	}

	var last oracle.Event
	var n int
	for ev := range slow.C() {
		last = ev
		n++
	}
	if last.Kind != oracle.EventOverflow {
		t.Fatalf("最后一个事件必须是 overflow, got %s (after %d events)", last.Kind, n)
	}

	res, ok := eng.GetLatestConsensus("eth-usd")
	if !ok {
		t.Fatal("pipeline stalled after subscriber overflow")
	}
	wantStart := time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)
	if !res.WindowStart.Equal(wantStart) {
		t.Fatalf("最新共识应来自第 3 个窗口: want %s, got %s", wantStart, res.WindowStart)
	}
}
