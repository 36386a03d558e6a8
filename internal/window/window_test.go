package window

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"oracle-integrity-watch/internal/oracle"
)

func TestAddAfterClosePanics(t *testing.T) {
	w := newWindow("eth-usd", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), time.Minute)
	w.close()

	defer func() {
		if recover() == nil {
			t.Fatal("关闭后写入必须 panic")
		}
	}()
	w.add(oracle.Reading{Source: "chainlink", Value: oracle.NumericValue(decimal.NewFromInt(1)), Sequence: 1})
}

func TestDoubleClosePanics(t *testing.T) {
	w := newWindow("eth-usd", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), time.Minute)
	w.close()

	defer func() {
		if recover() == nil {
			t.Fatal("重复关闭必须 panic")
		}
	}()
	w.close()
}

func TestDueAfterGrace(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w := newWindow("eth-usd", start, time.Minute)
	grace := 10 * time.Second

	if w.due(start.Add(time.Minute), grace, 0) {
		t.Fatal("grace 期内不应到期")
	}
	if !w.due(start.Add(time.Minute+grace), grace, 0) {
		t.Fatal("interval+grace 之后应到期")
	}
}

func TestDueOnMaxWait(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w := newWindow("eth-usd", start, time.Hour)
	maxWait := 30 * time.Second

	// No reading yet: max wait has nothing to measure from.
	if w.due(start.Add(time.Minute), 0, maxWait) {
		t.Fatal("无读数时 max wait 不应触发")
	}

	w.add(oracle.Reading{Source: "chainlink", IngestedAt: start.Add(5 * time.Second), Sequence: 1})
	if w.due(start.Add(30*time.Second), 0, maxWait) {
		t.Fatal("首个读数后 30 秒内不应到期")
	}
	if !w.due(start.Add(35*time.Second), 0, maxWait) {
		t.Fatal("首个读数后超过 max wait 应到期")
	}
}
