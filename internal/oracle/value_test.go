package oracle

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestValueJSON(t *testing.T) {
	out, err := json.Marshal(NumericValue(decimal.RequireFromString("2512.37")))
	if err != nil {
		t.Fatalf("marshal numeric: %v", err)
	}
	if string(out) != "2512.37" {
		t.Fatalf("numeric 值应渲染为 JSON number, got %s", out)
	}

	out, err = json.Marshal(CategoricalValue("healthy"))
	if err != nil {
		t.Fatalf("marshal categorical: %v", err)
	}
	if string(out) != `"healthy"` {
		t.Fatalf("categorical 值应渲染为 JSON string, got %s", out)
	}

	var v Value
	if err := json.Unmarshal([]byte("0.1"), &v); err != nil {
		t.Fatalf("unmarshal numeric: %v", err)
	}
	// json.Number preserves the literal; no float drift.
	if v.Kind != KindNumeric || !v.Num.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("unexpected numeric value: %#v", v)
	}

	if err := json.Unmarshal([]byte(`"degraded"`), &v); err != nil {
		t.Fatalf("unmarshal categorical: %v", err)
	}
	if v.Kind != KindCategorical || v.Cat != "degraded" {
		t.Fatalf("unexpected categorical value: %#v", v)
	}

	if err := json.Unmarshal([]byte(`{"nested":true}`), &v); err == nil {
		t.Fatal("对象不应被接受为 value")
	}
}

func TestParseValueKind(t *testing.T) {
	if k, err := ParseValueKind(""); err != nil || k != KindNumeric {
		t.Fatalf("空 kind 应默认 numeric: %v %v", k, err)
	}
	if k, err := ParseValueKind("categorical"); err != nil || k != KindCategorical {
		t.Fatalf("categorical 解析失败: %v %v", k, err)
	}
	if _, err := ParseValueKind("ordinal"); err == nil {
		t.Fatal("未知 kind 应报错")
	}
}

func TestSeverityEscalateSaturates(t *testing.T) {
	if got := SeverityLow.Escalate(); got != SeverityModerate {
		t.Fatalf("low 应升级为 moderate, got %s", got)
	}
	if got := SeverityModerate.Escalate(); got != SeverityCritical {
		t.Fatalf("moderate 应升级为 critical, got %s", got)
	}
	if got := SeverityCritical.Escalate(); got != SeverityCritical {
		t.Fatalf("critical 应封顶, got %s", got)
	}
}
