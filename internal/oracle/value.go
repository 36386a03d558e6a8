package oracle

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// ValueKind distinguishes how a subject's values are compared.
type ValueKind int8

const (
	// KindNumeric subjects reconcile via median and scaled distance.
	KindNumeric ValueKind = iota
	// KindCategorical subjects reconcile via plurality and exact match.
	KindCategorical
)

// ParseValueKind maps configuration strings onto a ValueKind.
func ParseValueKind(s string) (ValueKind, error) {
	switch s {
	case "numeric", "":
		return KindNumeric, nil
	case "categorical":
		return KindCategorical, nil
	default:
		return KindNumeric, fmt.Errorf("unknown value kind %q", s)
	}
}

func (k ValueKind) String() string {
	if k == KindCategorical {
		return "categorical"
	}
	return "numeric"
}

// Value is one reported observation value, numeric or categorical.
type Value struct {
	Kind ValueKind
	Num  decimal.Decimal
	Cat  string
}

// NumericValue wraps a decimal into a numeric Value.
func NumericValue(d decimal.Decimal) Value {
	return Value{Kind: KindNumeric, Num: d}
}

// CategoricalValue wraps a label into a categorical Value.
func CategoricalValue(label string) Value {
	return Value{Kind: KindCategorical, Cat: label}
}

func (v Value) String() string {
	if v.Kind == KindCategorical {
		return v.Cat
	}
	return v.Num.String()
}

// MarshalJSON renders numeric values as JSON numbers and categorical
// values as JSON strings so feed payloads and bus events stay symmetric.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == KindCategorical {
		return json.Marshal(v.Cat)
	}
	return []byte(v.Num.String()), nil
}

// UnmarshalJSON accepts either a JSON number or string.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case json.Number:
		num, err := decimal.NewFromString(t.String())
		if err != nil {
			return fmt.Errorf("parse numeric value: %w", err)
		}
		*v = NumericValue(num)
		return nil
	case string:
		*v = CategoricalValue(t)
		return nil
	default:
		return fmt.Errorf("value must be a number or a string, got %T", raw)
	}
}
