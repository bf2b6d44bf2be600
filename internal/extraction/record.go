package extraction

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Record is the logical content of one receipt/invoice page or chunk: the
// document-level header fields plus zero or more line items, in the order
// the model returned them.
type Record struct {
	Date          string     `json:"date,omitempty"`
	CompanyName   string     `json:"company_name,omitempty"`
	TotalAmount   Numeric    `json:"total_amount,omitempty"`
	InvoiceNumber string     `json:"invoice_number,omitempty"`
	Items         []LineItem `json:"items"`
}

// LineItem is one product/service line on a document. All fields are optional.
type LineItem struct {
	JANCode       string  `json:"jan_code,omitempty"`
	ProductName   string  `json:"product_name,omitempty"`
	Quantity      Numeric `json:"quantity,omitempty"`
	RetailPrice   Numeric `json:"retail_price,omitempty"`
	CostPrice     Numeric `json:"cost_price,omitempty"`
	LineTotal     Numeric `json:"line_total,omitempty"`
	WholesaleRate Numeric `json:"wholesale_rate,omitempty"`
}

// Numeric holds a value the model reported as a number-ish field. It may
// arrive as a JSON number, a formatted string ("1,234.50", "¥1200"), or
// something that does not parse at all, in which case the raw text is kept
// verbatim and treated as opaque downstream.
type Numeric struct {
	Value    float64
	Raw      string
	IsNumber bool
}

// Empty reports whether no value was present at all
func (n Numeric) Empty() bool {
	return !n.IsNumber && n.Raw == ""
}

func (n Numeric) String() string {
	if n.IsNumber {
		return strconv.FormatFloat(n.Value, 'f', -1, 64)
	}
	return n.Raw
}

// MarshalJSON renders parsed values as JSON numbers and opaque ones as strings
func (n Numeric) MarshalJSON() ([]byte, error) {
	if n.IsNumber {
		return json.Marshal(n.Value)
	}
	if n.Raw == "" {
		return []byte("null"), nil
	}
	return json.Marshal(n.Raw)
}

func (n *Numeric) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*n = coerceNumeric(v)
	return nil
}

// coerceNumeric converts a decoded JSON value to a Numeric, stripping
// thousands separators and currency markers from strings where the result
// still parses cleanly. Ambiguous strings are kept raw.
func coerceNumeric(v any) Numeric {
	switch t := v.(type) {
	case nil:
		return Numeric{}
	case float64:
		return Numeric{Value: t, IsNumber: true}
	case bool:
		return Numeric{Raw: strconv.FormatBool(t)}
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return Numeric{}
		}
		cleaned := strings.NewReplacer(",", "", "，", "", "¥", "", "￥", "", "$", "", " ", "").Replace(s)
		if f, err := strconv.ParseFloat(cleaned, 64); err == nil {
			return Numeric{Value: f, IsNumber: true}
		}
		return Numeric{Raw: s}
	default:
		return Numeric{Raw: stringify(v)}
	}
}

// stringify renders a decoded JSON scalar as display text
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
