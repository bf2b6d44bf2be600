package extraction

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseRecord recovers a structured Record from the model's raw text output.
// Models do not reliably honor "JSON only" instructions, so decoding runs an
// ordered fallback chain before giving up.
func ParseRecord(text string) (*Record, error) {
	value, err := decodeLoose(text)
	if err != nil {
		return nil, err
	}
	return canonicalize(value)
}

// decodeLoose tries progressively more forgiving ways of pulling JSON out of
// free-form model text. Each step is attempted only if the previous one fails.
func decodeLoose(text string) (any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty response")
	}

	// 1. The text is JSON verbatim
	if v, err := decodeJSON(text); err == nil {
		return v, nil
	}

	// 2. Strip markdown code fences and retry
	stripped := stripFences(text)
	if v, err := decodeJSON(stripped); err == nil {
		return v, nil
	}

	// 3. Take the first balanced top-level object or array embedded in prose
	candidate, ok := extractBalanced(stripped)
	if ok {
		if v, err := decodeJSON(candidate); err == nil {
			return v, nil
		}
	}

	// 4. The response may have been cut off mid-object; append the minimal
	// closing tokens and retry
	if repaired, ok := repairTruncated(stripped); ok {
		if v, err := decodeJSON(repaired); err == nil {
			return v, nil
		}
	}

	return nil, fmt.Errorf("no parseable JSON in response")
}

func decodeJSON(text string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, err
	}
	switch v.(type) {
	case map[string]any, []any:
		return v, nil
	}
	return nil, fmt.Errorf("response is not a JSON object or array")
}

// stripFences removes markdown code fence markers wrapping the text
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// extractBalanced finds the first '{' or '[' and greedily takes through the
// last matching closer, spanning newlines
func extractBalanced(text string) (string, bool) {
	objStart := strings.Index(text, "{")
	arrStart := strings.Index(text, "[")

	start, closer := objStart, "}"
	if objStart == -1 || (arrStart != -1 && arrStart < objStart) {
		start, closer = arrStart, "]"
	}
	if start == -1 {
		return "", false
	}

	end := strings.LastIndex(text, closer)
	if end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// repairTruncated appends the closing braces/brackets a cut-off response is
// missing, tracked by a nesting stack that skips string contents
func repairTruncated(text string) (string, bool) {
	start := strings.IndexAny(text, "{[")
	if start == -1 {
		return "", false
	}
	text = text[start:]
	if strings.HasSuffix(strings.TrimSpace(text), "}") || strings.HasSuffix(strings.TrimSpace(text), "]") {
		return "", false
	}

	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			stack = append(stack, '}')
		case c == '[':
			stack = append(stack, ']')
		case c == '}' || c == ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if len(stack) == 0 && !inString {
		return "", false
	}

	repaired := text
	// A response cut mid-string or mid-value needs the dangling token closed
	// before the containers
	if inString {
		repaired += `"`
	}
	repaired = strings.TrimRight(repaired, ", \n\t")
	for i := len(stack) - 1; i >= 0; i-- {
		repaired += string(stack[i])
	}
	return repaired, true
}

// canonicalize reconciles the shapes models actually return into the one
// canonical header-plus-items view. Observed shapes: an object with an "items"
// list, a bare array of item-like objects, and a single flat item object.
func canonicalize(value any) (*Record, error) {
	switch v := value.(type) {
	case map[string]any:
		if items, ok := v["items"].([]any); ok {
			return recordFromObject(v, items), nil
		}
		if looksLikeItem(v) {
			return recordFromObject(v, []any{value}), nil
		}
		// Header-only document: valid, carries zero items
		return recordFromObject(v, nil), nil
	case []any:
		return recordFromArray(v), nil
	default:
		return nil, fmt.Errorf("unexpected JSON shape %T", value)
	}
}

// looksLikeItem reports whether an object carries line-item fields rather
// than being a header-only wrapper
func looksLikeItem(m map[string]any) bool {
	for _, k := range []string{"product_name", "jan_code", "line_total"} {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func recordFromObject(header map[string]any, items []any) *Record {
	rec := &Record{
		Date:          stringify(header["date"]),
		CompanyName:   stringify(header["company_name"]),
		TotalAmount:   coerceNumeric(header["total_amount"]),
		InvoiceNumber: stringify(header["invoice_number"]),
		Items:         make([]LineItem, 0, len(items)),
	}
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		rec.Items = append(rec.Items, itemFromMap(m))
	}
	return rec
}

// recordFromArray handles a bare list of items; header fields the model
// duplicated onto items are lifted from the first element that has them
func recordFromArray(items []any) *Record {
	rec := &Record{Items: make([]LineItem, 0, len(items))}
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if rec.Date == "" {
			rec.Date = stringify(m["date"])
		}
		if rec.CompanyName == "" {
			rec.CompanyName = stringify(m["company_name"])
		}
		if rec.TotalAmount.Empty() {
			rec.TotalAmount = coerceNumeric(m["total_amount"])
		}
		if rec.InvoiceNumber == "" {
			rec.InvoiceNumber = stringify(m["invoice_number"])
		}
		rec.Items = append(rec.Items, itemFromMap(m))
	}
	return rec
}

func itemFromMap(m map[string]any) LineItem {
	return LineItem{
		JANCode:       stringify(m["jan_code"]),
		ProductName:   stringify(m["product_name"]),
		Quantity:      coerceNumeric(m["quantity"]),
		RetailPrice:   coerceNumeric(m["retail_price"]),
		CostPrice:     coerceNumeric(m["cost_price"]),
		LineTotal:     coerceNumeric(m["line_total"]),
		WholesaleRate: coerceNumeric(m["wholesale_rate"]),
	}
}
