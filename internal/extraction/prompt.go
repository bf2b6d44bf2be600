package extraction

import (
	"strings"

	"github.com/zombor/docbatch/internal/splitting"
)

// documentPrompt is the shared prompt used by all LLM providers for reading
// receipts, delivery slips, and invoices
const documentPrompt = `You are analyzing a receipt, delivery slip, or invoice document. Carefully read all text and extract the following information.

Document-level fields:
- date: the transaction or invoice date in ISO 8601 format (YYYY-MM-DD)
- company_name: the supplier, merchant, or store name
- total_amount: the final document total as a plain number
- invoice_number: the invoice or registration number if printed

Line items (items): one entry per product or service line, each with:
- jan_code: the JAN/EAN barcode or product code
- product_name: the product or service name
- quantity: quantity as a number
- retail_price: list/retail price as a number
- cost_price: unit cost or wholesale price as a number
- line_total: the line amount as a number
- wholesale_rate: the wholesale rate if printed

Return ONLY valid JSON in this exact format:
{
  "date": "YYYY-MM-DD",
  "company_name": "...",
  "total_amount": 0,
  "invoice_number": "...",
  "items": [
    {"jan_code": "...", "product_name": "...", "quantity": 0, "retail_price": 0, "cost_price": 0, "line_total": 0, "wholesale_rate": 0}
  ]
}

Important:
- Numeric fields must be plain numbers, not strings with separators
- If you cannot find a field, use null for that field
- If the document has no line items, return an empty items array
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// buildPrompt composes the instruction for one unit. Text units carry their
// extracted text inline; image and pdf units attach their payload separately.
func buildPrompt(unit splitting.Unit) string {
	if unit.Kind != splitting.KindText {
		return documentPrompt
	}
	var sb strings.Builder
	sb.WriteString(documentPrompt)
	sb.WriteString("\n\nThe document text is:\n\n")
	sb.WriteString(unit.Text)
	return sb.String()
}
