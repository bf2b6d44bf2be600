package batch

import (
	"fmt"
	"sort"

	"github.com/zombor/docbatch/internal/extraction"
	"github.com/zombor/docbatch/internal/splitting"
)

// ErrorEntry is one human-readable per-unit or per-file failure, reported to
// the operator alongside the table but never allowed to abort the batch
type ErrorEntry struct {
	Label  string `json:"label"`
	Reason string `json:"reason"`
}

type fieldKey string

const (
	fieldFile      fieldKey = "file"
	fieldDate      fieldKey = "date"
	fieldCompany   fieldKey = "company_name"
	fieldJAN       fieldKey = "jan_code"
	fieldProduct   fieldKey = "product_name"
	fieldQuantity  fieldKey = "quantity"
	fieldRetail    fieldKey = "retail_price"
	fieldRate      fieldKey = "wholesale_rate"
	fieldCost      fieldKey = "cost_price"
	fieldLineTotal fieldKey = "line_total"
	fieldTotal     fieldKey = "total_amount"
	fieldInvoice   fieldKey = "invoice_number"
)

type column struct {
	key   fieldKey
	label string
}

// columnOrder is the fixed preferred column sequence for export. Labels are
// operator-facing; columns with no value anywhere in the table are omitted,
// preserving this relative order. Unknown fields are dropped.
var columnOrder = []column{
	{fieldFile, "File"},
	{fieldDate, "Date"},
	{fieldCompany, "Supplier"},
	{fieldJAN, "Product Code"},
	{fieldProduct, "Product Name"},
	{fieldQuantity, "Quantity"},
	{fieldRetail, "List Price"},
	{fieldRate, "Rate"},
	{fieldCost, "Unit Cost"},
	{fieldLineTotal, "Line Total"},
	{fieldTotal, "Invoice Total"},
	{fieldInvoice, "Invoice No"},
}

// DefaultPlaceholder is the sentinel product name for documents the model
// read successfully but found no line items on
const DefaultPlaceholder = "(no line items)"

// Table is the final exportable view: operator-facing column labels and one
// row of display strings per line item (or placeholder)
type Table struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// Assembler folds per-unit extraction results into output rows and an error
// log. Add never fails; failed units contribute log entries instead of rows.
type Assembler struct {
	placeholder string
	rows        []assembledRow
	errors      []ErrorEntry
}

type assembledRow struct {
	seq    int
	values map[fieldKey]string
}

// NewAssembler creates an Assembler with the given placeholder sentinel
func NewAssembler(placeholder string) *Assembler {
	if placeholder == "" {
		placeholder = DefaultPlaceholder
	}
	return &Assembler{placeholder: placeholder}
}

// Add appends the rows for one unit's result: one row per line item, a single
// placeholder row when a successful record carries no items, or zero rows plus
// an error-log entry on failure.
func (a *Assembler) Add(unit splitting.Unit, result extraction.Result) {
	if result.Status != extraction.StatusSuccess || result.Record == nil {
		a.errors = append(a.errors, ErrorEntry{Label: unit.Label, Reason: failureReason(result)})
		return
	}

	rec := result.Record
	header := map[fieldKey]string{
		fieldFile:    unit.Label,
		fieldDate:    rec.Date,
		fieldCompany: rec.CompanyName,
		fieldTotal:   rec.TotalAmount.String(),
		fieldInvoice: rec.InvoiceNumber,
	}

	if len(rec.Items) == 0 {
		values := cloneValues(header)
		values[fieldProduct] = a.placeholder
		a.rows = append(a.rows, assembledRow{seq: unit.Seq, values: values})
		return
	}

	for _, item := range rec.Items {
		values := cloneValues(header)
		values[fieldJAN] = item.JANCode
		values[fieldProduct] = item.ProductName
		values[fieldQuantity] = item.Quantity.String()
		values[fieldRetail] = item.RetailPrice.String()
		values[fieldRate] = item.WholesaleRate.String()
		values[fieldCost] = item.CostPrice.String()
		values[fieldLineTotal] = item.LineTotal.String()
		a.rows = append(a.rows, assembledRow{seq: unit.Seq, values: values})
	}
}

// Errors returns the accumulated (label, reason) failure log
func (a *Assembler) Errors() []ErrorEntry {
	return a.errors
}

// Table builds the final table: rows sorted by unit sequence, columns limited
// to fields with at least one non-empty value, in the fixed preferred order
func (a *Assembler) Table() *Table {
	rows := make([]assembledRow, len(a.rows))
	copy(rows, a.rows)
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].seq < rows[j].seq
	})

	populated := make(map[fieldKey]bool)
	for _, row := range rows {
		for key, v := range row.values {
			if v != "" {
				populated[key] = true
			}
		}
	}

	var cols []column
	for _, c := range columnOrder {
		if populated[c.key] {
			cols = append(cols, c)
		}
	}

	table := &Table{
		Columns: make([]string, len(cols)),
		Rows:    make([][]string, 0, len(rows)),
	}
	for i, c := range cols {
		table.Columns[i] = c.label
	}
	for _, row := range rows {
		out := make([]string, len(cols))
		for i, c := range cols {
			out[i] = row.values[c.key]
		}
		table.Rows = append(table.Rows, out)
	}
	return table
}

func cloneValues(values map[fieldKey]string) map[fieldKey]string {
	out := make(map[fieldKey]string, len(values)+7)
	for k, v := range values {
		out[k] = v
	}
	return out
}

func failureReason(result extraction.Result) string {
	reason := result.ErrorDetail
	if reason == "" {
		reason = string(result.Status)
	}
	if result.Status == extraction.StatusParseError && result.RawText != "" {
		reason = fmt.Sprintf("%s; raw: %q", reason, result.RawText)
	}
	return reason
}
