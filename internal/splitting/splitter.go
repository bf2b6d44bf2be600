package splitting

import (
	"fmt"
	"strings"
)

// Kind identifies what a Unit carries to the model
type Kind string

const (
	KindImage Kind = "image"
	KindPDF   Kind = "pdf"
	KindText  Kind = "text"
)

// Unit is one item of work sent to the model: a single image, a group of PDF
// pages serialized as a standalone PDF, or extracted text from a machine-readable
// page range.
type Unit struct {
	// Seq is the global submission index across the whole batch. Results are
	// slotted and sorted by it, so export order never depends on completion order.
	Seq      int
	Label    string
	Kind     Kind
	Payload  []byte // image or pdf bytes; nil for text units
	MIMEType string
	Text     string // populated for text units only
}

// Options controls how uploaded files are decomposed into Units
type Options struct {
	// ChunkSize is the number of PDF pages bundled per Unit (K)
	ChunkSize int

	// PageStart/PageEnd select a 1-based inclusive page range. Zero means
	// unbounded on that side. Values are clamped to the document.
	PageStart int
	PageEnd   int

	// TextLayer enables the text-layer shortcut: chunks whose embedded text
	// exceeds TextThreshold characters are emitted as text units, skipping
	// the image-based model call entirely.
	TextLayer     bool
	TextThreshold int
}

const defaultTextThreshold = 50

// Splitter decomposes uploaded files into Units
type Splitter struct {
	opts Options
}

// NewSplitter creates a Splitter with the given options
func NewSplitter(opts Options) *Splitter {
	if opts.ChunkSize < 1 {
		opts.ChunkSize = 1
	}
	if opts.TextThreshold <= 0 {
		opts.TextThreshold = defaultTextThreshold
	}
	return &Splitter{opts: opts}
}

// Split decomposes one uploaded file into an ordered sequence of Units.
// seqBase is the Seq to assign to the first unit; subsequent units count up
// from there. A corrupt or unreadable file returns an error and zero units;
// the caller records it as a file-level failure and continues the batch.
func (s *Splitter) Split(filename, contentType string, data []byte, seqBase int) ([]Unit, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "application/pdf" {
		return s.splitPDF(filename, data, seqBase)
	}
	return s.splitImage(filename, mimeType, data, seqBase)
}

// pageRange is a 1-based inclusive span of PDF pages
type pageRange struct {
	start, end int
}

func (r pageRange) label(filename string) string {
	if r.start == r.end {
		return fmt.Sprintf("%s (p%d)", filename, r.start)
	}
	return fmt.Sprintf("%s (p%d-%d)", filename, r.start, r.end)
}

// chunkRanges partitions [start,end] into consecutive spans of up to k pages.
// The spans tile the range exactly: no gaps, no overlaps.
func chunkRanges(start, end, k int) []pageRange {
	if k < 1 {
		k = 1
	}
	var ranges []pageRange
	for lo := start; lo <= end; lo += k {
		hi := lo + k - 1
		if hi > end {
			hi = end
		}
		ranges = append(ranges, pageRange{start: lo, end: hi})
	}
	return ranges
}

// clampRange resolves the configured page selection against the actual page
// count, returning a valid 1-based inclusive range
func clampRange(pageStart, pageEnd, pageCount int) (int, int, error) {
	start := pageStart
	if start < 1 {
		start = 1
	}
	end := pageEnd
	if end < 1 || end > pageCount {
		end = pageCount
	}
	if start > end {
		return 0, 0, fmt.Errorf("page selection %d-%d is empty for a %d page document", pageStart, pageEnd, pageCount)
	}
	return start, end, nil
}
