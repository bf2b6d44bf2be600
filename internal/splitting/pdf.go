package splitting

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// splitPDF partitions a PDF into chunk units of up to ChunkSize pages each.
// Each chunk becomes a standalone single-purpose PDF so the model only ever
// sees the pages it is asked about.
func (s *Splitter) splitPDF(filename string, data []byte, seqBase int) ([]Unit, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}

	start, end, err := clampRange(s.opts.PageStart, s.opts.PageEnd, pageCount)
	if err != nil {
		return nil, err
	}

	ranges := chunkRanges(start, end, s.opts.ChunkSize)
	units := make([]Unit, 0, len(ranges))
	for i, r := range ranges {
		unit := Unit{
			Seq:   seqBase + i,
			Label: r.label(filename),
		}

		if s.opts.TextLayer {
			text, ok := s.extractText(doc, r)
			if ok {
				unit.Kind = KindText
				unit.Text = text
				units = append(units, unit)
				continue
			}
		}

		chunk, err := trimPages(data, r)
		if err != nil {
			return nil, fmt.Errorf("building chunk for pages %d-%d: %w", r.start, r.end, err)
		}
		unit.Kind = KindPDF
		unit.Payload = chunk
		unit.MIMEType = "application/pdf"
		units = append(units, unit)
	}

	return units, nil
}

// extractText pulls the embedded text layer for a page range. Returns false
// when the yield is below the threshold, meaning the pages are likely scanned
// images and need a vision call.
func (s *Splitter) extractText(doc *fitz.Document, r pageRange) (string, bool) {
	var sb strings.Builder
	for p := r.start; p <= r.end; p++ {
		text, err := doc.Text(p - 1) // go-fitz pages are 0-based
		if err != nil {
			return "", false
		}
		sb.WriteString(text)
	}
	text := strings.TrimSpace(sb.String())
	if len(text) <= s.opts.TextThreshold {
		return "", false
	}
	return text, true
}

// trimPages serializes a new PDF containing only the pages in r
func trimPages(data []byte, r pageRange) ([]byte, error) {
	var buf bytes.Buffer
	selection := []string{fmt.Sprintf("%d-%d", r.start, r.end)}
	if err := api.Trim(bytes.NewReader(data), &buf, selection, nil); err != nil {
		return nil, fmt.Errorf("trimming pages: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderPages rasterizes every page of a PDF to PNG, one image per page.
// Used by providers whose models cannot consume PDFs directly.
func RenderPages(pdfData []byte) ([][]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	images := make([][]byte, 0, doc.NumPage())
	for p := 0; p < doc.NumPage(); p++ {
		img, err := doc.Image(p)
		if err != nil {
			return nil, fmt.Errorf("rendering PDF page %d: %w", p+1, err)
		}
		png, err := encodePNG(img)
		if err != nil {
			return nil, err
		}
		images = append(images, png)
	}
	return images, nil
}
