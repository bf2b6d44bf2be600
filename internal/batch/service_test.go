package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/docbatch/internal/extraction"
	"github.com/zombor/docbatch/internal/splitting"
)

// mockDB is a mock implementation of DB
type mockDB struct {
	mu      sync.Mutex
	batches map[string]*Batch
	saveErr error
}

func newMockDB() *mockDB {
	return &mockDB{batches: make(map[string]*Batch)}
}

func (m *mockDB) SaveBatch(batch *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.batches[batch.ID] = batch
	return nil
}

func (m *mockDB) GetBatch(id string) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[id]
	if !ok {
		return nil, errors.New("batch not found")
	}
	return batch, nil
}

func (m *mockDB) ListBatches() ([]*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batches := make([]*Batch, 0, len(m.batches))
	for _, b := range m.batches {
		batches = append(batches, b)
	}
	return batches, nil
}

func (m *mockDB) DeleteBatch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.batches, id)
	return nil
}

func (m *mockDB) Close() error {
	return nil
}

// mockSplitter returns scripted units per file name
type mockSplitter struct {
	unitsFor  map[string][]splitting.Unit
	errorsFor map[string]error
}

func (m *mockSplitter) Split(filename, contentType string, data []byte, seqBase int) ([]splitting.Unit, error) {
	if err, ok := m.errorsFor[filename]; ok {
		return nil, err
	}
	units := make([]splitting.Unit, len(m.unitsFor[filename]))
	copy(units, m.unitsFor[filename])
	for i := range units {
		units[i].Seq = seqBase + i
	}
	return units, nil
}

// mockExtractor returns scripted results per unit label
type mockExtractor struct {
	mu         sync.Mutex
	resultsFor map[string]extraction.Result
	fatalFor   map[string]error
	calls      []string
}

func (m *mockExtractor) Extract(ctx context.Context, unit splitting.Unit) (extraction.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, unit.Label)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return extraction.Result{Status: extraction.StatusAPIError, ErrorDetail: err.Error()}, nil
	}
	if err, ok := m.fatalFor[unit.Label]; ok {
		return extraction.Result{Status: extraction.StatusAPIError, ErrorDetail: err.Error()}, err
	}
	if result, ok := m.resultsFor[unit.Label]; ok {
		return result, nil
	}
	return extraction.Result{Status: extraction.StatusAPIError, ErrorDetail: "no scripted result"}, nil
}

func (m *mockExtractor) Close() error {
	return nil
}

// fixedIDGenerator returns sequential IDs
type fixedIDGenerator struct {
	mu   sync.Mutex
	next int
}

func (g *fixedIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("batch-%d", g.next)
}

// fixedTimeSource returns a fixed time
type fixedTimeSource struct {
	now time.Time
}

func (t *fixedTimeSource) Now() time.Time {
	return t.now
}

func parsedResult(jsonText string) extraction.Result {
	record, err := extraction.ParseRecord(jsonText)
	Expect(err).NotTo(HaveOccurred())
	return extraction.Result{Status: extraction.StatusSuccess, Record: record}
}

var _ = Describe("Service", func() {
	var (
		db        *mockDB
		splitter  *mockSplitter
		extractor *mockExtractor
		service   *Service
	)

	BeforeEach(func() {
		db = newMockDB()
		splitter = &mockSplitter{
			unitsFor:  make(map[string][]splitting.Unit),
			errorsFor: make(map[string]error),
		}
		extractor = &mockExtractor{
			resultsFor: make(map[string]extraction.Result),
			fatalFor:   make(map[string]error),
		}
		service = NewServiceWithDeps(
			func(opts splitting.Options) Splitter { return splitter },
			extractor,
			db,
			Config{Workers: 2},
			&fixedIDGenerator{},
			&fixedTimeSource{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		)
	})

	waitForDone := func(id string) *Batch {
		var final *Batch
		Eventually(func() State {
			b, err := service.Get(id)
			if err != nil {
				return ""
			}
			final = b
			return b.State
		}).WithTimeout(2 * time.Second).ShouldNot(Equal(StateRunning))
		return final
	}

	When("converting a single one-page image", func() {
		BeforeEach(func() {
			splitter.unitsFor["receipt.png"] = []splitting.Unit{
				{Label: "receipt.png", Kind: splitting.KindImage, Payload: []byte("png"), MIMEType: "image/png"},
			}
			extractor.resultsFor["receipt.png"] = parsedResult(
				`{"date":"2024-05-01","company_name":"Acme","items":[{"product_name":"Widget","quantity":2,"cost_price":100,"line_total":200}]}`,
			)
		})

		It("completes with exactly one row carrying the extracted fields", func() {
			b, err := service.Start([]UploadedFile{{Name: "receipt.png", ContentType: "image/png", Data: []byte("png")}}, splitting.Options{})
			Expect(err).NotTo(HaveOccurred())

			final := waitForDone(b.ID)
			Expect(final.State).To(Equal(StateDone))
			Expect(final.Table.Columns).To(Equal([]string{"File", "Date", "Supplier", "Product Name", "Quantity", "Unit Cost", "Line Total"}))
			Expect(final.Table.Rows).To(ConsistOf([][]string{
				{"receipt.png", "2024-05-01", "Acme", "Widget", "2", "100", "200"},
			}))
			Expect(final.Errors).To(BeEmpty())
		})

		It("archives the finished batch", func() {
			b, err := service.Start([]UploadedFile{{Name: "receipt.png", ContentType: "image/png", Data: []byte("png")}}, splitting.Options{})
			Expect(err).NotTo(HaveOccurred())
			waitForDone(b.ID)

			Eventually(func() error {
				_, err := db.GetBatch(b.ID)
				return err
			}).WithTimeout(2 * time.Second).Should(Succeed())
		})
	})

	When("units complete out of order", func() {
		BeforeEach(func() {
			units := make([]splitting.Unit, 4)
			for i := range units {
				label := fmt.Sprintf("doc.pdf (p%d)", i+1)
				units[i] = splitting.Unit{Label: label, Kind: splitting.KindPDF, Payload: []byte("pdf"), MIMEType: "application/pdf"}
				extractor.resultsFor[label] = parsedResult(
					fmt.Sprintf(`{"items":[{"product_name":"Item %d"}]}`, i+1),
				)
			}
			splitter.unitsFor["doc.pdf"] = units
		})

		It("orders rows by page sequence regardless of completion order", func() {
			b, err := service.Start([]UploadedFile{{Name: "doc.pdf", ContentType: "application/pdf", Data: []byte("pdf")}}, splitting.Options{})
			Expect(err).NotTo(HaveOccurred())

			final := waitForDone(b.ID)
			Expect(final.Table.Rows).To(HaveLen(4))
			for i, row := range final.Table.Rows {
				Expect(row[1]).To(Equal(fmt.Sprintf("Item %d", i+1)))
			}
		})

		It("reports full completion", func() {
			b, _ := service.Start([]UploadedFile{{Name: "doc.pdf", ContentType: "application/pdf", Data: []byte("pdf")}}, splitting.Options{})
			final := waitForDone(b.ID)
			Expect(final.TotalUnits).To(Equal(4))
			Expect(final.CompletedUnits).To(Equal(4))
		})
	})

	When("every response is unparsable prose", func() {
		BeforeEach(func() {
			splitter.unitsFor["receipt.png"] = []splitting.Unit{
				{Label: "receipt.png", Kind: splitting.KindImage, Payload: []byte("png")},
			}
			extractor.resultsFor["receipt.png"] = extraction.Result{
				Status:      extraction.StatusParseError,
				ErrorDetail: "no parseable JSON in response",
				RawText:     "I cannot help with that.",
			}
		})

		It("still completes and produces an empty table plus one error entry", func() {
			b, err := service.Start([]UploadedFile{{Name: "receipt.png", ContentType: "image/png", Data: []byte("png")}}, splitting.Options{})
			Expect(err).NotTo(HaveOccurred())

			final := waitForDone(b.ID)
			Expect(final.State).To(Equal(StateDone))
			Expect(final.Table.Rows).To(BeEmpty())
			Expect(final.Errors).To(HaveLen(1))
			Expect(final.Errors[0].Label).To(Equal("receipt.png"))
		})
	})

	When("one file is corrupt", func() {
		BeforeEach(func() {
			splitter.errorsFor["broken.pdf"] = errors.New("opening PDF: bad header")
			splitter.unitsFor["receipt.png"] = []splitting.Unit{
				{Label: "receipt.png", Kind: splitting.KindImage, Payload: []byte("png")},
			}
			extractor.resultsFor["receipt.png"] = parsedResult(`{"company_name":"Acme","items":[{"product_name":"Widget"}]}`)
		})

		It("records a file-level error and processes the remaining files", func() {
			b, err := service.Start([]UploadedFile{
				{Name: "broken.pdf", ContentType: "application/pdf", Data: []byte("x")},
				{Name: "receipt.png", ContentType: "image/png", Data: []byte("png")},
			}, splitting.Options{})
			Expect(err).NotTo(HaveOccurred())

			final := waitForDone(b.ID)
			Expect(final.State).To(Equal(StateDone))
			Expect(final.Table.Rows).To(HaveLen(1))
			Expect(final.Errors).To(ConsistOf(ErrorEntry{Label: "broken.pdf", Reason: "opening PDF: bad header"}))
		})
	})

	When("the model identifier is a misconfiguration", func() {
		BeforeEach(func() {
			splitter.unitsFor["receipt.png"] = []splitting.Unit{
				{Label: "receipt.png", Kind: splitting.KindImage, Payload: []byte("png")},
			}
			extractor.fatalFor["receipt.png"] = fmt.Errorf("%w: googleapi: Error 404", extraction.ErrModelNotFound)
		})

		It("fails the whole batch with the reason", func() {
			b, err := service.Start([]UploadedFile{{Name: "receipt.png", ContentType: "image/png", Data: []byte("png")}}, splitting.Options{})
			Expect(err).NotTo(HaveOccurred())

			final := waitForDone(b.ID)
			Expect(final.State).To(Equal(StateFailed))
			Expect(final.FailureReason).To(ContainSubstring("not found"))
		})
	})

	When("no files are provided", func() {
		It("returns an error", func() {
			_, err := service.Start(nil, splitting.Options{})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Get", func() {
		It("falls back to the archive for batches from earlier sessions", func() {
			archived := &Batch{ID: "old-batch", State: StateDone}
			Expect(db.SaveBatch(archived)).To(Succeed())

			b, err := service.Get("old-batch")
			Expect(err).NotTo(HaveOccurred())
			Expect(b.State).To(Equal(StateDone))
		})

		It("returns an error for unknown IDs", func() {
			_, err := service.Get("nope")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Delete", func() {
		It("removes the batch from the archive", func() {
			Expect(db.SaveBatch(&Batch{ID: "old-batch"})).To(Succeed())
			Expect(service.Delete("old-batch")).To(Succeed())
			_, err := service.Get("old-batch")
			Expect(err).To(HaveOccurred())
		})
	})
})
