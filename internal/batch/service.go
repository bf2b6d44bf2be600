package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/docbatch/internal/extraction"
	"github.com/zombor/docbatch/internal/splitting"
)

// State is the lifecycle phase of a batch
type State string

const (
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Batch is one conversion run: a set of uploaded files decomposed into units,
// extracted, and assembled into an exportable table
type Batch struct {
	ID             string       `json:"id"`
	State          State        `json:"state"`
	TotalUnits     int          `json:"total_units"`
	CompletedUnits int          `json:"completed_units"`
	Table          *Table       `json:"table,omitempty"`
	Errors         []ErrorEntry `json:"errors"`
	FailureReason  string       `json:"failure_reason,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	FinishedAt     time.Time    `json:"finished_at,omitempty"`
}

// UploadedFile is one file submitted for conversion
type UploadedFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// Splitter decomposes an uploaded file into units
type Splitter interface {
	Split(filename, contentType string, data []byte, seqBase int) ([]splitting.Unit, error)
}

// Extractor sends one unit to the model. A non-nil error is a
// configuration-class failure and fails the whole batch.
type Extractor interface {
	Extract(ctx context.Context, unit splitting.Unit) (extraction.Result, error)
	Close() error
}

// SplitterFactory builds a Splitter for one run's options, so page range and
// chunk size can vary per upload
type SplitterFactory func(opts splitting.Options) Splitter

// IDGenerator generates unique IDs for batches
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Config holds operator-tunable batch policy
type Config struct {
	// Workers bounds the number of units in flight at once
	Workers int
	// SplitOptions are the default splitting options; uploads may override
	// chunk size and page range per request
	SplitOptions splitting.Options
	// Placeholder is the sentinel product name for item-less documents
	Placeholder string
}

const defaultWorkers = 3

// Service orchestrates batches: split, fan out to a bounded worker pool,
// fan in, assemble, archive
type Service struct {
	newSplitter SplitterFactory
	extractor   Extractor
	db          DB
	cfg         Config
	idGenerator IDGenerator
	timeSource  TimeSource

	mu      sync.Mutex
	batches map[string]*Batch
}

// NewService creates a Service with default ID generator and time source
func NewService(newSplitter SplitterFactory, extractor Extractor, db DB, cfg Config) *Service {
	return NewServiceWithDeps(newSplitter, extractor, db, cfg, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a Service with custom dependencies for testing
func NewServiceWithDeps(newSplitter SplitterFactory, extractor Extractor, db DB, cfg Config, idGen IDGenerator, timeSrc TimeSource) *Service {
	if cfg.Workers < 1 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Placeholder == "" {
		cfg.Placeholder = DefaultPlaceholder
	}
	return &Service{
		newSplitter: newSplitter,
		extractor:   extractor,
		db:          db,
		cfg:         cfg,
		idGenerator: idGen,
		timeSource:  timeSrc,
		batches:     make(map[string]*Batch),
	}
}

// Start registers a new batch and begins processing it in the background.
// Chunk size and page range in opts override the service defaults when set.
func (s *Service) Start(files []UploadedFile, opts splitting.Options) (*Batch, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("at least one file is required")
	}

	b := &Batch{
		ID:        s.idGenerator.Generate(),
		State:     StateRunning,
		Errors:    []ErrorEntry{},
		CreatedAt: s.timeSource.Now(),
	}
	s.mu.Lock()
	s.batches[b.ID] = b
	s.mu.Unlock()

	go s.process(b.ID, files, s.mergeOptions(opts))

	return s.Get(b.ID)
}

func (s *Service) mergeOptions(opts splitting.Options) splitting.Options {
	merged := s.cfg.SplitOptions
	if opts.ChunkSize > 0 {
		merged.ChunkSize = opts.ChunkSize
	}
	if opts.PageStart > 0 {
		merged.PageStart = opts.PageStart
	}
	if opts.PageEnd > 0 {
		merged.PageEnd = opts.PageEnd
	}
	return merged
}

// indexedResult carries one unit's outcome from a worker back to the
// coordinator. Workers never touch shared result state directly.
type indexedResult struct {
	idx    int
	result extraction.Result
	fatal  error
}

func (s *Service) process(id string, files []UploadedFile, opts splitting.Options) {
	splitter := s.newSplitter(opts)

	// Split every file up front; a corrupt file costs an error entry, not
	// the batch
	var units []splitting.Unit
	var fileErrors []ErrorEntry
	for _, f := range files {
		fileUnits, err := splitter.Split(f.Name, f.ContentType, f.Data, len(units))
		if err != nil {
			slog.Error("Failed to split file", "filename", f.Name, "error", err)
			fileErrors = append(fileErrors, ErrorEntry{Label: f.Name, Reason: err.Error()})
			continue
		}
		units = append(units, fileUnits...)
	}

	s.update(id, func(b *Batch) {
		b.TotalUnits = len(units)
		b.Errors = append(b.Errors, fileErrors...)
	})

	slog.Info("Batch started", "batch", id, "files", len(files), "units", len(units), "workers", s.cfg.Workers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fan out indexed jobs to a bounded pool; fan in over the results
	// channel, consumed only here in the coordinator
	jobs := make(chan int)
	results := make(chan indexedResult)

	workers := s.cfg.Workers
	if workers > len(units) {
		workers = len(units)
	}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				result, err := s.extractor.Extract(ctx, units[idx])
				results <- indexedResult{idx: idx, result: result, fatal: err}
			}
		}()
	}
	go func() {
		for i := range units {
			jobs <- i
		}
		close(jobs)
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	slots := make([]extraction.Result, len(units))
	var fatal error
	for r := range results {
		slots[r.idx] = r.result
		// Release the chunk's bytes as soon as its result is in, keeping
		// peak memory bounded on large documents
		units[r.idx].Payload = nil

		if r.fatal != nil && fatal == nil {
			fatal = r.fatal
			cancel()
		}
		s.update(id, func(b *Batch) {
			b.CompletedUnits++
		})
	}

	assembler := NewAssembler(s.cfg.Placeholder)
	for idx, unit := range units {
		assembler.Add(unit, slots[idx])
	}
	table := assembler.Table()

	s.update(id, func(b *Batch) {
		b.Table = table
		b.Errors = append(b.Errors, assembler.Errors()...)
		b.FinishedAt = s.timeSource.Now()
		if fatal != nil {
			b.State = StateFailed
			b.FailureReason = fatal.Error()
		} else {
			b.State = StateDone
		}
	})

	final, err := s.Get(id)
	if err != nil {
		slog.Error("Batch vanished before archiving", "batch", id, "error", err)
		return
	}
	if err := s.db.SaveBatch(final); err != nil {
		slog.Error("Failed to archive batch", "batch", id, "error", err)
	}

	slog.Info("Batch finished", "batch", id, "rows", len(table.Rows), "errors", len(final.Errors), "state", final.State)
}

// update applies a mutation to a tracked batch under the service lock
func (s *Service) update(id string, fn func(*Batch)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batches[id]; ok {
		fn(b)
	}
}

// Get returns a snapshot of a batch, from memory for the current session or
// from the archive for earlier ones
func (s *Service) Get(id string) (*Batch, error) {
	s.mu.Lock()
	b, ok := s.batches[id]
	if ok {
		snapshot := snapshotBatch(b)
		s.mu.Unlock()
		return snapshot, nil
	}
	s.mu.Unlock()

	archived, err := s.db.GetBatch(id)
	if err != nil {
		return nil, fmt.Errorf("getting batch: %w", err)
	}
	return archived, nil
}

// List returns every known batch, in-memory and archived, newest first
func (s *Service) List() ([]*Batch, error) {
	archived, err := s.db.ListBatches()
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}

	seen := make(map[string]bool, len(archived))
	batches := make([]*Batch, 0, len(archived))
	for _, b := range archived {
		seen[b.ID] = true
		batches = append(batches, b)
	}

	s.mu.Lock()
	for _, b := range s.batches {
		if !seen[b.ID] {
			batches = append(batches, snapshotBatch(b))
		}
	}
	s.mu.Unlock()

	sortBatches(batches)
	return batches, nil
}

// Delete removes a batch from the session and the archive
func (s *Service) Delete(id string) error {
	s.mu.Lock()
	delete(s.batches, id)
	s.mu.Unlock()
	if err := s.db.DeleteBatch(id); err != nil {
		return fmt.Errorf("deleting batch: %w", err)
	}
	return nil
}

// Close releases the extractor
func (s *Service) Close() error {
	return s.extractor.Close()
}

func snapshotBatch(b *Batch) *Batch {
	out := *b
	out.Errors = append([]ErrorEntry(nil), b.Errors...)
	if b.Table != nil {
		table := *b.Table
		out.Table = &table
	}
	return &out
}

func sortBatches(batches []*Batch) {
	sort.Slice(batches, func(i, j int) bool {
		return batches[i].CreatedAt.After(batches[j].CreatedAt)
	})
}
