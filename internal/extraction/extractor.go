package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/docbatch/internal/splitting"
)

// Status classifies the outcome of extracting one unit
type Status string

const (
	StatusSuccess    Status = "success"
	StatusParseError Status = "parse_error"
	StatusAPIError   Status = "api_error"
)

// Result is the outcome of sending one unit to the model. Per-unit failures
// are captured here rather than surfaced as errors.
type Result struct {
	Status      Status  `json:"status"`
	Record      *Record `json:"record,omitempty"`
	RawText     string  `json:"raw_text,omitempty"`
	ErrorDetail string  `json:"error_detail,omitempty"`
}

// ErrModelNotFound marks a configuration-class failure: the configured model
// or endpoint does not exist. It halts the whole batch instead of being
// swallowed per unit.
var ErrModelNotFound = errors.New("model or endpoint not found")

// Provider generates raw model text for one unit
type Provider interface {
	// Generate sends the prompt plus the unit's payload to the model and
	// returns the raw text reply
	Generate(ctx context.Context, prompt string, unit splitting.Unit) (string, error)
	// Close releases provider resources
	Close() error
}

// Config holds the retry policy for the extraction client
type Config struct {
	// Retries is the total attempt budget per unit
	Retries int
	// Backoff is the base delay after a throttling failure; the actual sleep
	// is Backoff multiplied by the attempt number
	Backoff time.Duration
	// RetrySleep is the short fixed delay after other transient failures
	RetrySleep time.Duration
}

const (
	defaultRetries    = 3
	defaultBackoff    = 10 * time.Second
	defaultRetrySleep = 3 * time.Second
	rawPreviewLen     = 200
)

// Client sends units to a Provider with bounded retries and normalizes the
// replies into Records
type Client struct {
	provider Provider
	cfg      Config
	sleep    func(time.Duration)
}

// NewClient creates a Client around a provider
func NewClient(provider Provider, cfg Config) *Client {
	if cfg.Retries < 1 {
		cfg.Retries = defaultRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.RetrySleep <= 0 {
		cfg.RetrySleep = defaultRetrySleep
	}
	return &Client{
		provider: provider,
		cfg:      cfg,
		sleep:    time.Sleep,
	}
}

// NewClientWithSleep creates a Client with a custom sleep function for testing
func NewClientWithSleep(provider Provider, cfg Config, sleep func(time.Duration)) *Client {
	c := NewClient(provider, cfg)
	c.sleep = sleep
	return c
}

// Extract sends one unit to the model and returns exactly one Result. The
// returned error is non-nil only for configuration-class failures, which are
// batch-fatal; every per-unit failure is folded into the Result.
func (c *Client) Extract(ctx context.Context, unit splitting.Unit) (Result, error) {
	prompt := buildPrompt(unit)

	var (
		lastDetail   string
		lastRaw      string
		parseFailure bool
	)

	for attempt := 1; attempt <= c.cfg.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Status: StatusAPIError, ErrorDetail: err.Error()}, nil
		}

		text, err := c.provider.Generate(ctx, prompt, unit)
		if err != nil {
			switch classify(err) {
			case outcomeFatal:
				return Result{Status: StatusAPIError, ErrorDetail: err.Error()},
					fmt.Errorf("%w: %s", ErrModelNotFound, err)
			case outcomeThrottled:
				lastDetail, parseFailure = err.Error(), false
				slog.Warn("Model throttled request", "label", unit.Label, "attempt", attempt, "error", err)
				if attempt < c.cfg.Retries {
					c.sleep(c.cfg.Backoff * time.Duration(attempt))
				}
			default:
				lastDetail, parseFailure = err.Error(), false
				slog.Warn("Model request failed", "label", unit.Label, "attempt", attempt, "error", err)
				if attempt < c.cfg.Retries {
					c.sleep(c.cfg.RetrySleep)
				}
			}
			continue
		}

		record, perr := ParseRecord(text)
		if perr != nil {
			lastDetail, lastRaw, parseFailure = perr.Error(), preview(text), true
			slog.Warn("Unparseable model response", "label", unit.Label, "attempt", attempt, "error", perr, "preview", lastRaw)
			continue
		}

		return Result{Status: StatusSuccess, Record: record, RawText: preview(text)}, nil
	}

	if parseFailure {
		return Result{Status: StatusParseError, RawText: lastRaw, ErrorDetail: lastDetail}, nil
	}
	return Result{Status: StatusAPIError, ErrorDetail: lastDetail}, nil
}

// Close closes the underlying provider
func (c *Client) Close() error {
	return c.provider.Close()
}

// preview truncates raw model output to a bounded diagnostic length
func preview(text string) string {
	if len(text) > rawPreviewLen {
		return text[:rawPreviewLen]
	}
	return text
}
