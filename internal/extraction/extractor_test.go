package extraction

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/docbatch/internal/splitting"
)

// stubProvider replays a scripted sequence of replies, one per attempt
type stubProvider struct {
	replies []stubReply
	calls   int
	prompts []string
}

type stubReply struct {
	text string
	err  error
}

func (s *stubProvider) Generate(_ context.Context, prompt string, _ splitting.Unit) (string, error) {
	s.prompts = append(s.prompts, prompt)
	reply := s.replies[len(s.replies)-1]
	if s.calls < len(s.replies) {
		reply = s.replies[s.calls]
	}
	s.calls++
	return reply.text, reply.err
}

func (s *stubProvider) Close() error {
	return nil
}

var _ = Describe("Client.Extract", func() {
	var (
		provider *stubProvider
		client   *Client
		sleeps   []time.Duration
		unit     splitting.Unit
		result   Result
		err      error
	)

	BeforeEach(func() {
		provider = &stubProvider{}
		sleeps = nil
		unit = splitting.Unit{Seq: 0, Label: "receipt.png", Kind: splitting.KindImage, Payload: []byte("png"), MIMEType: "image/png"}
	})

	JustBeforeEach(func() {
		client = NewClientWithSleep(provider, Config{Retries: 3, Backoff: 10 * time.Second, RetrySleep: 3 * time.Second}, func(d time.Duration) {
			sleeps = append(sleeps, d)
		})
		result, err = client.Extract(context.Background(), unit)
	})

	When("the model answers cleanly on the first attempt", func() {
		BeforeEach(func() {
			provider.replies = []stubReply{
				{text: `{"company_name":"Acme","items":[{"product_name":"Widget"}]}`},
			}
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("returns a success result with the record", func() {
			Expect(result.Status).To(Equal(StatusSuccess))
			Expect(result.Record.CompanyName).To(Equal("Acme"))
		})

		It("does not sleep", func() {
			Expect(sleeps).To(BeEmpty())
		})
	})

	When("the model is rate limited twice then succeeds", func() {
		BeforeEach(func() {
			provider.replies = []stubReply{
				{err: errors.New("googleapi: Error 429: rate limit exceeded")},
				{err: errors.New("googleapi: Error 503: service unavailable")},
				{text: `{"company_name":"Acme","items":[]}`},
			}
		})

		It("succeeds on the third attempt", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(StatusSuccess))
			Expect(provider.calls).To(Equal(3))
		})

		It("backs off before each retry, scaled by attempt number", func() {
			Expect(sleeps).To(Equal([]time.Duration{10 * time.Second, 20 * time.Second}))
		})
	})

	When("every attempt is rate limited", func() {
		BeforeEach(func() {
			provider.replies = []stubReply{
				{err: errors.New("googleapi: Error 429: rate limit exceeded")},
			}
		})

		It("degrades to an api_error result without a batch-fatal error", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(StatusAPIError))
			Expect(result.ErrorDetail).To(ContainSubstring("429"))
		})

		It("consumes the whole attempt budget", func() {
			Expect(provider.calls).To(Equal(3))
		})

		It("does not sleep after the final attempt", func() {
			Expect(sleeps).To(HaveLen(2))
		})
	})

	When("the model identifier does not exist", func() {
		BeforeEach(func() {
			provider.replies = []stubReply{
				{err: errors.New("googleapi: Error 404: model gemini-nonexistent not found")},
			}
		})

		It("aborts immediately with a batch-fatal error", func() {
			Expect(err).To(MatchError(ErrModelNotFound))
			Expect(provider.calls).To(Equal(1))
			Expect(sleeps).To(BeEmpty())
		})

		It("still reports the failure in the result", func() {
			Expect(result.Status).To(Equal(StatusAPIError))
		})
	})

	When("a transient non-throttle failure precedes success", func() {
		BeforeEach(func() {
			provider.replies = []stubReply{
				{err: errors.New("connection reset by peer")},
				{text: `{"company_name":"Acme","items":[]}`},
			}
		})

		It("retries after a short fixed sleep", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(StatusSuccess))
			Expect(sleeps).To(Equal([]time.Duration{3 * time.Second}))
		})
	})

	When("the model returns unparsable prose on every attempt", func() {
		BeforeEach(func() {
			provider.replies = []stubReply{
				{text: "I am sorry, I cannot help with that."},
			}
		})

		It("exhausts the budget and reports a parse_error", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(StatusParseError))
			Expect(provider.calls).To(Equal(3))
		})

		It("retains a bounded raw text preview for diagnostics", func() {
			Expect(result.RawText).To(Equal("I am sorry, I cannot help with that."))
		})
	})

	When("prose on the first attempt is followed by valid JSON", func() {
		BeforeEach(func() {
			provider.replies = []stubReply{
				{text: "something went wrong, let me think..."},
				{text: `{"company_name":"Acme","items":[]}`},
			}
		})

		It("treats the parse failure as retryable", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(StatusSuccess))
			Expect(provider.calls).To(Equal(2))
		})
	})

	When("extracting a text unit", func() {
		BeforeEach(func() {
			unit = splitting.Unit{Label: "doc.pdf (p1)", Kind: splitting.KindText, Text: "INVOICE 2024-05-01 Acme Widget x2 200"}
			provider.replies = []stubReply{
				{text: `{"company_name":"Acme","items":[]}`},
			}
		})

		It("embeds the extracted text inline in the prompt", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(provider.prompts[0]).To(ContainSubstring("INVOICE 2024-05-01 Acme Widget x2 200"))
		})
	})

	When("the raw response is very long", func() {
		BeforeEach(func() {
			long := "no json here "
			for len(long) < 1000 {
				long += "no json here "
			}
			provider.replies = []stubReply{{text: long}}
		})

		It("truncates the preview to the bounded length", func() {
			Expect(result.Status).To(Equal(StatusParseError))
			Expect(len(result.RawText)).To(Equal(200))
		})
	})
})
