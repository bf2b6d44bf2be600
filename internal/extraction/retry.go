package extraction

import (
	"errors"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
)

// outcome tags what a failed attempt means for the retry loop
type outcome int

const (
	outcomeRetryable outcome = iota
	outcomeThrottled
	outcomeFatal
)

// classify maps a provider error to a retry outcome. Throttling and transient
// unavailability consume an attempt after a backoff; an unknown model or
// endpoint is a configuration error and aborts immediately; everything else
// retries after a short fixed sleep.
func classify(err error) outcome {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			return outcomeThrottled
		case http.StatusNotFound:
			return outcomeFatal
		}
	}

	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, "503") {
		return outcomeThrottled
	}
	if strings.Contains(msg, "404") || strings.Contains(strings.ToLower(msg), "not found") {
		return outcomeFatal
	}
	return outcomeRetryable
}
