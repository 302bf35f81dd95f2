// Package llm holds the text generation clients used by the script stage.
package llm

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"avs/internal/pkg/deadline"
	"avs/internal/pkg/errors"
)

// GenerateRequest is one prompt for a generation backend.
type GenerateRequest struct {
	// Model overrides the client's default model when set.
	Model        string
	Prompt       string
	SystemPrompt string
	// Options are passed through as sampling parameters (temperature,
	// top_p, num_predict, ...).
	Options map[string]any
	// JSON asks the backend to constrain its reply to a JSON document.
	JSON bool
}

// Generator is a text generation backend.
type Generator interface {
	Name() string
	IsAvailable(ctx context.Context) bool
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// ModelLister is implemented by backends that can enumerate their models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// classifyTransport turns an error from http.Client.Do, or from reading a
// response body, into the pipeline taxonomy. parent is the caller's context
// and ctx the per-attempt one.
func classifyTransport(parent, ctx context.Context, op string, err error) error {
	switch deadline.Cause(parent, ctx) {
	case context.Canceled:
		return errors.WrapWithCode(err, errors.CodeCancelled, op, "request cancelled")
	case context.DeadlineExceeded:
		return errors.WrapWithCode(err, errors.CodeTimeout, op, "request timed out")
	}
	if isConnectivity(err) {
		return errors.WrapWithCode(err, errors.CodeUnreachable, op, "cannot connect")
	}
	return errors.WrapWithCode(err, errors.CodeUnavailable, op, "request failed")
}

func isConnectivity(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// statusError maps a non-2xx response. 5xx and 429 stay retryable.
func statusError(op string, res *http.Response, notFound string) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	detail := strings.TrimSpace(string(body))

	switch {
	case res.StatusCode == http.StatusNotFound:
		return errors.New(errors.CodeNonRetryable, notFound).
			WithField("status", res.StatusCode).
			WithField("body", detail)
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return errors.Newf(errors.CodeUnavailable, "%s: upstream returned %d", op, res.StatusCode).
			WithField("status", res.StatusCode).
			WithField("body", detail)
	default:
		return errors.Newf(errors.CodeNonRetryable, "%s: upstream rejected request with %d", op, res.StatusCode).
			WithField("status", res.StatusCode).
			WithField("body", detail)
	}
}
