// Package backend sends analysis requests to vision models.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tstromberg/sortera/pkg/prompt"
	"github.com/tstromberg/sortera/pkg/sortera"
)

// DefaultTimeout is used when neither the backend configuration nor the goal sets one.
const DefaultTimeout = 120 * time.Second

// DefaultModels are used when the configuration does not name a model.
var DefaultModels = map[string]string{
	sortera.BackendGemini:   "gemini-2.5-flash",
	sortera.BackendOpenAI:   "gpt-4o-mini",
	sortera.BackendOllama:   "llava:13b",
	sortera.BackendLlamaCPP: "llava-v1.6-mistral-7b",
}

// Backend analyzes one image per call and returns the raw model reply.
type Backend interface {
	// Name returns the model identifier recorded with each result.
	Name() string
	// Preflight checks reachability and credentials before any image is sent.
	Preflight(ctx context.Context) error
	Analyze(ctx context.Context, req *prompt.Request) (string, error)
}

// Error is returned by every backend for every failure.
type Error struct {
	Backend    string
	Kind       sortera.ErrorKind
	Status     int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (%d): %s", e.Backend, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Backend, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a backend error, or UNKNOWN for anything else.
func KindOf(err error) sortera.ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return sortera.KindUnknown
}

// New returns the backend selected by c.Kind.
func New(ctx context.Context, c sortera.BackendConfig) (Backend, error) {
	if c.Model == "" {
		c.Model = DefaultModels[c.Kind]
	}

	switch c.Kind {
	case sortera.BackendGemini:
		return NewGemini(ctx, c)
	case sortera.BackendOpenAI:
		return NewOpenAI(c), nil
	case sortera.BackendOllama:
		return NewOllama(c), nil
	case sortera.BackendLlamaCPP:
		return NewLlamaCPP(c), nil
	default:
		return nil, &sortera.ConfigError{Field: "backend.kind", Reason: fmt.Sprintf("unknown backend %q", c.Kind)}
	}
}

// timeout returns the per-call timeout: configuration first, then the goal.
func timeout(configured time.Duration, req *prompt.Request) time.Duration {
	if configured > 0 {
		return configured
	}
	if req != nil && req.Timeout > 0 {
		return req.Timeout
	}
	return DefaultTimeout
}

// classifyStatus maps an HTTP status code to an error kind.
func classifyStatus(code int) sortera.ErrorKind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return sortera.KindAuth
	case http.StatusTooManyRequests:
		return sortera.KindRateLimit
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		return sortera.KindMalformedInput
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return sortera.KindTimeout
	case http.StatusNotFound:
		return sortera.KindUnavailable
	}
	if code >= 500 {
		return sortera.KindUnavailable
	}
	return sortera.KindUnknown
}

// classifyErr maps a transport error to an error kind.
func classifyErr(err error) sortera.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return sortera.KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return sortera.KindTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EHOSTUNREACH) {
		return sortera.KindUnavailable
	}
	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) {
		return sortera.KindUnavailable
	}
	return sortera.KindUnknown
}

// retryAfter parses a Retry-After header in seconds.
func retryAfter(h http.Header) time.Duration {
	s, err := strconv.Atoi(strings.TrimSpace(h.Get("Retry-After")))
	if err != nil || s < 0 {
		return 0
	}
	return time.Duration(s) * time.Second
}

// httpClient speaks JSON to the HTTP backends.
type httpClient struct {
	name    string
	client  *http.Client
	headers map[string]string
}

// do sends in as JSON (or nothing if in is nil) and decodes the response into out.
func (h *httpClient) do(ctx context.Context, method string, url string, in any, out any) error {
	var body io.Reader
	if in != nil {
		bs, err := json.Marshal(in)
		if err != nil {
			return &Error{Backend: h.name, Kind: sortera.KindMalformedInput, Message: fmt.Sprintf("marshal: %v", err), Err: err}
		}
		body = bytes.NewReader(bs)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return &Error{Backend: h.name, Kind: sortera.KindMalformedInput, Message: fmt.Sprintf("request: %v", err), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return &Error{Backend: h.name, Kind: classifyErr(err), Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bs, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{
			Backend:    h.name,
			Kind:       classifyStatus(resp.StatusCode),
			Status:     resp.StatusCode,
			Message:    strings.TrimSpace(string(bs)),
			RetryAfter: retryAfter(resp.Header),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Backend: h.name, Kind: classifyErr(err), Message: fmt.Sprintf("decode response: %v", err), Err: err}
	}
	return nil
}
