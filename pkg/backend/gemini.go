package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
	"k8s.io/klog/v2"

	"github.com/tstromberg/sortera/pkg/prompt"
	"github.com/tstromberg/sortera/pkg/sortera"
)

// Gemini talks to the Gemini API.
type Gemini struct {
	c      sortera.BackendConfig
	client *genai.Client
}

// NewGemini returns a Gemini backend. The credential must come from c.
func NewGemini(ctx context.Context, c sortera.BackendConfig) (*Gemini, error) {
	if c.APIKey == "" {
		return nil, &sortera.ConfigError{Field: "backend.api_key", Reason: "gemini backend requires a credential"}
	}

	cc := &genai.ClientConfig{
		APIKey:  c.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if c.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: c.Endpoint}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return &Gemini{c: c, client: client}, nil
}

// Name returns the model identifier.
func (g *Gemini) Name() string {
	return "gemini/" + g.c.Model
}

// Preflight fetches the model description, which fails fast on a bad key.
func (g *Gemini) Preflight(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, timeout(g.c.Timeout, nil))
	defer cancel()

	m, err := g.client.Models.Get(ctx, g.c.Model, nil)
	if err != nil {
		return classifyGemini(err)
	}
	klog.V(1).Infof("gemini model: %s (%s)", m.Name, m.DisplayName)
	return nil
}

// Analyze sends one image and prompt to GenerateContent.
func (g *Gemini) Analyze(ctx context.Context, req *prompt.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout(g.c.Timeout, req))
	defer cancel()

	parts := []*genai.Part{
		genai.NewPartFromText(req.Prompt),
		genai.NewPartFromBytes(req.JPEG, req.MIMEType),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	cfg := &genai.GenerateContentConfig{Temperature: genai.Ptr(float32(req.Temperature))}

	resp, err := g.client.Models.GenerateContent(ctx, g.c.Model, contents, cfg)
	if err != nil {
		return "", classifyGemini(err)
	}

	text := resp.Text()
	if text == "" {
		reason := "empty response"
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
			reason = fmt.Sprintf("empty response (finish reason %s)", resp.Candidates[0].FinishReason)
		}
		return "", &Error{Backend: sortera.BackendGemini, Kind: sortera.KindUnknown, Message: reason}
	}
	return text, nil
}

// classifyGemini converts a genai error into a backend error.
func classifyGemini(err error) *Error {
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		apiErr = *apiErrPtr
	default:
		return &Error{Backend: sortera.BackendGemini, Kind: classifyErr(err), Message: err.Error(), Err: err}
	}

	kind := classifyStatus(apiErr.Code)
	switch {
	case apiErr.Code == 400 && strings.Contains(apiErr.Message, "API key not valid"):
		kind = sortera.KindAuth
	case apiErr.Status == "RESOURCE_EXHAUSTED":
		kind = sortera.KindRateLimit
	case apiErr.Status == "UNAUTHENTICATED" || apiErr.Status == "PERMISSION_DENIED":
		kind = sortera.KindAuth
	}
	return &Error{Backend: sortera.BackendGemini, Kind: kind, Status: apiErr.Code, Message: apiErr.Message, Err: err}
}
