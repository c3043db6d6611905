package backend

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/tstromberg/sortera/pkg/prompt"
	"github.com/tstromberg/sortera/pkg/sortera"
)

// DefaultOpenAIURL is the OpenAI API base.
const DefaultOpenAIURL = "https://api.openai.com/v1"

// OpenAI talks to the OpenAI chat completions API or any compatible server.
type OpenAI struct {
	c    sortera.BackendConfig
	url  string
	http *httpClient
}

// NewOpenAI returns an OpenAI-compatible backend.
func NewOpenAI(c sortera.BackendConfig) *OpenAI {
	url := strings.TrimSuffix(c.Endpoint, "/")
	if url == "" {
		url = DefaultOpenAIURL
	}
	h := &httpClient{name: sortera.BackendOpenAI, client: &http.Client{}, headers: map[string]string{}}
	if c.APIKey != "" {
		h.headers["Authorization"] = "Bearer " + c.APIKey
	}
	return &OpenAI{c: c, url: url, http: h}
}

// Name returns the model identifier.
func (o *OpenAI) Name() string {
	return "openai/" + o.c.Model
}

// Preflight lists models, which checks both reachability and the credential.
func (o *OpenAI) Preflight(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, timeout(o.c.Timeout, nil))
	defer cancel()
	return o.http.do(ctx, http.MethodGet, o.url+"/models", nil, nil)
}

// Analyze sends one image and prompt to /chat/completions.
func (o *OpenAI) Analyze(ctx context.Context, req *prompt.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout(o.c.Timeout, req))
	defer cancel()

	dataURI := "data:" + req.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(req.JPEG)
	body := map[string]any{
		"model": o.c.Model,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": req.Prompt},
					{"type": "image_url", "image_url": map[string]string{"url": dataURI}},
				},
			},
		},
		"temperature": req.Temperature,
	}

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := o.http.do(ctx, http.MethodPost, o.url+"/chat/completions", body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Backend: sortera.BackendOpenAI, Kind: sortera.KindUnknown, Message: "no choices returned"}
	}
	return resp.Choices[0].Message.Content, nil
}
