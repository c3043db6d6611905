package backend

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"k8s.io/klog/v2"

	"github.com/tstromberg/sortera/pkg/prompt"
	"github.com/tstromberg/sortera/pkg/sortera"
)

// DefaultOllamaURL is where a local ollama server listens.
const DefaultOllamaURL = "http://localhost:11434"

// Ollama talks to a local ollama server.
type Ollama struct {
	c    sortera.BackendConfig
	url  string
	http *httpClient
}

// NewOllama returns an ollama backend.
func NewOllama(c sortera.BackendConfig) *Ollama {
	url := strings.TrimSuffix(c.Endpoint, "/")
	if url == "" {
		url = DefaultOllamaURL
	}
	return &Ollama{
		c:    c,
		url:  url,
		http: &httpClient{name: sortera.BackendOllama, client: &http.Client{}},
	}
}

// Name returns the model identifier.
func (o *Ollama) Name() string {
	return "ollama/" + o.c.Model
}

// Preflight checks that the server is up and the model has been pulled.
func (o *Ollama) Preflight(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, timeout(o.c.Timeout, nil))
	defer cancel()

	var tags struct {
		Models []struct {
			Name  string `json:"name"`
			Model string `json:"model"`
		} `json:"models"`
	}
	if err := o.http.do(ctx, http.MethodGet, o.url+"/api/tags", nil, &tags); err != nil {
		return err
	}

	names := []string{}
	for _, m := range tags.Models {
		if m.Name == o.c.Model || m.Model == o.c.Model || strings.TrimSuffix(m.Name, ":latest") == o.c.Model {
			klog.V(1).Infof("ollama at %s has %s", o.url, m.Name)
			return nil
		}
		names = append(names, m.Name)
	}
	return &Error{
		Backend: sortera.BackendOllama,
		Kind:    sortera.KindUnavailable,
		Message: fmt.Sprintf("model %q is not pulled (available: %s); run: ollama pull %s", o.c.Model, strings.Join(names, ", "), o.c.Model),
	}
}

// Analyze sends one image and prompt to /api/generate.
func (o *Ollama) Analyze(ctx context.Context, req *prompt.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout(o.c.Timeout, req))
	defer cancel()

	body := map[string]any{
		"model":  o.c.Model,
		"prompt": req.Prompt,
		"images": []string{base64.StdEncoding.EncodeToString(req.JPEG)},
		"stream": false,
		"options": map[string]any{
			"temperature": req.Temperature,
			"top_p":       0.9,
		},
	}

	var resp struct {
		Response string `json:"response"`
		Error    string `json:"error"`
	}
	if err := o.http.do(ctx, http.MethodPost, o.url+"/api/generate", body, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", &Error{Backend: sortera.BackendOllama, Kind: sortera.KindUnknown, Message: resp.Error}
	}
	return resp.Response, nil
}
