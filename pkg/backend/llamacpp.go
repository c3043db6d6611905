package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/semaphore"
	"k8s.io/klog/v2"

	"github.com/tstromberg/sortera/pkg/prompt"
	"github.com/tstromberg/sortera/pkg/sortera"
)

// LlamaCPP runs a quantized local model through the llama.cpp multimodal CLI.
type LlamaCPP struct {
	c sortera.BackendConfig
	// sem serialises inference.
	sem *semaphore.Weighted
}

// NewLlamaCPP returns a llama.cpp backend.
func NewLlamaCPP(c sortera.BackendConfig) *LlamaCPP {
	if c.Binary == "" {
		c.Binary = "llama-mtmd-cli"
	}
	return &LlamaCPP{c: c, sem: semaphore.NewWeighted(1)}
}

// Name returns the model identifier.
func (l *LlamaCPP) Name() string {
	return "llamacpp/" + strings.TrimSuffix(filepath.Base(l.c.ModelPath), filepath.Ext(l.c.ModelPath))
}

// Preflight checks that the binary and both model files exist.
func (l *LlamaCPP) Preflight(_ context.Context) error {
	if _, err := exec.LookPath(l.c.Binary); err != nil {
		return &Error{Backend: sortera.BackendLlamaCPP, Kind: sortera.KindUnavailable, Message: fmt.Sprintf("binary %q not found", l.c.Binary), Err: err}
	}

	for _, p := range []string{l.c.ModelPath, l.c.ProjectorPath} {
		if p == "" {
			return &Error{Backend: sortera.BackendLlamaCPP, Kind: sortera.KindUnavailable, Message: "model and projector paths are required"}
		}
		if _, err := os.Stat(p); err != nil {
			return &Error{Backend: sortera.BackendLlamaCPP, Kind: sortera.KindUnavailable, Message: fmt.Sprintf("model file: %v", err), Err: err}
		}
	}
	return nil
}

// Analyze writes the request image to a temp file and runs one inference.
func (l *LlamaCPP) Analyze(ctx context.Context, req *prompt.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout(l.c.Timeout, req))
	defer cancel()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return "", &Error{Backend: sortera.BackendLlamaCPP, Kind: sortera.KindTimeout, Message: "timed out waiting for the model", Err: err}
	}
	defer l.sem.Release(1)

	f, err := os.CreateTemp("", "sortera-*.jpg")
	if err != nil {
		return "", &Error{Backend: sortera.BackendLlamaCPP, Kind: sortera.KindUnknown, Message: fmt.Sprintf("temp file: %v", err), Err: err}
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(req.JPEG); err != nil {
		f.Close()
		return "", &Error{Backend: sortera.BackendLlamaCPP, Kind: sortera.KindUnknown, Message: fmt.Sprintf("write temp: %v", err), Err: err}
	}
	if err := f.Close(); err != nil {
		return "", &Error{Backend: sortera.BackendLlamaCPP, Kind: sortera.KindUnknown, Message: fmt.Sprintf("close temp: %v", err), Err: err}
	}

	args := []string{
		"-m", l.c.ModelPath,
		"--mmproj", l.c.ProjectorPath,
		"--image", f.Name(),
		"--temp", strconv.FormatFloat(req.Temperature, 'f', 2, 64),
		"-p", req.Prompt,
	}
	klog.V(1).Infof("running %s for %s", l.c.Binary, req.Image.Path)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, l.c.Binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &Error{Backend: sortera.BackendLlamaCPP, Kind: sortera.KindTimeout, Message: "inference timed out", Err: ctx.Err()}
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return "", &Error{Backend: sortera.BackendLlamaCPP, Kind: sortera.KindUnknown, Message: fmt.Sprintf("%v: %s", err, msg), Err: err}
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return "", &Error{Backend: sortera.BackendLlamaCPP, Kind: sortera.KindUnknown, Message: "no output"}
	}
	return out, nil
}
