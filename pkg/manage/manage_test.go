package manage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tstromberg/sortera/pkg/pipeline"
	"github.com/tstromberg/sortera/pkg/prompt"
	"github.com/tstromberg/sortera/pkg/sortera"
)

type fakeBackend struct {
	gate    chan struct{}
	started chan struct{}
}

func (b *fakeBackend) Name() string                    { return "fake/model" }
func (b *fakeBackend) Preflight(context.Context) error { return nil }

func (b *fakeBackend) Analyze(context.Context, *prompt.Request) (string, error) {
	if b.started != nil {
		b.started <- struct{}{}
	}
	if b.gate != nil {
		<-b.gate
	}
	return `{"category": "Thing", "subcategory": "Object", "tags": ["cup"], "score": 5}`, nil
}

type fakeWriter struct{}

func (fakeWriter) Enqueue(img sortera.ImageRecord, _ *sortera.AnalysisResult) <-chan sortera.MetadataWriteOutcome {
	ch := make(chan sortera.MetadataWriteOutcome, 1)
	ch <- sortera.MetadataWriteOutcome{Image: img, Target: sortera.Sidecar, StarRating: 3, Succeeded: true}
	return ch
}

func (fakeWriter) Close() error { return nil }

func makeLibrary(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 16, 16)), nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	for i := range n {
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("img%d.jpg", i)), buf.Bytes(), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return dir
}

func newServer(t *testing.T, b *fakeBackend, workers int) *httptest.Server {
	t.Helper()
	c := sortera.DefaultConfig()
	c.Curation.Disabled = true
	c.Concurrency.AnalysisWorkers = workers
	o := pipeline.New(c)
	o.Backend = b
	o.OpenWriter = func() (pipeline.Writer, error) { return fakeWriter{}, nil }

	ts := httptest.NewServer(New(o, "", nil).Routes())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method string, url string, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	bs, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp.StatusCode, bs
}

func decode(t *testing.T, bs []byte) RunStatus {
	t.Helper()
	var st RunStatus
	if err := json.Unmarshal(bs, &st); err != nil {
		t.Fatalf("unmarshal %s: %v", bs, err)
	}
	return st
}

func waitState(t *testing.T, url string, want func(pipeline.State) bool) RunStatus {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		code, bs := do(t, http.MethodGet, url, "")
		if code != http.StatusOK {
			t.Fatalf("GET %s = %d: %s", url, code, bs)
		}
		st := decode(t, bs)
		if want(st.State) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("run stuck in %s", st.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	ts := newServer(t, &fakeBackend{}, 1)
	code, bs := do(t, http.MethodGet, ts.URL+"/health", "")
	if code != http.StatusOK || string(bs) != "OK" {
		t.Errorf("health = %d %q", code, bs)
	}
}

func TestStartAndStatus(t *testing.T) {
	t.Parallel()

	ts := newServer(t, &fakeBackend{}, 2)
	root := makeLibrary(t, 3)

	code, bs := do(t, http.MethodPost, ts.URL+"/api/v1/runs", fmt.Sprintf(`{"root": %q}`, root))
	if code != http.StatusAccepted {
		t.Fatalf("POST = %d: %s", code, bs)
	}
	st := decode(t, bs)
	if st.ID == "" {
		t.Fatalf("no run id in %s", bs)
	}

	st = waitState(t, ts.URL+"/api/v1/runs/"+st.ID, pipeline.State.Terminal)
	if st.State != pipeline.Completed || st.Summary == nil {
		t.Fatalf("status = %+v", st)
	}
	if st.Summary.Counts.AnalyzedOK != 3 || st.Processed != 3 || st.Total != 3 {
		t.Errorf("counts = %+v, progress %d/%d", st.Summary.Counts, st.Processed, st.Total)
	}

	code, bs = do(t, http.MethodGet, ts.URL+"/api/v1/runs", "")
	if code != http.StatusOK {
		t.Fatalf("GET runs = %d", code)
	}
	var list []RunStatus
	if err := json.Unmarshal(bs, &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 1 || list[0].ID != st.ID || list[0].Summary != nil {
		t.Errorf("list = %+v", list)
	}
}

func TestStartErrors(t *testing.T) {
	t.Parallel()

	ts := newServer(t, &fakeBackend{}, 1)
	tests := []struct {
		name  string
		body  string
		want  int
		state pipeline.State
	}{
		{name: "bad json", body: `{"root":`, want: http.StatusBadRequest},
		{name: "no root", body: `{}`, want: http.StatusBadRequest},
		{name: "missing root", body: `{"root": "/does/not/exist"}`, want: http.StatusBadRequest, state: pipeline.Failed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, bs := do(t, http.MethodPost, ts.URL+"/api/v1/runs", tc.body)
			if code != tc.want {
				t.Errorf("POST = %d, want %d: %s", code, tc.want, bs)
			}
			if tc.state != "" {
				if st := decode(t, bs); st.State != tc.state || st.Error == "" {
					t.Errorf("status = %+v", st)
				}
			}
		})
	}
}

func TestConflictAndCancel(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{gate: make(chan struct{}), started: make(chan struct{}, 3)}
	ts := newServer(t, b, 1)
	root := makeLibrary(t, 3)

	code, bs := do(t, http.MethodPost, ts.URL+"/api/v1/runs", fmt.Sprintf(`{"root": %q}`, root))
	if code != http.StatusAccepted {
		t.Fatalf("POST = %d: %s", code, bs)
	}
	id := decode(t, bs).ID
	<-b.started

	if code, bs := do(t, http.MethodPost, ts.URL+"/api/v1/runs", fmt.Sprintf(`{"root": %q}`, root)); code != http.StatusConflict {
		t.Errorf("second POST = %d, want %d: %s", code, http.StatusConflict, bs)
	}

	if code, bs := do(t, http.MethodDelete, ts.URL+"/api/v1/runs/"+id, ""); code != http.StatusAccepted {
		t.Errorf("DELETE = %d: %s", code, bs)
	}
	waitState(t, ts.URL+"/api/v1/runs/"+id, func(s pipeline.State) bool { return s == pipeline.Writing })
	close(b.gate)

	st := waitState(t, ts.URL+"/api/v1/runs/"+id, pipeline.State.Terminal)
	if st.State != pipeline.Cancelled {
		t.Errorf("state = %s, want %s", st.State, pipeline.Cancelled)
	}
	if c := st.Summary.Counts; c.AnalyzedOK != 1 || c.NotStarted != 2 {
		t.Errorf("counts = %+v", c)
	}
}

func TestUnknownRun(t *testing.T) {
	t.Parallel()

	ts := newServer(t, &fakeBackend{}, 1)
	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		if code, _ := do(t, method, ts.URL+"/api/v1/runs/nope", ""); code != http.StatusNotFound {
			t.Errorf("%s unknown run = %d, want %d", method, code, http.StatusNotFound)
		}
	}
}
