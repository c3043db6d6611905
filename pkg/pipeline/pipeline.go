// Package pipeline runs curation, analysis and metadata writes over a photo library.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/tstromberg/sortera/pkg/backend"
	"github.com/tstromberg/sortera/pkg/curate"
	"github.com/tstromberg/sortera/pkg/metadata"
	"github.com/tstromberg/sortera/pkg/prompt"
	"github.com/tstromberg/sortera/pkg/quality"
	"github.com/tstromberg/sortera/pkg/sortera"
)

// ErrUnknownRun is returned for run IDs the orchestrator has never seen.
var ErrUnknownRun = errors.New("unknown run")

// Writer persists analysis results. metadata.Writer implements it.
type Writer interface {
	// Enqueue queues a write and returns a channel receiving its outcome.
	Enqueue(img sortera.ImageRecord, res *sortera.AnalysisResult) <-chan sortera.MetadataWriteOutcome
	Close() error
}

// Input describes what a run should process.
type Input struct {
	Root string
	// Images is an explicit list of paths. When nil, Root is searched.
	Images []string
	// CurateOnly stops after curation, without analysis or writes.
	CurateOnly bool
	// Progress is called from a single goroutine after each image completes.
	Progress func(Event)
}

// Event reports progress of a run.
type Event struct {
	RunID     string
	State     State
	Processed int
	Total     int
	Image     sortera.ImageRecord
	Outcome   *sortera.ImageOutcome
}

// Orchestrator runs the pipeline and keeps track of runs.
type Orchestrator struct {
	Config *sortera.Config

	// Optional overrides, built from Config when nil.
	Backend    backend.Backend
	Scorer     curate.Scorer
	Hasher     curate.Hasher
	OpenWriter func() (Writer, error)

	// Skip returns a non-empty reason to leave a discovered image out of the run.
	Skip func(sortera.ImageRecord) string
	// Record is called from the accumulator after each image, before Input.Progress.
	Record func(runID string, out sortera.ImageOutcome)

	mu   sync.RWMutex
	runs map[string]*Run
}

// New returns an orchestrator for c.
func New(c *sortera.Config) *Orchestrator {
	return &Orchestrator{Config: c, runs: map[string]*Run{}}
}

// Run is a single pipeline execution.
type Run struct {
	ID string

	mu        sync.RWMutex
	state     State
	processed int
	total     int
	startedAt time.Time

	cancel  context.CancelFunc
	done    chan struct{}
	summary *Summary
}

// State returns the current state of the run.
func (r *Run) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Progress returns how many images have completed out of how many were selected.
func (r *Run) Progress() (processed int, total int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.processed, r.total
}

// StartedAt returns when the run was created.
func (r *Run) StartedAt() time.Time {
	return r.startedAt
}

// Done is closed once the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run is finished and returns its summary.
func (r *Run) Wait() *Summary {
	<-r.done
	return r.summary
}

// Summary returns the summary of a finished run.
func (r *Run) Summary() (*Summary, bool) {
	select {
	case <-r.done:
		return r.summary, true
	default:
		return nil, false
	}
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	klog.V(1).Infof("run %s: %s -> %s", r.ID, r.state, s)
	r.state = s
}

// prepared holds everything resolved during preflight.
type prepared struct {
	backend  backend.Backend
	selector *curate.Selector
	builder  *prompt.Builder
	writer   Writer
}

// Start validates the configuration and dependencies, then processes the input in the background.
// Preflight failures return the FAILED run along with the error.
func (o *Orchestrator) Start(ctx context.Context, in Input) (*Run, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &Run{
		ID:        uuid.New().String(),
		state:     Idle,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	cfg := *o.Config
	cfg.Backend.APIKey = ""
	r.summary = &Summary{
		RunID:     r.ID,
		State:     Idle,
		Root:      in.Root,
		Config:    cfg,
		Durations: map[State]time.Duration{},
		StartedAt: r.startedAt,
	}

	o.mu.Lock()
	if o.runs == nil {
		o.runs = map[string]*Run{}
	}
	o.runs[r.ID] = r
	o.mu.Unlock()

	klog.Infof("run %s: starting on %s", r.ID, in.Root)
	p, err := o.preflight(ctx, in)
	if err != nil {
		klog.Errorf("run %s: preflight failed: %v", r.ID, err)
		r.setState(Failed)
		r.summary.finish(Failed, err)
		close(r.done)
		cancel()
		return r, err
	}

	go o.execute(runCtx, r, in, p)
	return r, nil
}

// Run processes the input and waits for the result.
func (o *Orchestrator) Run(ctx context.Context, in Input) (*Summary, error) {
	r, err := o.Start(ctx, in)
	if err != nil {
		return r.Wait(), err
	}

	select {
	case <-r.Done():
	case <-ctx.Done():
		r.cancel()
	}
	return r.Wait(), nil
}

// Cancel stops dispatching new images for a run. Images already in flight are completed.
func (o *Orchestrator) Cancel(id string) error {
	r, ok := o.Get(id)
	if !ok {
		return fmt.Errorf("cancel %s: %w", id, ErrUnknownRun)
	}
	klog.Infof("run %s: cancellation requested", id)
	r.cancel()
	return nil
}

// Get returns a run by ID.
func (o *Orchestrator) Get(id string) (*Run, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[id]
	return r, ok
}

// Runs returns every known run, oldest first.
func (o *Orchestrator) Runs() []*Run {
	o.mu.RLock()
	rs := make([]*Run, 0, len(o.runs))
	for _, r := range o.runs {
		rs = append(rs, r)
	}
	o.mu.RUnlock()

	slices.SortFunc(rs, func(a, b *Run) int {
		return a.startedAt.Compare(b.startedAt)
	})
	return rs
}

// preflight resolves every dependency of a run. Nothing is processed if it fails.
func (o *Orchestrator) preflight(ctx context.Context, in Input) (*prepared, error) {
	c := o.Config
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if in.Images == nil {
		if err := sortera.ValidateRoot(in.Root); err != nil {
			return nil, err
		}
	}
	if _, _, err := prompt.Lookup(c.Prompt.Perspective, c.Prompt.Goal); err != nil {
		return nil, err
	}

	p := &prepared{builder: prompt.NewBuilder(c)}

	scorer := o.Scorer
	if scorer == nil && !c.Curation.Disabled {
		s, err := quality.New(c.Quality)
		if err != nil {
			return nil, err
		}
		scorer = s
	}
	p.selector = curate.NewSelector(c, scorer)
	p.selector.Hasher = o.Hasher

	if in.CurateOnly {
		return p, nil
	}

	p.backend = o.Backend
	if p.backend == nil {
		b, err := backend.New(ctx, c.Backend)
		if err != nil {
			return nil, err
		}
		p.backend = b
	}

	if err := p.backend.Preflight(ctx); err != nil {
		if backend.KindOf(err).Fatal() {
			return nil, fmt.Errorf("preflight %s: %w", p.backend.Name(), err)
		}
		klog.Warningf("preflight %s: %v (continuing)", p.backend.Name(), err)
	}

	open := o.OpenWriter
	if open == nil {
		open = func() (Writer, error) { return metadata.Open(c.Metadata) }
	}
	w, err := open()
	if err != nil {
		return nil, fmt.Errorf("metadata writer: %w", err)
	}
	p.writer = w
	return p, nil
}

// execute runs every stage after a successful preflight. It owns r.summary until r.done is closed.
func (o *Orchestrator) execute(ctx context.Context, r *Run, in Input, p *prepared) {
	s := r.summary
	defer close(r.done)
	defer r.cancel()

	state, err := o.stages(ctx, r, in, p)
	if p.writer != nil {
		if cerr := p.writer.Close(); cerr != nil {
			klog.Errorf("run %s: closing metadata writer: %v", r.ID, cerr)
		}
	}

	s.finish(state, err)
	r.setState(state)
	klog.Infof("run %s: %s: %d analyzed, %d failed, %d written, %d not started", r.ID, state,
		s.Counts.AnalyzedOK, s.Counts.AnalyzedFailed, s.Counts.WrittenOK, s.Counts.NotStarted)
}

func (o *Orchestrator) stages(ctx context.Context, r *Run, in Input, p *prepared) (State, error) {
	s := r.summary

	r.setState(Curating)
	start := time.Now()
	images, err := o.discover(in)
	if err != nil {
		return Failed, err
	}
	s.Counts.Discovered = len(images)
	images = o.skip(images, s)

	cur, err := p.selector.Select(ctx, images)
	s.Durations[Curating] = time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			s.Counts.NotStarted = len(images)
			return Cancelled, nil
		}
		return Failed, fmt.Errorf("curate: %w", err)
	}

	s.Decisions = cur.Decisions
	s.ScoringErrors = cur.Errors
	s.Counts.ScoringFailed = len(cur.Errors)
	if !o.Config.Curation.Disabled {
		s.Counts.Scored = len(cur.Decisions)
	}
	s.Counts.CuratedIn = len(cur.Selected)

	if in.CurateOnly {
		return Completed, nil
	}
	return o.analyze(ctx, r, in, p, cur)
}

// discover returns the images of a run, either searched from the root or taken from an explicit list.
func (o *Orchestrator) discover(in Input) ([]sortera.ImageRecord, error) {
	if in.Images == nil {
		is, err := sortera.Find(in.Root, o.Config.FindOptions())
		if err != nil {
			return nil, fmt.Errorf("find: %w", err)
		}
		return is, nil
	}

	var is []sortera.ImageRecord
	seen := map[string]bool{}
	for _, path := range in.Images {
		i, err := sortera.NewImageRecord(in.Root, path, o.Config.Hash)
		if err != nil {
			klog.Warningf("skipping %s: %v", path, err)
			continue
		}
		if seen[i.Path] {
			klog.V(1).Infof("ignoring duplicate %s", path)
			continue
		}
		seen[i.Path] = true
		is = append(is, i)
	}
	return is, nil
}

func (o *Orchestrator) skip(images []sortera.ImageRecord, s *Summary) []sortera.ImageRecord {
	if o.Skip == nil {
		return images
	}
	kept := images[:0:0]
	for _, i := range images {
		if reason := o.Skip(i); reason != "" {
			klog.V(1).Infof("skipping %s: %s", i.Path, reason)
			s.Counts.Skipped++
			continue
		}
		kept = append(kept, i)
	}
	return kept
}

// analyze dispatches the selected images to a bounded pool of workers.
func (o *Orchestrator) analyze(ctx context.Context, r *Run, in Input, p *prepared, cur *curate.Result) (State, error) {
	s := r.summary
	_, workers := o.Config.Workers()
	selected := cur.Selected

	r.mu.Lock()
	r.total = len(selected)
	r.mu.Unlock()
	r.setState(Analyzing)
	klog.Infof("run %s: analyzing %d images with %d workers using %s", r.ID, len(selected), workers, p.backend.Name())

	// In-flight units are not interrupted by cancellation; each backend call has its own timeout.
	workCtx := context.WithoutCancel(ctx)

	// A worker announces itself on idle before each job, so an image is only handed over
	// once the dispatcher has seen that the run is still live.
	idle := make(chan struct{})
	stop := make(chan struct{})
	jobs := make(chan sortera.ImageRecord)
	results := make(chan sortera.ImageOutcome)
	// writes tracks outcomes waiting for their metadata batch, so workers can move on.
	var wg, writes sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case idle <- struct{}{}:
				case <-stop:
					return
				}
				img, ok := <-jobs
				if !ok {
					return
				}
				out, pending := o.process(workCtx, p, cur, img)
				if pending == nil {
					results <- out
					continue
				}
				writes.Add(1)
				go func() {
					defer writes.Done()
					w := <-pending
					out.Write = &w
					results <- out
				}()
			}
		}()
	}

	accumulated := make(chan struct{})
	go func() {
		defer close(accumulated)
		for out := range results {
			s.add(out)
			r.mu.Lock()
			r.processed++
			ev := Event{RunID: r.ID, State: r.state, Processed: r.processed, Total: r.total, Image: out.Image, Outcome: &out}
			r.mu.Unlock()
			klog.V(1).Infof("run %s: %d/%d %s", r.ID, ev.Processed, ev.Total, out.Image.Path)
			if o.Record != nil {
				o.Record(r.ID, out)
			}
			if in.Progress != nil {
				in.Progress(ev)
			}
		}
	}()

	start := time.Now()
	started := 0
dispatch:
	for _, img := range selected {
		select {
		case <-ctx.Done():
			break dispatch
		case <-idle:
		}
		if ctx.Err() != nil {
			break
		}
		jobs <- img
		started++
	}
	close(stop)
	close(jobs)
	s.Durations[Analyzing] = time.Since(start)

	r.setState(Writing)
	start = time.Now()
	wg.Wait()
	writes.Wait()
	close(results)
	<-accumulated
	s.Durations[Writing] = time.Since(start)

	s.Counts.NotStarted = len(selected) - started
	if started < len(selected) {
		return Cancelled, nil
	}
	return Completed, nil
}

// process analyzes one image and queues its metadata write, whose outcome arrives on the
// returned channel. Failures are recorded in the outcome and return a nil channel.
func (o *Orchestrator) process(ctx context.Context, p *prepared, cur *curate.Result, img sortera.ImageRecord) (sortera.ImageOutcome, <-chan sortera.MetadataWriteOutcome) {
	out := sortera.ImageOutcome{Image: img}
	if d, ok := cur.Decision(img.Path); ok {
		out.Decision = &d
	}

	c := o.Config
	req, err := p.builder.Build(c.Prompt.Perspective, c.Prompt.Goal, img)
	if err != nil {
		klog.Warningf("unable to build request for %s: %v", img.Path, err)
		out.Failure = &sortera.AnalysisFailure{Image: img, Kind: sortera.KindMalformedInput, Reason: err.Error()}
		return out, nil
	}

	raw, attempts, err := o.call(ctx, p.backend, req)
	if err != nil {
		klog.Warningf("unable to analyze %s after %d attempts: %v", img.Path, attempts, err)
		out.Failure = &sortera.AnalysisFailure{Image: img, Kind: backend.KindOf(err), Reason: err.Error(), Attempts: attempts}
		return out, nil
	}

	res, fail := prompt.Parse(raw, req, p.backend.Name())
	if fail != nil {
		fail.Attempts = attempts
		klog.Warningf("unable to parse reply for %s: %s", img.Path, fail.Reason)
		out.Failure = fail
		return out, nil
	}
	out.Analysis = res
	return out, p.writer.Enqueue(img, res)
}

// call invokes the backend, retrying rate limits and, if configured, transient failures.
func (o *Orchestrator) call(ctx context.Context, b backend.Backend, req *prompt.Request) (string, int, error) {
	c := o.Config.Backend
	delay := c.RetryDelay
	for attempt := 1; ; attempt++ {
		raw, err := b.Analyze(ctx, req)
		if err == nil {
			return raw, attempt, nil
		}

		retries := 0
		switch backend.KindOf(err) {
		case sortera.KindRateLimit:
			retries = c.RateLimitRetries
		case sortera.KindTimeout, sortera.KindUnavailable, sortera.KindUnknown:
			if c.RetryTransient {
				retries = c.RateLimitRetries
			}
		}
		if attempt > retries {
			return "", attempt, err
		}

		wait := delay
		var be *backend.Error
		if errors.As(err, &be) && be.RetryAfter > wait {
			wait = be.RetryAfter
		}
		klog.Warningf("%s: %v, retrying in %s (attempt %d of %d)", req.Image.Path, err, wait, attempt, retries+1)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", attempt, err
		case <-t.C:
		}
		delay *= 2
	}
}
