// Package metadata writes analysis results into images and XMP sidecars.
package metadata

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/barasher/go-exiftool"
	"k8s.io/klog/v2"

	"github.com/tstromberg/sortera/pkg/sortera"
)

// ErrClosed is returned for writes after Close.
var ErrClosed = errors.New("metadata writer is closed")

// Tool is the subset of exiftool used by the writer.
type Tool interface {
	ExtractMetadata(files ...string) []exiftool.FileMetadata
	WriteMetadata(fms []exiftool.FileMetadata)
	Close() error
}

// OpenExiftool starts a long-lived exiftool process.
func OpenExiftool(path string) (*exiftool.Exiftool, error) {
	opts := []func(*exiftool.Exiftool) error{
		exiftool.PrintGroupNames("1"),
		exiftool.NoPrintConversion(),
		exiftool.Charset("filename=utf8"),
	}
	if path != "" {
		opts = append(opts, exiftool.SetExiftoolBinaryPath(path))
	}
	et, err := exiftool.NewExiftool(opts...)
	if err != nil {
		return nil, fmt.Errorf("exiftool: %w", err)
	}
	return et, nil
}

// Writer batches metadata writes through a single exiftool process.
type Writer struct {
	tool Tool
	c    sortera.MetadataConfig

	mu     sync.RWMutex
	closed bool
	reqs   chan *request
	done   chan struct{}

	// backedUp is only touched by the batcher goroutine.
	backedUp map[string]string
}

type request struct {
	img   sortera.ImageRecord
	res   *sortera.AnalysisResult
	reply chan sortera.MetadataWriteOutcome
}

// item is one request as it moves through a flush.
type item struct {
	req    *request
	target sortera.Target
	path   string
	plan   plan
	fm     exiftool.FileMetadata
	backup string
	err    error
}

// Open starts exiftool and returns a writer that owns it.
func Open(c sortera.MetadataConfig) (*Writer, error) {
	et, err := OpenExiftool(c.ExiftoolPath)
	if err != nil {
		return nil, err
	}
	return New(et, c), nil
}

// New returns a writer using tool. The writer closes tool on Close.
func New(tool Tool, c sortera.MetadataConfig) *Writer {
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 250 * time.Millisecond
	}
	if c.Target == "" {
		c.Target = sortera.TargetAuto
	}

	w := &Writer{
		tool:     tool,
		c:        c,
		reqs:     make(chan *request),
		done:     make(chan struct{}),
		backedUp: map[string]string{},
	}
	go w.loop()
	return w
}

// Enqueue queues res for img and returns a channel that receives the outcome once its batch
// has been written. Callers are free to queue more work while the batch fills up.
func (w *Writer) Enqueue(img sortera.ImageRecord, res *sortera.AnalysisResult) <-chan sortera.MetadataWriteOutcome {
	reply := make(chan sortera.MetadataWriteOutcome, 1)
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		reply <- sortera.MetadataWriteOutcome{Image: img, Error: ErrClosed.Error()}
		return reply
	}
	w.reqs <- &request{img: img, res: res, reply: reply}
	return reply
}

// Write persists res for img and blocks until its batch has been written.
func (w *Writer) Write(img sortera.ImageRecord, res *sortera.AnalysisResult) sortera.MetadataWriteOutcome {
	return <-w.Enqueue(img, res)
}

// Close flushes outstanding batches and stops exiftool.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.reqs)
	w.mu.Unlock()

	<-w.done
	return w.tool.Close()
}

// loop collects requests into batches of BatchSize, or whatever arrived within FlushInterval.
func (w *Writer) loop() {
	defer close(w.done)

	var batch []*request
	var tick <-chan time.Time
	for {
		select {
		case r, ok := <-w.reqs:
			if !ok {
				w.flush(batch)
				return
			}
			batch = append(batch, r)
			if len(batch) == 1 {
				tick = time.After(w.c.FlushInterval)
			}
			if len(batch) >= w.c.BatchSize {
				w.flush(batch)
				batch, tick = nil, nil
			}
		case <-tick:
			w.flush(batch)
			batch, tick = nil, nil
		}
	}
}

// flush writes one batch. Embedded targets that cannot be written fall back to sidecars.
func (w *Writer) flush(batch []*request) {
	if len(batch) == 0 {
		return
	}
	klog.V(1).Infof("writing metadata batch of %d", len(batch))

	items := make([]*item, 0, len(batch))
	for _, r := range batch {
		items = append(items, &item{req: r, target: TargetFor(w.c.Target, r.img.Path)})
	}
	w.attempt(items)

	var fallback []*item
	for _, it := range items {
		if it.err != nil && it.target == sortera.Embedded && !errors.Is(it.err, exiftool.ErrNotExist) {
			klog.Warningf("embedded write to %s failed, falling back to sidecar: %v", it.req.img.Path, it.err)
			it.target = sortera.Sidecar
			fallback = append(fallback, it)
		}
	}
	w.attempt(fallback)

	fellBack := map[*item]bool{}
	for _, it := range fallback {
		fellBack[it] = true
	}

	for _, it := range items {
		out := sortera.MetadataWriteOutcome{
			Image:          it.req.img,
			Target:         it.target,
			TargetPath:     it.path,
			FieldsWritten:  it.plan.names,
			DerivedRating:  it.plan.derived,
			StarRating:     it.plan.stars,
			ExistingRating: it.plan.existing,
			GalleryTagged:  it.plan.galleryTagged,
			FellBack:       fellBack[it],
			BackupPath:     it.backup,
			Succeeded:      it.err == nil,
		}
		if it.err != nil {
			out.Error = it.err.Error()
			out.FieldsWritten = nil
			klog.Errorf("unable to write metadata for %s: %v", it.req.img.Path, it.err)
		}
		it.req.reply <- out
	}
}

// attempt writes items to their current target.
func (w *Writer) attempt(items []*item) {
	if len(items) == 0 {
		return
	}

	var ready []*item
	for _, it := range items {
		it.err = nil
		it.path = it.req.img.Path
		if it.target == sortera.Sidecar {
			it.path = SidecarPath(it.req.img.Path)
			if err := ensureSidecar(it.path); err != nil {
				it.err = err
				continue
			}
		} else if w.c.BackupDir != "" {
			if err := w.backup(it); err != nil {
				it.err = err
				continue
			}
		}
		ready = append(ready, it)
	}

	// Images sharing a target, such as photo.jpg and photo.cr2 with one photo.xmp, are written
	// in separate rounds so each merge sees the previous write.
	for len(ready) > 0 {
		var round, later []*item
		seen := map[string]bool{}
		for _, it := range ready {
			if seen[it.path] {
				later = append(later, it)
				continue
			}
			seen[it.path] = true
			round = append(round, it)
		}
		w.write(round)
		ready = later
	}
}

// write merges and writes items with distinct targets, retrying busy files with exponential backoff.
func (w *Writer) write(ready []*item) {
	existing := w.readExisting(ready)
	for _, it := range ready {
		rating := existingRating(existing[it.path])
		if it.target == sortera.Sidecar {
			rating = max(rating, existingRating(existing[it.req.img.Path]))
		}
		it.plan = w.buildPlan(it.req.res, it.target, existing[it.path], rating)
		it.fm = exiftool.EmptyFileMetadata()
		it.fm.File = it.path
		for k, v := range it.plan.fields {
			it.fm.Fields[k] = v
		}
	}

	pending := ready
	delay := w.c.RetryDelay
	for try := 0; ; try++ {
		fms := make([]exiftool.FileMetadata, len(pending))
		for i, it := range pending {
			fms[i] = it.fm
		}
		w.tool.WriteMetadata(fms)

		var retry []*item
		for i, it := range pending {
			it.err = fms[i].Err
			if it.err != nil && busy(it.err) && try < w.c.Retries {
				retry = append(retry, it)
			}
		}
		if len(retry) == 0 {
			return
		}
		klog.Warningf("%d files busy, retrying in %s (attempt %d of %d)", len(retry), delay, try+1, w.c.Retries)
		time.Sleep(delay)
		delay *= 2
		pending = retry
	}
}

// readExisting reads the current fields of every target, plus originals of sidecar targets.
func (w *Writer) readExisting(items []*item) map[string]map[string]any {
	seen := map[string]bool{}
	var paths []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for _, it := range items {
		add(it.path)
		if it.target == sortera.Sidecar {
			if _, err := os.Stat(it.req.img.Path); err == nil {
				add(it.req.img.Path)
			}
		}
	}

	out := map[string]map[string]any{}
	for _, fm := range w.tool.ExtractMetadata(paths...) {
		if fm.Err != nil {
			klog.V(1).Infof("unable to read existing metadata from %s: %v", fm.File, fm.Err)
			continue
		}
		out[fm.File] = fm.Fields
	}
	return out
}

func (w *Writer) backup(it *item) error {
	if p, ok := w.backedUp[it.req.img.Path]; ok {
		it.backup = p
		return nil
	}
	p, err := backup(w.c.BackupDir, it.req.img)
	if err != nil {
		return err
	}
	w.backedUp[it.req.img.Path] = p
	it.backup = p
	return nil
}

// busy is true for errors that may clear up if we wait, such as a file held open by a catalog application.
func busy(err error) bool {
	s := strings.ToLower(err.Error())
	for _, m := range []string{"locked", "in use", "being used", "permission denied", "busy", "temporarily unavailable"} {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
