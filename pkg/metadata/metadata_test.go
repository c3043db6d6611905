package metadata

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/barasher/go-exiftool"

	"github.com/tstromberg/sortera/pkg/sortera"
)

// fakeTool stores fields in memory the way exiftool replaces them: one value or one list per tag.
type fakeTool struct {
	mu     sync.Mutex
	files  map[string]map[string]any
	busy   map[string]int
	fail   map[string]string
	writes int
	closed bool
}

func newFakeTool() *fakeTool {
	return &fakeTool{files: map[string]map[string]any{}, busy: map[string]int{}, fail: map[string]string{}}
}

func (f *fakeTool) ExtractMetadata(files ...string) []exiftool.FileMetadata {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]exiftool.FileMetadata, len(files))
	for i, p := range files {
		out[i].File = p
		if _, err := os.Stat(p); err != nil {
			out[i].Err = exiftool.ErrNotExist
			continue
		}
		out[i].Fields = map[string]any{"SourceFile": p}
		maps.Copy(out[i].Fields, f.files[p])
	}
	return out
}

func (f *fakeTool) WriteMetadata(fms []exiftool.FileMetadata) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writes++
	for i, fm := range fms {
		fms[i].Err = nil
		if _, err := os.Stat(fm.File); err != nil {
			fms[i].Err = exiftool.ErrNotExist
			continue
		}
		if f.busy[fm.File] > 0 {
			f.busy[fm.File]--
			fms[i].Err = errors.New("Error writing metadata: Error renaming temporary file: file is locked")
			continue
		}
		if msg, ok := f.fail[fm.File]; ok {
			fms[i].Err = errors.New(msg)
			continue
		}
		if f.files[fm.File] == nil {
			f.files[fm.File] = map[string]any{}
		}
		maps.Copy(f.files[fm.File], fm.Fields)
	}
}

func (f *fakeTool) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTool) field(path string, tag string) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[path][tag]
}

func (f *fakeTool) list(path string, tag string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	vs, err := exiftool.FileMetadata{Fields: f.files[path]}.GetStrings(tag)
	if err != nil {
		return nil
	}
	return vs
}

func testConfig() sortera.MetadataConfig {
	c := sortera.DefaultConfig().Metadata
	c.FlushInterval = 5 * time.Millisecond
	c.RetryDelay = time.Millisecond
	return c
}

func makeImage(t *testing.T, dir string, name string) sortera.ImageRecord {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8)), nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return sortera.ImageRecord{Path: p, RelPath: name}
}

func analysis(score int) *sortera.AnalysisResult {
	return &sortera.AnalysisResult{
		Category:         "Place",
		Subcategory:      "Beach",
		Tags:             []string{"Nature", "Wildlife", "Birds", "Golden-Hour"},
		HierarchicalTags: [][]string{{"Nature", "Wildlife", "Birds"}},
		Score:            score,
		Critique:         "Strong diagonal composition with warm, even light.",
	}
}

func TestDeriveRating(t *testing.T) {
	t.Parallel()

	for score, want := range map[int]int{0: 1, 1: 1, 2: 1, 3: 2, 4: 2, 7: 4, 8: 4, 9: 5, 10: 5, 12: 5} {
		if got := DeriveRating(score); got != want {
			t.Errorf("DeriveRating(%d) = %d, want %d", score, got, want)
		}
	}
}

func TestTargetFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode string
		path string
		want sortera.Target
	}{
		{sortera.TargetAuto, "/p/a.JPG", sortera.Embedded},
		{sortera.TargetAuto, "/p/a.dng", sortera.Embedded},
		{sortera.TargetAuto, "/p/a.cr2", sortera.Sidecar},
		{sortera.TargetAuto, "/p/a.webp", sortera.Sidecar},
		{sortera.TargetSidecar, "/p/a.jpg", sortera.Sidecar},
		{sortera.TargetEmbedded, "/p/a.nef", sortera.Embedded},
	}
	for _, tt := range tests {
		if got := TargetFor(tt.mode, tt.path); got != tt.want {
			t.Errorf("TargetFor(%s, %s) = %s, want %s", tt.mode, tt.path, got, tt.want)
		}
	}

	if got := SidecarPath("/p/IMG_0001.CR2"); got != "/p/IMG_0001.xmp" {
		t.Errorf("SidecarPath() = %s", got)
	}
}

func TestWriteGallery(t *testing.T) {
	t.Parallel()

	ft := newFakeTool()
	w := New(ft, testConfig())
	img := makeImage(t, t.TempDir(), "beach.jpg")

	out := w.Write(img, analysis(9))
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if !out.Succeeded || out.Target != sortera.Embedded || out.TargetPath != img.Path {
		t.Fatalf("outcome = %+v", out)
	}
	if out.StarRating != 5 || out.DerivedRating != 5 || !out.GalleryTagged {
		t.Errorf("rating = %d/%d gallery=%v, want 5/5 true", out.StarRating, out.DerivedRating, out.GalleryTagged)
	}

	wantFlat := []string{"Place", "Beach", "Nature", "Wildlife", "Birds", "Golden-Hour", "GALLERY"}
	for _, tag := range []string{TagKeywords, TagSubject} {
		if got := ft.list(img.Path, tag); !reflect.DeepEqual(got, wantFlat) {
			t.Errorf("%s = %q, want %q", tag, got, wantFlat)
		}
	}
	if got := ft.list(img.Path, TagHierarchical); !reflect.DeepEqual(got, []string{"Place|Beach", "Nature|Wildlife|Birds"}) {
		t.Errorf("%s = %q", TagHierarchical, got)
	}
	if got := ft.field(img.Path, TagTitle); got != "Score: 9/10 | Rating: 5/5" {
		t.Errorf("%s = %v", TagTitle, got)
	}
	if got := ft.field(img.Path, TagRating); got != int64(5) {
		t.Errorf("%s = %v", TagRating, got)
	}
	if got := ft.field(img.Path, TagCharset); got != "UTF8" {
		t.Errorf("%s = %v", TagCharset, got)
	}
	if got := ft.field(img.Path, TagWeightedFlat); got != nil {
		t.Errorf("embedded write set %s = %v", TagWeightedFlat, got)
	}

	want := []string{TagCharset, TagKeywords, TagDescription, TagSubject, TagTitle, TagHierarchical, TagRating}
	slices.Sort(want)
	if !reflect.DeepEqual(out.FieldsWritten, want) {
		t.Errorf("FieldsWritten = %q, want %q", out.FieldsWritten, want)
	}
	if !ft.closed {
		t.Errorf("Close() did not close the tool")
	}
}

func TestWriteProtectsRating(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		existing    any
		score       int
		wantStars   int
		wantGallery bool
	}{
		{name: "four stars are kept", existing: float64(4), score: 3, wantStars: 4},
		{name: "five stars are kept and tagged", existing: "5", score: 2, wantStars: 5, wantGallery: true},
		{name: "three stars may be lowered", existing: float64(3), score: 3, wantStars: 2},
		{name: "higher derived rating wins", existing: float64(4), score: 10, wantStars: 5, wantGallery: true},
		{name: "unrated", existing: nil, score: 5, wantStars: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ft := newFakeTool()
			img := makeImage(t, t.TempDir(), "a.jpg")
			if tt.existing != nil {
				ft.files[img.Path] = map[string]any{TagRating: tt.existing}
			}

			w := New(ft, testConfig())
			out := w.Write(img, analysis(tt.score))
			w.Close()

			if !out.Succeeded {
				t.Fatalf("outcome = %+v", out)
			}
			if out.StarRating != tt.wantStars || out.GalleryTagged != tt.wantGallery {
				t.Errorf("stars = %d gallery = %v, want %d %v", out.StarRating, out.GalleryTagged, tt.wantStars, tt.wantGallery)
			}
			if got := ft.field(img.Path, TagRating); got != int64(tt.wantStars) {
				t.Errorf("stored rating = %v, want %d", got, tt.wantStars)
			}
			if hasGallery := slices.Contains(ft.list(img.Path, TagKeywords), "GALLERY"); hasGallery != tt.wantGallery {
				t.Errorf("GALLERY keyword = %v, want %v", hasGallery, tt.wantGallery)
			}
		})
	}
}

func TestWriteIdempotent(t *testing.T) {
	t.Parallel()

	for _, mode := range []string{sortera.TargetEmbedded, sortera.TargetSidecar} {
		t.Run(mode, func(t *testing.T) {
			t.Parallel()
			ft := newFakeTool()
			img := makeImage(t, t.TempDir(), "a.jpg")

			c := testConfig()
			c.Target = mode
			w := New(ft, c)
			defer w.Close()

			first := w.Write(img, analysis(7))
			ft.mu.Lock()
			after := map[string]any{}
			maps.Copy(after, ft.files[first.TargetPath])
			ft.mu.Unlock()

			second := w.Write(img, analysis(7))
			if !first.Succeeded || !second.Succeeded {
				t.Fatalf("outcomes = %+v, %+v", first, second)
			}
			ft.mu.Lock()
			defer ft.mu.Unlock()
			if !reflect.DeepEqual(after, ft.files[second.TargetPath]) {
				t.Errorf("second write changed fields:\n%v\n%v", after, ft.files[second.TargetPath])
			}
		})
	}
}

func TestWriteMergesKeywords(t *testing.T) {
	t.Parallel()

	ft := newFakeTool()
	img := makeImage(t, t.TempDir(), "a.jpg")
	ft.files[img.Path] = map[string]any{TagKeywords: []any{"Family", "café", "BEACH"}}

	w := New(ft, testConfig())
	res := analysis(5)
	res.Tags = append(res.Tags, "Cafe")
	w.Write(img, res)
	w.Close()

	want := []string{"Family", "café", "BEACH", "Place", "Nature", "Wildlife", "Birds", "Golden-Hour"}
	if got := ft.list(img.Path, TagKeywords); !reflect.DeepEqual(got, want) {
		t.Errorf("keywords = %q, want %q", got, want)
	}
}

func TestWriteCritiqueLength(t *testing.T) {
	t.Parallel()

	ft := newFakeTool()
	dir := t.TempDir()
	short := makeImage(t, dir, "short.jpg")
	long := makeImage(t, dir, "long.jpg")

	w := New(ft, testConfig())
	res := analysis(6)
	res.Critique = "Nice."
	sOut := w.Write(short, res)
	lOut := w.Write(long, analysis(6))
	w.Close()

	if slices.Contains(sOut.FieldsWritten, TagDescription) || ft.field(short.Path, TagDescription) != nil {
		t.Errorf("short critique was written")
	}
	if !slices.Contains(lOut.FieldsWritten, TagDescription) || ft.field(long.Path, TagDescription) == nil {
		t.Errorf("long critique was not written")
	}
}

func TestWriteBusyRetries(t *testing.T) {
	t.Parallel()

	ft := newFakeTool()
	img := makeImage(t, t.TempDir(), "a.jpg")
	ft.busy[img.Path] = 2

	w := New(ft, testConfig())
	out := w.Write(img, analysis(8))
	w.Close()

	if !out.Succeeded || out.FellBack || out.Target != sortera.Embedded {
		t.Errorf("outcome = %+v, want embedded success after retries", out)
	}
	if ft.writes != 3 {
		t.Errorf("WriteMetadata called %d times, want 3", ft.writes)
	}
}

func TestWriteFallsBackToSidecar(t *testing.T) {
	t.Parallel()

	ft := newFakeTool()
	img := makeImage(t, t.TempDir(), "a.jpg")
	ft.busy[img.Path] = 100
	ft.files[img.Path] = map[string]any{TagRating: int64(4)}

	w := New(ft, testConfig())
	out := w.Write(img, analysis(2))
	w.Close()

	sc := SidecarPath(img.Path)
	if !out.Succeeded || !out.FellBack || out.Target != sortera.Sidecar || out.TargetPath != sc {
		t.Fatalf("outcome = %+v, want sidecar fallback", out)
	}
	if out.StarRating != 4 {
		t.Errorf("StarRating = %d, want the original's protected 4", out.StarRating)
	}

	bs, err := os.ReadFile(sc)
	if err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
	if string(bs) != emptyPacket {
		t.Errorf("sidecar = %q", bs)
	}
	if got := ft.list(sc, TagWeightedFlat); len(got) == 0 {
		t.Errorf("sidecar has no %s", TagWeightedFlat)
	}
	if got := ft.field(sc, TagKeywords); got != nil {
		t.Errorf("sidecar has %s = %v", TagKeywords, got)
	}
}

func TestWriteSidecarFailure(t *testing.T) {
	t.Parallel()

	ft := newFakeTool()
	img := makeImage(t, t.TempDir(), "a.cr2")
	ft.fail[SidecarPath(img.Path)] = "Error: Not a valid XMP file"

	w := New(ft, testConfig())
	out := w.Write(img, analysis(8))
	w.Close()

	if out.Succeeded || out.Error == "" || out.FellBack {
		t.Errorf("outcome = %+v, want failure", out)
	}
	if ft.writes != 1 {
		t.Errorf("WriteMetadata called %d times, want 1", ft.writes)
	}
}

func TestWriteBatches(t *testing.T) {
	t.Parallel()

	ft := newFakeTool()
	dir := t.TempDir()
	c := testConfig()
	c.BatchSize = 5
	c.FlushInterval = time.Hour
	w := New(ft, c)

	var wg sync.WaitGroup
	outs := make([]sortera.MetadataWriteOutcome, 5)
	for i := range outs {
		img := makeImage(t, dir, string(rune('a'+i))+".jpg")
		wg.Add(1)
		go func() {
			defer wg.Done()
			outs[i] = w.Write(img, analysis(6))
		}()
	}
	wg.Wait()
	w.Close()

	for _, o := range outs {
		if !o.Succeeded {
			t.Errorf("outcome = %+v", o)
		}
	}
	if ft.writes != 1 {
		t.Errorf("WriteMetadata called %d times, want a single batch", ft.writes)
	}
}

func TestEnqueueFillsBatch(t *testing.T) {
	t.Parallel()

	ft := newFakeTool()
	dir := t.TempDir()
	c := testConfig()
	c.BatchSize = 25
	c.FlushInterval = time.Hour
	w := New(ft, c)

	// a single caller queues more images than it could ever write concurrently
	var pending []<-chan sortera.MetadataWriteOutcome
	for i := range 10 {
		img := makeImage(t, dir, fmt.Sprintf("img%02d.jpg", i))
		pending = append(pending, w.Enqueue(img, analysis(6)))
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	for _, ch := range pending {
		if out := <-ch; !out.Succeeded {
			t.Errorf("outcome = %+v", out)
		}
	}
	if ft.writes != 1 {
		t.Errorf("WriteMetadata called %d times, want a single batch of 10", ft.writes)
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	t.Parallel()

	w := New(newFakeTool(), testConfig())
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	out := <-w.Enqueue(makeImage(t, t.TempDir(), "a.jpg"), analysis(6))
	if out.Succeeded || out.Error != ErrClosed.Error() {
		t.Errorf("outcome = %+v, want %v", out, ErrClosed)
	}
}

func TestWriteSharedSidecar(t *testing.T) {
	t.Parallel()

	ft := newFakeTool()
	dir := t.TempDir()
	c := testConfig()
	c.Target = sortera.TargetSidecar
	c.FlushInterval = time.Hour
	w := New(ft, c)

	jpg := makeImage(t, dir, "photo.jpg")
	raw := makeImage(t, dir, "photo.cr2")
	other := analysis(6)
	other.Tags = []string{"Harbor"}
	other.HierarchicalTags = nil

	a := w.Enqueue(jpg, analysis(6))
	b := w.Enqueue(raw, other)
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for _, out := range []sortera.MetadataWriteOutcome{<-a, <-b} {
		if !out.Succeeded || out.TargetPath != filepath.Join(dir, "photo.xmp") {
			t.Errorf("outcome = %+v", out)
		}
	}

	got := ft.list(filepath.Join(dir, "photo.xmp"), TagSubject)
	for _, want := range []string{"Birds", "Harbor"} {
		if !slices.Contains(got, want) {
			t.Errorf("sidecar subjects = %q, missing %q", got, want)
		}
	}
}

func TestCloseFlushes(t *testing.T) {
	t.Parallel()

	ft := newFakeTool()
	c := testConfig()
	c.FlushInterval = time.Hour
	w := New(ft, c)
	img := makeImage(t, t.TempDir(), "a.jpg")

	done := make(chan sortera.MetadataWriteOutcome)
	go func() { done <- w.Write(img, analysis(6)) }()

	time.Sleep(50 * time.Millisecond)
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if out := <-done; !out.Succeeded {
		t.Errorf("outcome = %+v", out)
	}

	if out := w.Write(img, analysis(6)); out.Succeeded || out.Error != ErrClosed.Error() {
		t.Errorf("Write() after Close = %+v", out)
	}
}

func TestWriteBackup(t *testing.T) {
	t.Parallel()

	ft := newFakeTool()
	root := t.TempDir()
	img := makeImage(t, root, "2024/a.jpg")
	orig, err := os.ReadFile(img.Path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	c := testConfig()
	c.BackupDir = filepath.Join(t.TempDir(), "backup")
	w := New(ft, c)
	out := w.Write(img, analysis(6))
	w.Close()

	want := filepath.Join(c.BackupDir, "2024", "a.jpg")
	if out.BackupPath != want {
		t.Errorf("BackupPath = %q, want %q", out.BackupPath, want)
	}
	got, err := os.ReadFile(want)
	if err != nil || !bytes.Equal(got, orig) {
		t.Errorf("backup content differs: %v", err)
	}
}

func TestReadExisting(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	img := makeImage(t, dir, "a.jpg")

	e, err := ReadExisting(img.Path)
	if err != nil {
		t.Fatalf("ReadExisting() error = %v", err)
	}
	if e.Tagged() || e.Rating != 0 {
		t.Errorf("ReadExisting() = %+v, want untagged", e)
	}

	if err := ensureSidecar(SidecarPath(img.Path)); err != nil {
		t.Fatalf("ensureSidecar: %v", err)
	}
	e, err = ReadExisting(img.Path)
	if err != nil {
		t.Fatalf("ReadExisting() error = %v", err)
	}
	if !e.Tagged() || e.Sidecar != SidecarPath(img.Path) {
		t.Errorf("ReadExisting() = %+v, want sidecar", e)
	}

	if _, err := ReadExisting(filepath.Join(dir, "missing.jpg")); err == nil {
		t.Errorf("ReadExisting(missing) returned no error")
	}
}

// withXMP returns a JPEG carrying packet in an APP1 segment after the SOI marker.
func withXMP(t *testing.T, packet string) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8)), nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	src := buf.Bytes()
	payload := append([]byte("http://ns.adobe.com/xap/1.0/\x00"), packet...)
	n := len(payload) + 2

	out := append([]byte{}, src[:2]...)
	out = append(out, 0xFF, 0xE1, byte(n>>8), byte(n))
	out = append(out, payload...)
	return append(out, src[2:]...)
}

func TestReadExistingEmbedded(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		packet   string
		rating   int
		keywords []string
	}{
		{
			name: "rating and keywords",
			packet: `<x:xmpmeta xmlns:x="adobe:ns:meta/"><rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#">` +
				`<rdf:Description xmlns:xmp="http://ns.adobe.com/xap/1.0/" xmlns:dc="http://purl.org/dc/elements/1.1/" xmp:Rating="4">` +
				`<dc:subject><rdf:Bag><rdf:li>Beach</rdf:li><rdf:li>Sunset</rdf:li></rdf:Bag></dc:subject>` +
				`</rdf:Description></rdf:RDF></x:xmpmeta>`,
			rating:   4,
			keywords: []string{"Beach", "Sunset"},
		},
		{
			name: "single keyword",
			packet: `<x:xmpmeta xmlns:x="adobe:ns:meta/"><rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#">` +
				`<rdf:Description xmlns:dc="http://purl.org/dc/elements/1.1/">` +
				`<dc:subject><rdf:Bag><rdf:li>Harbor</rdf:li></rdf:Bag></dc:subject>` +
				`</rdf:Description></rdf:RDF></x:xmpmeta>`,
			keywords: []string{"Harbor"},
		},
		{
			name: "rating only",
			packet: `<x:xmpmeta xmlns:x="adobe:ns:meta/"><rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#">` +
				`<rdf:Description xmlns:xmp="http://ns.adobe.com/xap/1.0/" xmp:Rating="2"/>` +
				`</rdf:RDF></x:xmpmeta>`,
			rating: 2,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := filepath.Join(t.TempDir(), "tagged.jpg")
			if err := os.WriteFile(p, withXMP(t, tc.packet), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}

			e, err := ReadExisting(p)
			if err != nil {
				t.Fatalf("ReadExisting() error = %v", err)
			}
			if e.Rating != tc.rating {
				t.Errorf("Rating = %d, want %d", e.Rating, tc.rating)
			}
			got := slices.Sorted(slices.Values(e.Keywords))
			if !slices.Equal(got, tc.keywords) {
				t.Errorf("Keywords = %v, want %v", got, tc.keywords)
			}
			if want := len(tc.keywords) > 0; e.Tagged() != want {
				t.Errorf("Tagged() = %v, want %v", e.Tagged(), want)
			}
			if e.Sidecar != "" {
				t.Errorf("Sidecar = %q, want none", e.Sidecar)
			}
		})
	}
}
