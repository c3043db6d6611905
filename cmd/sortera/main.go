// sortera curates a photo library, analyzes the best images with a vision model and tags them.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	_ "image/jpeg"
	_ "image/png"

	"github.com/joho/godotenv"
	"k8s.io/klog/v2"

	"github.com/tstromberg/sortera/pkg/catalog"
	"github.com/tstromberg/sortera/pkg/manage"
	"github.com/tstromberg/sortera/pkg/metadata"
	"github.com/tstromberg/sortera/pkg/pipeline"
	"github.com/tstromberg/sortera/pkg/report"
	"github.com/tstromberg/sortera/pkg/sortera"
)

var (
	inDir       = flag.String("in", "", "Location of input directory")
	configPath  = flag.String("config", "", "YAML configuration file")
	backendKind = flag.String("backend", "", "analysis backend: gemini, openai, ollama or llamacpp")
	model       = flag.String("model", "", "model name, or a GGUF path for llamacpp")
	endpoint    = flag.String("endpoint", "", "backend endpoint URL")
	perspective = flag.String("perspective", "", "analysis perspective")
	goal        = flag.String("goal", "", "analysis goal: archive_culling, gallery_selection or catalog_organization")
	algorithm   = flag.String("algorithm", "", "quality algorithm: brisque, niqe, musiq or topiq")
	top         = flag.Float64("top", 0, "fraction of each group to analyze")
	topN        = flag.Int("top-n", 0, "number of images of each group to analyze, overrides -top")
	byFolder    = flag.Bool("by-folder", false, "curate each subfolder separately")
	dedupe      = flag.Bool("dedupe", false, "skip near-duplicates of already selected images")
	archive     = flag.Bool("archive", false, "analyze every image, including RAW files, without curation")
	hierarch    = flag.Bool("hierarchical", false, "request hierarchical keywords")
	critique    = flag.Bool("critique", false, "request a critique for every image")
	critiqueMax = flag.Int("critique-threshold", 0, "without -critique, keep critiques only for images scoring at most this")
	target      = flag.String("target", "", "metadata target: auto, embedded or sidecar")
	backupDir   = flag.String("backup", "", "copy originals here before the first embedded write")
	workers     = flag.Int("workers", 0, "number of concurrent analysis requests")
	scorers     = flag.Int("scorers", 0, "number of concurrent quality scorers")
	conserve    = flag.Bool("conservative", false, "use fewer resources, for instance while a catalog application is open")
	catalogPath = flag.String("catalog", "", "sqlite catalog of processed images, used to resume interrupted runs")
	reportPath  = flag.String("report", "", "write the run summary here (.yaml, .json, .csv or .parquet)")
	dryRun      = flag.Bool("n", false, "dry-run mode, only show curation decisions")
	overwrite   = flag.Bool("o", false, "overwrite existing tags")
	watchFlag   = flag.Bool("watch", false, "watch for new images in inDir and process them")
	listen      = flag.Bool("listen", false, "serve the run control API via HTTP")
	addr        = flag.String("addr", "localhost:12800", "host:port to bind to in listen mode")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	_ = godotenv.Load()

	c, err := sortera.LoadConfig(*configPath)
	if err != nil {
		klog.Exitf("config: %v", err)
	}
	applyFlags(c)
	c.Backend.APIKey = credential(c.Backend)

	if *inDir == "" && !*listen {
		klog.Exitf("--in is a required flag")
	}

	o := pipeline.New(c)
	var cat *catalog.Catalog
	if *catalogPath != "" {
		cat, err = catalog.Open(*catalogPath)
		if err != nil {
			klog.Exitf("catalog: %v", err)
		}
		defer cat.Close()
		o.Record = func(runID string, out sortera.ImageOutcome) {
			if err := cat.Record(runID, out); err != nil {
				klog.Errorf("catalog: %v", err)
			}
		}
	}
	o.Skip = skipper(cat, *overwrite)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *listen {
		serve(o, *inDir, *addr)
		return
	}

	s, err := process(ctx, o, *inDir, nil)
	if err != nil {
		klog.Exitf("run failed: %v", err)
	}
	if *dryRun {
		printDecisions(s)
	}

	if *watchFlag && s.State == pipeline.Completed {
		if err := watch(ctx, o, *inDir); err != nil {
			klog.Exitf("watch failed: %v", err)
		}
	}
}

// applyFlags overrides the configuration with flags that were set explicitly.
func applyFlags(c *sortera.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			c.Backend.Kind = *backendKind
		case "model":
			if c.Backend.Kind == sortera.BackendLlamaCPP {
				c.Backend.ModelPath = *model
			}
			c.Backend.Model = *model
		case "endpoint":
			c.Backend.Endpoint = *endpoint
		case "perspective":
			c.Prompt.Perspective = *perspective
		case "goal":
			c.Prompt.Goal = *goal
		case "algorithm":
			c.Quality.Algorithm = *algorithm
		case "top":
			c.Curation.TopFraction = *top
		case "top-n":
			c.Curation.TopN = *topN
		case "by-folder":
			c.Curation.GroupBySubfolder = *byFolder
		case "dedupe":
			c.Curation.Dedupe = *dedupe
		case "archive":
			c.Curation.Disabled = *archive
		case "hierarchical":
			c.Prompt.Hierarchical = *hierarch
		case "critique":
			c.Prompt.Critique = *critique
		case "critique-threshold":
			c.Prompt.CritiqueThreshold = *critiqueMax
		case "target":
			c.Metadata.Target = *target
		case "backup":
			c.Metadata.BackupDir = *backupDir
		case "workers":
			c.Concurrency.AnalysisWorkers = *workers
		case "scorers":
			c.Concurrency.ScorerWorkers = *scorers
		case "conservative":
			c.ResourceHint.Conservative = *conserve
		}
	})
}

// credential looks up the API key for cloud backends. Backends never read the environment themselves.
func credential(b sortera.BackendConfig) string {
	if b.APIKey != "" {
		return b.APIKey
	}
	var keys []string
	switch b.Kind {
	case sortera.BackendGemini:
		keys = []string{"GEMINI_API_KEY", "GOOGLE_AI_API_KEY"}
	case sortera.BackendOpenAI:
		keys = []string{"OPENAI_API_KEY"}
	}
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// skipper leaves out images that were already processed or already carry keywords.
func skipper(cat *catalog.Catalog, overwrite bool) func(sortera.ImageRecord) string {
	return func(i sortera.ImageRecord) string {
		if overwrite {
			return ""
		}
		if cat != nil {
			if reason := cat.Skip(i); reason != "" {
				return reason
			}
		}
		e, err := metadata.ReadExisting(i.Path)
		if err != nil {
			klog.Warningf("unable to read existing metadata from %s: %v", i.Path, err)
			return ""
		}
		if e.Tagged() {
			return fmt.Sprintf("has tags: %v", e.Keywords)
		}
		return ""
	}
}

// process runs the pipeline once and reports the result.
func process(ctx context.Context, o *pipeline.Orchestrator, root string, images []string) (*pipeline.Summary, error) {
	in := pipeline.Input{
		Root:       root,
		Images:     images,
		CurateOnly: *dryRun,
		Progress: func(e pipeline.Event) {
			out := e.Outcome
			switch {
			case out.Failure != nil:
				klog.Warningf("[%d/%d] %s: %s", e.Processed, e.Total, out.Image.RelPath, out.Failure.Reason)
			case out.Write != nil && !out.Write.Succeeded:
				klog.Warningf("[%d/%d] %s: %s", e.Processed, e.Total, out.Image.RelPath, out.Write.Error)
			default:
				klog.Infof("[%d/%d] %s: %s/%s %d stars %v", e.Processed, e.Total, out.Image.RelPath,
					out.Analysis.Category, out.Analysis.Subcategory, out.Write.StarRating, out.Analysis.Tags)
			}
		},
	}

	s, err := o.Run(ctx, in)
	if err != nil {
		return s, err
	}

	n := s.Counts
	klog.Infof("%s: discovered %d, skipped %d, curated %d, analyzed %d (%d failed), wrote %d (%d failed, %d sidecar fallbacks), %d not started",
		s.State, n.Discovered, n.Skipped, n.CuratedIn, n.AnalyzedOK, n.AnalyzedFailed, n.WrittenOK, n.WrittenFailed, n.FellBack, n.NotStarted)
	if st := s.Stats; st != nil && st.Analyzed > 0 {
		klog.Infof("mean score %.1f, %d gallery images, ratings %v, categories %v", st.MeanScore, st.Gallery, st.Ratings, st.Categories)
	}

	if *reportPath != "" {
		if err := report.Write(*reportPath, s); err != nil {
			klog.Errorf("report: %v", err)
		}
	}
	return s, nil
}

func printDecisions(s *pipeline.Summary) {
	for _, d := range s.Decisions {
		mark := " "
		if d.Included {
			mark = "*"
		}
		q := ""
		if d.Score != nil {
			q = fmt.Sprintf("%.2f", d.Score.Value)
		}
		fmt.Printf("%s %4d %8s  %s  %s\n", mark, d.Rank, q, d.Image.RelPath, d.Reason)
	}
	for _, e := range s.ScoringErrors {
		fmt.Printf("! %s: %s\n", e.Image.RelPath, e.Reason)
	}
}

// serve serves the run control API via HTTP
func serve(o *pipeline.Orchestrator, root string, addr string) {
	s := manage.New(o, root, nil)
	klog.Infof("Listening on %s...", addr)
	if err := http.ListenAndServe(addr, s.Routes()); err != nil {
		klog.Exitf("listen failed: %v", err)
	}
}
