package pipeline

import (
	"slices"
	"strings"
	"time"

	"github.com/tstromberg/sortera/pkg/sortera"
)

// State is the state of a run.
type State string

const (
	Idle      State = "IDLE"
	Curating  State = "CURATING"
	Analyzing State = "ANALYZING"
	Writing   State = "WRITING"
	Completed State = "COMPLETED"
	Cancelled State = "CANCELLED"
	Failed    State = "FAILED"
)

// Terminal is true once a run can no longer change.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

// Counts tallies what happened to the images of a run.
type Counts struct {
	Discovered     int `json:"discovered" yaml:"discovered"`
	Skipped        int `json:"skipped" yaml:"skipped"`
	Scored         int `json:"scored" yaml:"scored"`
	ScoringFailed  int `json:"scoring_failed" yaml:"scoring_failed"`
	CuratedIn      int `json:"curated_in" yaml:"curated_in"`
	AnalyzedOK     int `json:"analyzed_ok" yaml:"analyzed_ok"`
	AnalyzedFailed int `json:"analyzed_failed" yaml:"analyzed_failed"`
	WrittenOK      int `json:"written_ok" yaml:"written_ok"`
	WrittenFailed  int `json:"written_failed" yaml:"written_failed"`
	FellBack       int `json:"fell_back" yaml:"fell_back"`
	NotStarted     int `json:"not_started" yaml:"not_started"`
}

// Summary is the final report of a run. It is not modified once the run is done.
type Summary struct {
	RunID string `json:"run_id" yaml:"run_id"`
	State State  `json:"state" yaml:"state"`
	Root  string `json:"root" yaml:"root"`
	// Config is a snapshot of the run configuration without credentials.
	Config sortera.Config `json:"config" yaml:"config"`

	Counts    Counts                  `json:"counts" yaml:"counts"`
	Durations map[State]time.Duration `json:"durations" yaml:"durations"`

	Outcomes      []sortera.ImageOutcome     `json:"outcomes" yaml:"outcomes"`
	Decisions     []sortera.CurationDecision `json:"decisions,omitempty" yaml:"decisions,omitempty"`
	ScoringErrors []*sortera.ScoringError    `json:"scoring_errors,omitempty" yaml:"scoring_errors,omitempty"`
	Stats         *Stats                     `json:"stats,omitempty" yaml:"stats,omitempty"`

	Err        string    `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
}

// Outcome returns the outcome for an image path.
func (s *Summary) Outcome(path string) (sortera.ImageOutcome, bool) {
	i, found := slices.BinarySearchFunc(s.Outcomes, path, func(o sortera.ImageOutcome, p string) int {
		return strings.Compare(o.Image.Path, p)
	})
	if !found {
		return sortera.ImageOutcome{}, false
	}
	return s.Outcomes[i], true
}

// add records one finished unit of work.
func (s *Summary) add(o sortera.ImageOutcome) {
	s.Outcomes = append(s.Outcomes, o)

	switch {
	case o.Analysis != nil:
		s.Counts.AnalyzedOK++
	case o.Failure != nil:
		s.Counts.AnalyzedFailed++
	}

	if o.Write == nil {
		return
	}
	if o.Write.Succeeded {
		s.Counts.WrittenOK++
	} else {
		s.Counts.WrittenFailed++
	}
	if o.Write.FellBack {
		s.Counts.FellBack++
	}
}

// finish sorts outcomes and computes statistics.
func (s *Summary) finish(state State, err error) {
	s.State = state
	if err != nil {
		s.Err = err.Error()
	}
	slices.SortFunc(s.Outcomes, func(a, b sortera.ImageOutcome) int {
		return strings.Compare(a.Image.Path, b.Image.Path)
	})
	s.Stats = computeStats(s.Outcomes)
	s.FinishedAt = time.Now()
}
