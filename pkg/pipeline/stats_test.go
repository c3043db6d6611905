package pipeline

import (
	"fmt"
	"testing"

	"github.com/tstromberg/sortera/pkg/sortera"
)

func TestComputeStats(t *testing.T) {
	t.Parallel()

	analyzed := func(score int, category string, stars int, tags ...string) sortera.ImageOutcome {
		return sortera.ImageOutcome{
			Analysis: &sortera.AnalysisResult{Category: category, Score: score, Tags: tags},
			Write:    &sortera.MetadataWriteOutcome{StarRating: stars, GalleryTagged: stars == 5, Succeeded: true},
		}
	}

	outcomes := []sortera.ImageOutcome{
		analyzed(9, "Place", 5, "beach", "sunset"),
		analyzed(6, "People", 3, "Beach", "family"),
		analyzed(3, "Place", 2, "beach"),
		{Failure: &sortera.AnalysisFailure{Kind: sortera.KindTimeout}},
	}
	for i := range 12 {
		outcomes = append(outcomes, analyzed(4, "Thing", 2, fmt.Sprintf("tag%02d", i)))
	}

	st := computeStats(outcomes)
	if st.Analyzed != 15 {
		t.Errorf("analyzed = %d, want 15", st.Analyzed)
	}
	if want := float64(9+6+3+12*4) / 15; st.MeanScore != want {
		t.Errorf("mean = %v, want %v", st.MeanScore, want)
	}
	if st.Gallery != 1 || st.Ratings[5] != 1 || st.Ratings[2] != 13 {
		t.Errorf("ratings = %v, gallery = %d", st.Ratings, st.Gallery)
	}
	if st.Categories["Place"] != 2 || st.Categories["Thing"] != 12 {
		t.Errorf("categories = %v", st.Categories)
	}

	if len(st.TopTags) != TopTagCount {
		t.Fatalf("got %d top tags, want %d", len(st.TopTags), TopTagCount)
	}
	if st.TopTags[0] != (TagCount{Tag: "beach", Count: 3}) {
		t.Errorf("top tag = %+v", st.TopTags[0])
	}
	if st.TopTags[1].Tag != "family" || st.TopTags[2].Tag != "sunset" || st.TopTags[3].Tag != "tag00" {
		t.Errorf("ties not ordered by name: %+v", st.TopTags[:4])
	}
}

func TestComputeStatsEmpty(t *testing.T) {
	t.Parallel()

	st := computeStats(nil)
	if st.Analyzed != 0 || st.MeanScore != 0 || len(st.TopTags) != 0 {
		t.Errorf("stats = %+v", st)
	}
}
