package pipeline

import (
	"cmp"
	"slices"
	"strings"

	"github.com/tstromberg/sortera/pkg/sortera"
)

// TopTagCount is how many tags Stats.TopTags lists.
const TopTagCount = 10

// TagCount is a tag and how many analyzed images carry it.
type TagCount struct {
	Tag   string `json:"tag" yaml:"tag" parquet:"tag"`
	Count int    `json:"count" yaml:"count" parquet:"count"`
}

// Stats describes the analyzed images of a run.
type Stats struct {
	Analyzed   int            `json:"analyzed" yaml:"analyzed"`
	MeanScore  float64        `json:"mean_score" yaml:"mean_score"`
	Ratings    map[int]int    `json:"ratings" yaml:"ratings"`
	Categories map[string]int `json:"categories" yaml:"categories"`
	TopTags    []TagCount     `json:"top_tags" yaml:"top_tags"`
	Gallery    int            `json:"gallery" yaml:"gallery"`
}

func computeStats(outcomes []sortera.ImageOutcome) *Stats {
	st := &Stats{Ratings: map[int]int{}, Categories: map[string]int{}}

	tags := map[string]*TagCount{}
	total := 0
	for _, o := range outcomes {
		if o.Analysis == nil {
			continue
		}
		st.Analyzed++
		total += o.Analysis.Score
		st.Categories[o.Analysis.Category]++

		if o.Write != nil && o.Write.Succeeded {
			st.Ratings[o.Write.StarRating]++
			if o.Write.GalleryTagged {
				st.Gallery++
			}
		}

		for _, t := range o.Analysis.Tags {
			k := strings.ToLower(t)
			if tags[k] == nil {
				tags[k] = &TagCount{Tag: t}
			}
			tags[k].Count++
		}
	}

	if st.Analyzed > 0 {
		st.MeanScore = float64(total) / float64(st.Analyzed)
	}

	for _, tc := range tags {
		st.TopTags = append(st.TopTags, *tc)
	}
	slices.SortFunc(st.TopTags, func(a, b TagCount) int {
		if a.Count != b.Count {
			return cmp.Compare(b.Count, a.Count)
		}
		return strings.Compare(a.Tag, b.Tag)
	})
	if len(st.TopTags) > TopTagCount {
		st.TopTags = st.TopTags[:TopTagCount]
	}
	return st
}
