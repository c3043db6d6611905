package metadata

import (
	"fmt"
	"slices"
	"strings"

	"github.com/barasher/go-exiftool"
	"github.com/mozillazg/go-unidecode"

	"github.com/tstromberg/sortera/pkg/sortera"
)

// Tag names, as written by exiftool with group-1 prefixes.
const (
	TagKeywords     = "IPTC:Keywords"
	TagSubject      = "XMP-dc:Subject"
	TagWeightedFlat = "XMP-lr:WeightedFlatSubject"
	TagHierarchical = "XMP-lr:HierarchicalSubject"
	TagTitle        = "XMP-dc:Title"
	TagRating       = "XMP-xmp:Rating"
	TagDescription  = "XMP-dc:Description"
	TagCharset      = "IPTC:CodedCharacterSet"
)

// DeriveRating maps a 1-10 score to a 1-5 star rating.
func DeriveRating(score int) int {
	// ceil(score/2)
	return min(5, max(1, (score+1)/2))
}

// Caption is the human readable score summary written to the title.
func Caption(score int, stars int) string {
	return fmt.Sprintf("Score: %d/10 | Rating: %d/5", score, stars)
}

// existingRating returns the highest rating among fields, or 0.
func existingRating(fields map[string]any) int {
	fm := exiftool.FileMetadata{Fields: fields}
	best := 0
	for k := range fields {
		if k != "Rating" && !strings.HasSuffix(k, ":Rating") {
			continue
		}
		n, err := fm.GetInt(k)
		if err != nil {
			f, ferr := fm.GetFloat(k)
			if ferr != nil {
				continue
			}
			n = int64(f)
		}
		best = max(best, int(n))
	}
	return best
}

// existingList returns a list field, or nil.
func existingList(fields map[string]any, tag string) []string {
	if fields == nil {
		return nil
	}
	vs, err := exiftool.FileMetadata{Fields: fields}.GetStrings(tag)
	if err != nil {
		return nil
	}
	return vs
}

// fold normalises a keyword for comparison: case and diacritics are ignored.
func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(unidecode.Unidecode(s)))
}

// merge appends add to have, skipping values already present. Order of first appearance is kept.
func merge(have []string, add []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, s := range slices.Concat(have, add) {
		s = strings.TrimSpace(s)
		k := fold(s)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}

// plan is the set of values to write to one target.
type plan struct {
	fields        map[string]any
	names         []string
	derived       int
	stars         int
	existing      int
	galleryTagged bool
}

// buildPlan computes the merged field values for res. existing holds the target's current fields and
// rating is the highest rating already on the image, including the original's when writing a sidecar.
func (w *Writer) buildPlan(res *sortera.AnalysisResult, target sortera.Target, existing map[string]any, rating int) plan {
	p := plan{fields: map[string]any{}, existing: rating}
	p.derived = DeriveRating(res.Score)
	p.stars = p.derived
	if rating >= w.c.ProtectRatingAtLeast && rating > p.derived {
		p.stars = rating
	}
	p.galleryTagged = p.stars == 5

	flat := []string{}
	if res.Category != "" {
		flat = append(flat, res.Category)
	}
	if res.Subcategory != "" {
		flat = append(flat, res.Subcategory)
	}
	flat = append(flat, res.Tags...)
	if p.galleryTagged && w.c.GalleryKeyword != "" {
		flat = append(flat, w.c.GalleryKeyword)
	}

	hier := []string{}
	if res.Category != "" && res.Subcategory != "" {
		hier = append(hier, res.Category+"|"+res.Subcategory)
	}
	for _, path := range res.HierarchicalTags {
		hier = append(hier, strings.Join(path, "|"))
	}

	set := func(tag string, v any) {
		p.fields[tag] = v
		p.names = append(p.names, tag)
	}
	setList := func(tag string, add []string) {
		set(tag, toAny(merge(existingList(existing, tag), add)))
	}

	setList(TagSubject, flat)
	if target == sortera.Embedded {
		setList(TagKeywords, flat)
		set(TagCharset, "UTF8")
	} else {
		setList(TagWeightedFlat, flat)
	}
	if len(hier) > 0 {
		setList(TagHierarchical, hier)
	}

	set(TagTitle, Caption(res.Score, p.stars))
	set(TagRating, int64(p.stars))

	if len(res.Critique) > w.c.MinCritiqueLength {
		set(TagDescription, res.Critique)
	}

	slices.Sort(p.names)
	return p
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
