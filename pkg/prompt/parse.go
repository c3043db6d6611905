package prompt

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tstromberg/sortera/pkg/sortera"
)

var (
	fenceRe  = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")
	numberRe = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	lineRe   = regexp.MustCompile(`^\s*[\*\-#]*\s*([A-Za-z_ ]+?)\s*\**\s*[:=]\s*(.+?)\s*$`)
)

// Parse turns a model reply into an analysis result. Replies that lack a category or a score
// produce a failure instead of a partial result.
func Parse(raw string, req *Request, modelID string) (*sortera.AnalysisResult, *sortera.AnalysisFailure) {
	fail := func(format string, args ...any) *sortera.AnalysisFailure {
		return &sortera.AnalysisFailure{Image: req.Image, Kind: sortera.KindParse, Reason: fmt.Sprintf(format, args...)}
	}

	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fail("empty reply")
	}

	fields := extractJSON(text)
	if fields == nil {
		fields = extractLines(text)
	}
	if len(fields) == 0 {
		return nil, fail("no structured data in reply: %q", abbreviate(text))
	}

	category := stringField(fields, "category")
	if category == "" {
		return nil, fail("reply has no category: %q", abbreviate(text))
	}

	score, ok := scoreField(fields)
	if !ok {
		return nil, fail("reply has no usable score: %q", abbreviate(text))
	}

	critique := stringField(fields, "critique", "description")
	if !req.Critique && score > req.CritiqueThreshold {
		critique = ""
	}

	r := &sortera.AnalysisResult{
		Image:       req.Image,
		Category:    category,
		Subcategory: stringField(fields, "subcategory", "sub_category"),
		Score:       score,
		Critique:    critique,
		ModelID:     modelID,
		Perspective: req.Perspective,
		Goal:        req.Goal,
		ProducedAt:  time.Now(),
	}

	var items []string
	for _, k := range []string{"tags", "keywords", "hierarchical_tags"} {
		items = append(items, tagItems(fields[k])...)
	}
	r.Tags, r.HierarchicalTags = SplitTags(strings.Join(items, ","))
	return r, nil
}

// SplitTags splits a comma separated tag string. Items containing ">" become hierarchical
// paths; every segment is also added to the flat list. Output is trimmed and deduplicated
// in order of first appearance.
func SplitTags(s string) ([]string, [][]string) {
	flat := []string{}
	var hier [][]string
	seenFlat := map[string]bool{}
	seenPath := map[string]bool{}

	for _, item := range strings.Split(s, ",") {
		var path []string
		for _, seg := range strings.Split(item, ">") {
			seg = strings.Trim(strings.TrimSpace(seg), `"'`)
			if seg == "" {
				continue
			}
			path = append(path, seg)
			if k := strings.ToLower(seg); !seenFlat[k] {
				seenFlat[k] = true
				flat = append(flat, seg)
			}
		}

		if len(path) < 2 {
			continue
		}
		k := strings.ToLower(strings.Join(path, "|"))
		if !seenPath[k] {
			seenPath[k] = true
			hier = append(hier, path)
		}
	}
	return flat, hier
}

// clampScore forces a score into [1,10].
func clampScore(f float64) int {
	return int(math.Min(10, math.Max(1, math.Round(f))))
}

// extractJSON returns the first JSON object embedded in text, ignoring code fences and prose.
func extractJSON(text string) map[string]any {
	candidates := []string{}
	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, m[1])
	}
	candidates = append(candidates, text)

	for _, c := range candidates {
		for start := strings.IndexByte(c, '{'); start >= 0; {
			end := matchBrace(c, start)
			if end < 0 {
				break
			}
			var m map[string]any
			if err := json.Unmarshal([]byte(c[start:end+1]), &m); err == nil {
				return lowerKeys(m)
			}
			next := strings.IndexByte(c[start+1:], '{')
			if next < 0 {
				break
			}
			start += next + 1
		}
	}
	return nil
}

// matchBrace returns the index of the brace closing the one at start, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// extractLines reads "Key: value" lines, as produced by models that ignore the JSON instruction.
func extractLines(text string) map[string]any {
	m := map[string]any{}
	for _, line := range strings.Split(text, "\n") {
		sm := lineRe.FindStringSubmatch(line)
		if sm == nil {
			continue
		}
		k := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(sm[1])), " ", "_")
		switch k {
		case "rating":
			k = "score"
		case "sub_category":
			k = "subcategory"
		}
		if _, exists := m[k]; !exists {
			m[k] = strings.Trim(sm[2], "* ")
		}
	}
	return m
}

func lowerKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func scoreField(m map[string]any) (int, bool) {
	for _, k := range []string{"score", "rating"} {
		switch v := m[k].(type) {
		case float64:
			return clampScore(v), true
		case string:
			n := numberRe.FindString(v)
			if n == "" {
				continue
			}
			f, err := strconv.ParseFloat(n, 64)
			if err != nil {
				continue
			}
			return clampScore(f), true
		}
	}
	return 0, false
}

// tagItems flattens the shapes models use for tags into comma-separable strings.
func tagItems(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		var out []string
		for _, e := range t {
			switch et := e.(type) {
			case string:
				out = append(out, et)
			case []any:
				var segs []string
				for _, s := range et {
					if str, ok := s.(string); ok {
						segs = append(segs, str)
					}
				}
				out = append(out, strings.Join(segs, " > "))
			}
		}
		return out
	}
	return nil
}

func abbreviate(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
