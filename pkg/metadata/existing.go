package metadata

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bep/imagemeta"
	"k8s.io/klog/v2"
)

// Existing is what an image already carries, read without starting exiftool.
type Existing struct {
	Rating   int
	Keywords []string
	// Sidecar is the path of an existing XMP sidecar, if any.
	Sidecar string
}

// Tagged returns true if the image has keywords or a sidecar from an earlier run.
func (e Existing) Tagged() bool {
	return len(e.Keywords) > 0 || e.Sidecar != ""
}

var formats = map[string]imagemeta.ImageFormat{
	".jpg":  imagemeta.JPEG,
	".jpeg": imagemeta.JPEG,
	".tif":  imagemeta.TIFF,
	".tiff": imagemeta.TIFF,
	".png":  imagemeta.PNG,
	".webp": imagemeta.WebP,
}

// ReadExisting reads the embedded rating and keywords of an image and looks for a sidecar.
// Unsupported formats and images without metadata are not errors.
func ReadExisting(path string) (Existing, error) {
	var e Existing
	if sc := SidecarPath(path); sc != path {
		if _, err := os.Stat(sc); err == nil {
			e.Sidecar = sc
		}
	}

	format, ok := formats[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return e, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return e, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	keywords := []string{}
	_, err = imagemeta.Decode(imagemeta.Options{
		R:           f,
		ImageFormat: format,
		Sources:     imagemeta.IPTC | imagemeta.XMP,
		ShouldHandleTag: func(ti imagemeta.TagInfo) bool {
			switch ti.Tag {
			case "Rating", "Keywords", "Subject":
				return true
			}
			return false
		},
		HandleTag: func(ti imagemeta.TagInfo) error {
			switch ti.Tag {
			case "Rating":
				if n, ok := tagInt(ti.Value); ok {
					e.Rating = max(e.Rating, n)
				}
			case "Keywords", "Subject":
				keywords = append(keywords, tagStrings(ti.Value)...)
			}
			return nil
		},
	})
	if err != nil {
		klog.V(1).Infof("no embedded metadata in %s: %v", path, err)
	}
	e.Keywords = merge(nil, keywords)
	return e, nil
}

func tagInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case uint16:
		return int(t), true
	case uint32:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return int(f), true
	}
	return 0, false
}

func tagStrings(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		var out []string
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
