package metadata

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/otiai10/copy"
	"k8s.io/klog/v2"

	"github.com/tstromberg/sortera/pkg/sortera"
)

// embeddable are the formats exiftool can safely update in place.
var embeddable = []string{".jpg", ".jpeg", ".tif", ".tiff", ".png", ".dng", ".heic"}

// emptyPacket is a minimal XMP document that exiftool can edit.
const emptyPacket = "<?xpacket begin='\ufeff' id='W5M0MpCehiHzreSzNTczkc9d'?>\n" +
	"<x:xmpmeta xmlns:x='adobe:ns:meta/'>\n" +
	"<rdf:RDF xmlns:rdf='http://www.w3.org/1999/02/22-rdf-syntax-ns#'>\n" +
	"</rdf:RDF>\n" +
	"</x:xmpmeta>\n" +
	"<?xpacket end='w'?>\n"

// SidecarPath returns the Lightroom-style sidecar for an image: the same basename with an .xmp extension.
// photo.jpg and photo.cr2 share photo.xmp, which then carries the merged keywords of both.
func SidecarPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".xmp"
}

// TargetFor returns where metadata for path goes under the given mode.
func TargetFor(mode string, path string) sortera.Target {
	switch mode {
	case sortera.TargetEmbedded:
		return sortera.Embedded
	case sortera.TargetSidecar:
		return sortera.Sidecar
	}
	if slices.Contains(embeddable, strings.ToLower(filepath.Ext(path))) {
		return sortera.Embedded
	}
	return sortera.Sidecar
}

// ensureSidecar creates an empty XMP packet if the sidecar does not exist yet.
func ensureSidecar(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create sidecar: %w", err)
	}
	if _, err := f.WriteString(emptyPacket); err != nil {
		f.Close()
		return fmt.Errorf("write sidecar: %w", err)
	}
	klog.V(1).Infof("created sidecar %s", path)
	return f.Close()
}

// backup copies the original to dir/<relative path> unless a backup already exists.
func backup(dir string, img sortera.ImageRecord) (string, error) {
	rel := img.RelPath
	if rel == "" || filepath.IsAbs(rel) || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(img.Path)
	}
	dest := filepath.Join(dir, rel)

	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	if err := copy.Copy(img.Path, dest, copy.Options{PreserveTimes: true}); err != nil {
		return "", fmt.Errorf("backup %s: %w", img.Path, err)
	}
	klog.V(1).Infof("backed up %s to %s", img.Path, dest)
	return dest, nil
}
