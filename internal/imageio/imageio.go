// Package imageio decodes input imagery and writes result images without
// overwriting existing files.
package imageio

import (
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	// WebP is a common export format for drone orthophotos.
	_ "golang.org/x/image/webp"

	"github.com/born-ml/canopy/internal/errs"
)

// ImageExtensions are the extensions recognized as input images.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".tif", ".tiff", ".webp"}

// maxCollisions bounds the suffix search in WriteGroup.
const maxCollisions = 1000

// HasExtension reports whether name ends in one of exts (case-insensitive).
func HasExtension(name string, exts []string) bool {
	ext := filepath.Ext(name)
	return lo.ContainsBy(exts, func(e string) bool { return strings.EqualFold(e, ext) })
}

// Decode reads and decodes the image at path.
//
// Any failure (missing file, unreadable file, unknown or corrupt encoding)
// is reported as an *errs.DataError. EXIF orientation is ignored so pixel
// layout matches the stored raster.
func Decode(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errs.NewData("decode", path, err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, errs.Dataf("decode", path, "image has no pixels")
	}
	return img, nil
}

// Format returns the imaging output format for a file extension.
func Format(ext string) (imaging.Format, error) {
	return imaging.FormatFromExtension(ext)
}

// Encode writes img to w in the given format. JPEG output uses quality.
func Encode(w io.Writer, img image.Image, format imaging.Format, quality int) error {
	if format == imaging.JPEG {
		return imaging.Encode(w, img, format, imaging.JPEGQuality(quality))
	}
	return imaging.Encode(w, img, format)
}

// Output is one image of a group written by WriteGroup.
type Output struct {
	Stem    string
	Ext     string // Selects the format, e.g. ".jpg" or ".png"
	Image   image.Image
	Quality int // JPEG quality
}

// WriteExclusive encodes img into a new file dir/stem+ext without replacing an
// existing file and returns the path written. If the name is taken, "_1",
// "_2", ... is appended to stem until a free name is found.
func WriteExclusive(dir, stem, ext string, img image.Image, quality int) (string, error) {
	paths, err := WriteGroup(dir, []Output{{Stem: stem, Ext: ext, Image: img, Quality: quality}})
	if err != nil {
		return "", err
	}
	return paths[0], nil
}

// WriteGroup writes every output into dir under one shared collision suffix:
// all names are used as given, or all stems get the same "_n" such that none
// of the resulting names exists yet. The paths are returned in the order of
// outs. On error no file of the group is left behind.
func WriteGroup(dir string, outs []Output) ([]string, error) {
	formats := make([]imaging.Format, len(outs))
	for i, out := range outs {
		format, err := Format(out.Ext)
		if err != nil {
			return nil, errors.Wrapf(err, "output format for %q", out.Ext)
		}
		formats[i] = format
	}

	files, paths, err := createGroup(dir, outs)
	if err != nil {
		return nil, err
	}

	var failed error
	for i, f := range files {
		if failed == nil {
			if err := Encode(f, outs[i].Image, formats[i], outs[i].Quality); err != nil {
				failed = errors.Wrapf(err, "encode %s", paths[i])
			}
		}
		if err := f.Close(); err != nil && failed == nil {
			failed = errors.Wrapf(err, "close %s", paths[i])
		}
	}
	if failed != nil {
		removeAll(paths)
		return nil, failed
	}
	return paths, nil
}

// createGroup exclusively creates one file per output, trying suffixes until
// every name of the group is free.
func createGroup(dir string, outs []Output) ([]*os.File, []string, error) {
	for n := 0; n < maxCollisions; n++ {
		files := make([]*os.File, 0, len(outs))
		paths := make([]string, 0, len(outs))
		release := func() {
			for _, f := range files {
				_ = f.Close()
			}
			removeAll(paths)
		}

		taken := false
		for _, out := range outs {
			name := out.Stem + out.Ext
			if n > 0 {
				name = fmt.Sprintf("%s_%d%s", out.Stem, n, out.Ext)
			}
			path := filepath.Join(dir, name)
			//nolint:gosec // G304: output directory is chosen by the user
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
			if os.IsExist(err) {
				taken = true
				break
			}
			if err != nil {
				release()
				return nil, nil, errors.Wrapf(err, "create %s", path)
			}
			files = append(files, f)
			paths = append(paths, path)
		}
		if !taken {
			return files, paths, nil
		}
		release()
	}
	return nil, nil, errors.Errorf("no free file names for %s in %s", outs[0].Stem, dir)
}

func removeAll(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
