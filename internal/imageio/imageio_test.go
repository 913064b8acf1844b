package imageio

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/canopy/internal/errs"
)

func solid(w, h int, c color.Color) *image.NRGBA {
	return imaging.New(w, h, c)
}

func TestHasExtension(t *testing.T) {
	assert.True(t, HasExtension("a.JPG", ImageExtensions))
	assert.True(t, HasExtension("dir/b.webp", ImageExtensions))
	assert.False(t, HasExtension("notes.txt", ImageExtensions))
	assert.False(t, HasExtension("a.png", []string{".jpg"}))
}

func TestDecode_Missing(t *testing.T) {
	_, err := Decode(filepath.Join(t.TempDir(), "nope.jpg"))
	require.Error(t, err)
	assert.True(t, errs.IsData(err))
}

func TestDecode_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.png")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0o644))

	_, err := Decode(path)
	require.Error(t, err)
	assert.True(t, errs.IsData(err))
}

func TestWriteExclusive_RoundTripAndCollision(t *testing.T) {
	dir := t.TempDir()
	img := solid(7, 5, color.NRGBA{R: 10, G: 200, B: 30, A: 255})

	first, err := WriteExclusive(dir, "tile_mask_20260101_120000", ".png", img, 95)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tile_mask_20260101_120000.png"), first)

	second, err := WriteExclusive(dir, "tile_mask_20260101_120000", ".png", img, 95)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tile_mask_20260101_120000_1.png"), second)

	decoded, err := Decode(second)
	require.NoError(t, err)
	assert.Equal(t, 7, decoded.Bounds().Dx())
	assert.Equal(t, 5, decoded.Bounds().Dy())
	r, g, b, _ := decoded.At(3, 2).RGBA()
	assert.Equal(t, uint32(10), r>>8)
	assert.Equal(t, uint32(200), g>>8)
	assert.Equal(t, uint32(30), b>>8)
}

func TestWriteGroup_SharedSuffix(t *testing.T) {
	dir := t.TempDir()
	img := solid(4, 4, color.White)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tile_mask_1.png"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tile_mask_1_1.png"), nil, 0o644))

	paths, err := WriteGroup(dir, []Output{
		{Stem: "tile_segmented_1", Ext: ".jpg", Image: img, Quality: 90},
		{Stem: "tile_mask_1", Ext: ".png", Image: img},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "tile_segmented_1_2.jpg"),
		filepath.Join(dir, "tile_mask_1_2.png"),
	}, paths)

	// Names tried and released along the way are not left behind.
	_, err = os.Stat(filepath.Join(dir, "tile_segmented_1.jpg"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "tile_segmented_1_1.jpg"))
	assert.True(t, os.IsNotExist(err))
}

func TestWriteGroup_FailureRemovesWholeGroup(t *testing.T) {
	dir := t.TempDir()
	_, err := WriteGroup(dir, []Output{
		{Stem: "a", Ext: ".jpg", Image: solid(4, 4, color.White), Quality: 90},
		{Stem: "b", Ext: ".png", Image: image.NewGray(image.Rect(0, 0, 0, 0))},
	})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHasExtension_ConfiguredCase(t *testing.T) {
	assert.True(t, HasExtension("a.jpg", []string{".JPG"}))
	assert.True(t, HasExtension("a.Jpeg", []string{".png", ".jpeg"}))
	assert.False(t, HasExtension("a.jpg", []string{".png"}))
	assert.False(t, HasExtension("jpg", []string{".jpg"}))
}

func TestWriteExclusive_UnknownFormat(t *testing.T) {
	_, err := WriteExclusive(t.TempDir(), "x", ".xyz", solid(1, 1, color.Black), 90)
	require.Error(t, err)
}
