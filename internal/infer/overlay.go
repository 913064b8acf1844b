package infer

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// ParseColor parses a hex colour such as "#00ff00".
func ParseColor(hex string) (color.NRGBA, error) {
	c, err := colorful.Hex(hex)
	if err != nil {
		return color.NRGBA{}, errors.Wrapf(err, "overlay colour %q", hex)
	}
	r, g, b := c.RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}, nil
}

// Overlay returns a copy of img where every pixel with mask value 1 is
// brightened by alpha·tint, saturating at 255. Other pixels are unchanged.
// mask must have the bounds of img.
func Overlay(img image.Image, mask *image.Gray, tint color.NRGBA, alpha float64) *image.NRGBA {
	out := imaging.Clone(img)
	add := [3]float64{alpha * float64(tint.R), alpha * float64(tint.G), alpha * float64(tint.B)}

	w, h := out.Rect.Dx(), out.Rect.Dy()
	mb := mask.Bounds()
	for y := 0; y < h; y++ {
		row := out.Pix[y*out.Stride:]
		for x := 0; x < w; x++ {
			if mask.GrayAt(mb.Min.X+x, mb.Min.Y+y).Y != 1 {
				continue
			}
			px := row[4*x : 4*x+3]
			for c := range px {
				px[c] = saturate(float64(px[c]) + add[c])
			}
		}
	}
	return out
}

func saturate(v float64) uint8 {
	return uint8(math.Min(255, math.Max(0, math.Round(v))))
}

// classMask turns a Size×Size class map into a gray image of class indices.
func classMask(classes []int32, size int) *image.Gray {
	m := image.NewGray(image.Rect(0, 0, size, size))
	for i, c := range classes[:size*size] {
		m.Pix[i] = uint8(c)
	}
	return m
}

// restore scales a class mask back to width×height with nearest-neighbour
// sampling so class values are never blended.
func restore(mask *image.Gray, width, height int) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, width, height))
	draw.NearestNeighbor.Scale(out, out.Bounds(), mask, mask.Bounds(), draw.Src, nil)
	return out
}

// visible scales a 0/1 mask to 0/255 for viewing.
func visible(mask *image.Gray) *image.Gray {
	out := image.NewGray(mask.Bounds())
	for i, v := range mask.Pix {
		if v != 0 {
			out.Pix[i] = 255
		}
	}
	return out
}
