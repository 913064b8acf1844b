// Package preprocess turns decoded images and masks into the fixed-size
// tensors the segmentation network is trained and run on.
//
// Every component honours the same spatial contract: images and masks are
// resized to Size×Size before batching. The network itself is fully
// convolutional, so inference outputs are resized back to the source
// resolution afterwards.
package preprocess

import (
	"image"
	"image/color"

	"github.com/born-ml/born/tensor"
	"github.com/nfnt/resize"

	"github.com/born-ml/canopy/internal/imageio"
)

// Size is the training and inference resolution (Size×Size).
const Size = 256

// Channels is the number of image channels fed to the network (RGB).
const Channels = 3

// Pair is a preprocessed training sample.
type Pair struct {
	Image  []float32 // [Channels, Height, Width], RGB, values in [0, 1]
	Mask   []int32   // [Height, Width], class ids in {0, 1}
	Height int
	Width  int
}

// Image converts img to a Channels×Size×Size float tensor in CHW order.
//
// The image is bilinearly resized, then each channel is scaled from its
// 16-bit colour value to [0, 1]. Go decoders yield RGB, so channel 0 is red.
func Image(img image.Image) []float32 {
	return imageCHW(img, Size, Size)
}

func imageCHW(img image.Image, width, height int) []float32 {
	resized := resize.Resize(uint(width), uint(height), img, resize.Bilinear)
	b := resized.Bounds()
	plane := width * height
	out := make([]float32, Channels*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, bl, _ := resized.At(b.Min.X+x, b.Min.Y+y).RGBA()
			idx := y*width + x
			out[idx] = float32(r) / 65535.0
			out[plane+idx] = float32(g) / 65535.0
			out[2*plane+idx] = float32(bl) / 65535.0
		}
	}
	return out
}

// Mask converts a label image to a Size×Size class map.
//
// The mask is nearest-neighbour resized so no intermediate label values are
// invented, reduced to a single gray channel and binarized: any value above
// zero is class 1 (tree), zero is class 0.
func Mask(img image.Image) []int32 {
	return maskHW(img, Size, Size)
}

func maskHW(img image.Image, width, height int) []int32 {
	resized := resize.Resize(uint(width), uint(height), img, resize.NearestNeighbor)
	b := resized.Bounds()
	out := make([]int32, width*height)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			gray := color.Gray16Model.Convert(resized.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			if gray.Y > 0 {
				out[y*width+x] = 1
			}
		}
	}
	return out
}

// LoadImage decodes the image at path and returns its preprocessed tensor
// data along with the decoded image.
func LoadImage(path string) ([]float32, image.Image, error) {
	img, err := imageio.Decode(path)
	if err != nil {
		return nil, nil, err
	}
	return Image(img), img, nil
}

// LoadPair decodes and preprocesses an image and its mask.
//
// A missing or undecodable file yields an *errs.DataError.
func LoadPair(imagePath, maskPath string) (*Pair, error) {
	img, err := imageio.Decode(imagePath)
	if err != nil {
		return nil, err
	}
	mask, err := imageio.Decode(maskPath)
	if err != nil {
		return nil, err
	}
	return &Pair{
		Image:  Image(img),
		Mask:   Mask(mask),
		Height: Size,
		Width:  Size,
	}, nil
}

// ImageTensor wraps preprocessed image data as a batch of one:
// [1, Channels, Size, Size].
func ImageTensor[B tensor.Backend](data []float32, backend B) (*tensor.Tensor[float32, B], error) {
	return tensor.FromSlice(data, tensor.Shape{1, Channels, Size, Size}, backend)
}
