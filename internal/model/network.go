// Package model defines the segmentation network and the adapter the
// training, evaluation and inference pipelines drive it through.
package model

import (
	"fmt"
	"slices"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"

	"github.com/born-ml/canopy/internal/errs"
)

// NumClasses is the number of per-pixel classes: 0 background, 1 tree.
const NumClasses = 2

// Network is a per-pixel classifier.
//
// Forward maps a [N, 3, H, W] image batch to [N, NumClasses, H, W] logits.
// StateDict returns the live parameter tensors keyed by name; LoadStateDict
// copies values into them.
type Network[B tensor.Backend] interface {
	Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]
	Parameters() []*nn.Parameter[B]
	StateDict() map[string]*tensor.RawTensor
	LoadStateDict(stateDict map[string]*tensor.RawTensor) error
}

type convLayer[B tensor.Backend] struct {
	name string
	conv *nn.Conv2D[B]
}

// TreeNet is a small fully convolutional segmentation network.
//
//	backbone.0    Conv2D 3→16, 3x3, pad 1
//	              ReLU
//	backbone.2    Conv2D 16→32, 3x3, pad 1
//	              ReLU
//	classifier.0  Conv2D 32→32, 3x3, pad 1
//	              ReLU
//	classifier.2  Conv2D 32→NumClasses, 1x1
//
// Every convolution keeps the spatial size, so logits come out at the input
// resolution.
type TreeNet[B tensor.Backend] struct {
	layers []convLayer[B]
	relu   *nn.ReLU[B]
}

// NewTreeNet creates a TreeNet with Xavier-initialized weights.
func NewTreeNet[B tensor.Backend](backend B) *TreeNet[B] {
	return &TreeNet[B]{
		layers: []convLayer[B]{
			{"backbone.0", nn.NewConv2D(3, 16, 3, 3, 1, 1, true, backend)},
			{"backbone.2", nn.NewConv2D(16, 32, 3, 3, 1, 1, true, backend)},
			{"classifier.0", nn.NewConv2D(32, 32, 3, 3, 1, 1, true, backend)},
			{"classifier.2", nn.NewConv2D(32, NumClasses, 1, 1, 1, 0, true, backend)},
		},
		relu: nn.NewReLU[B](),
	}
}

// Forward computes per-pixel class logits.
func (n *TreeNet[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	last := len(n.layers) - 1
	for i, l := range n.layers {
		x = l.conv.Forward(x)
		if i < last {
			x = n.relu.Forward(x)
		}
	}
	return x
}

// Parameters returns all trainable parameters in layer order.
func (n *TreeNet[B]) Parameters() []*nn.Parameter[B] {
	params := make([]*nn.Parameter[B], 0, 2*len(n.layers))
	for _, l := range n.layers {
		params = append(params, l.conv.Parameters()...)
	}
	return params
}

// StateDict returns the parameter tensors keyed "<layer>.weight" and
// "<layer>.bias".
func (n *TreeNet[B]) StateDict() map[string]*tensor.RawTensor {
	dict := make(map[string]*tensor.RawTensor, 2*len(n.layers))
	for _, l := range n.layers {
		params := l.conv.Parameters()
		dict[l.name+".weight"] = params[0].Tensor().Raw()
		if len(params) > 1 {
			dict[l.name+".bias"] = params[1].Tensor().Raw()
		}
	}
	return dict
}

// LoadStateDict copies every tensor of the network from stateDict.
//
// The dict must hold every parameter with the same shape and dtype; extra
// entries are ignored. On error nothing has been modified.
func (n *TreeNet[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	return CopyState(n.StateDict(), stateDict, nil)
}

// String describes the architecture.
func (n *TreeNet[B]) String() string {
	s := "TreeNet(\n"
	for _, l := range n.layers {
		s += fmt.Sprintf("  %s: %s\n", l.name, l.conv.String())
	}
	return s + ")"
}

// CopyState copies src into the live tensors of dst.
//
// Names for which skip returns true are left untouched. Every other name of
// dst must be present in src with an identical shape and dtype. All entries
// are checked before any is copied. Failures are *errs.ModelLoadError with
// the tensor name set and the path left empty.
func CopyState(dst, src map[string]*tensor.RawTensor, skip func(name string) bool) error {
	names := make([]string, 0, len(dst))
	for name := range dst {
		if skip != nil && skip(name) {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		want, got := dst[name], src[name]
		if got == nil {
			return errs.NewModelLoad("", name, errors.New("missing"))
		}
		if !want.Shape().Equal(got.Shape()) {
			return errs.NewModelLoad("", name, errors.Errorf("shape %v does not match %v", got.Shape(), want.Shape()))
		}
		if want.DType() != got.DType() {
			return errs.NewModelLoad("", name, errors.Errorf("dtype %v does not match %v", got.DType(), want.DType()))
		}
	}
	for _, name := range names {
		copy(dst[name].Data(), src[name].Data())
	}
	return nil
}
