package model

import (
	"strings"

	"github.com/born-ml/born/loader"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"

	"github.com/born-ml/canopy/internal/checkpoint"
	"github.com/born-ml/canopy/internal/errs"
)

// Mode selects training or evaluation behaviour.
type Mode int

// Modes.
const (
	ModeTrain Mode = iota
	ModeEval
)

func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeEval:
		return "eval"
	default:
		return "unknown"
	}
}

// Model owns a Network and its current Mode.
type Model[B tensor.Backend] struct {
	Network[B]
	mode Mode
}

// New wraps net in a Model in training mode.
func New[B tensor.Backend](net Network[B]) *Model[B] {
	return &Model[B]{Network: net, mode: ModeTrain}
}

// Mode returns the current mode.
func (m *Model[B]) Mode() Mode {
	return m.mode
}

// SetMode switches mode and returns the previous one.
func (m *Model[B]) SetMode(mode Mode) Mode {
	prev := m.mode
	m.mode = mode
	return prev
}

// Predict runs a forward pass and returns the per-pixel class map of shape
// [N, H, W].
func (m *Model[B]) Predict(x *tensor.Tensor[float32, B]) []int32 {
	logits := m.Forward(x)
	return Argmax(logits.Raw().AsFloat32(), logits.Shape())
}

// ClassifierPrefix names the final classification layer, the one layer never
// taken from pretrained weights.
const ClassifierPrefix = "classifier.2."

// BuildOptions configures Build.
type BuildOptions struct {
	Pretrained     bool
	PretrainedPath string // SafeTensors or GGUF weight file
}

// Build constructs a TreeNet on backend.
//
// With Pretrained set, every tensor except the final classifier layer is
// loaded from PretrainedPath; the classifier keeps its fresh initialization.
func Build[B tensor.Backend](backend B, opts BuildOptions) (*Model[B], error) {
	net := NewTreeNet(backend)
	if opts.Pretrained {
		if err := loadPretrained(net, opts.PretrainedPath, backend); err != nil {
			return nil, err
		}
	}
	return New[B](net), nil
}

func loadPretrained[B tensor.Backend](net Network[B], path string, backend B) error {
	if path == "" {
		return errs.NewModelLoad("", "", errors.New("pretrained weights requested without a weight file"))
	}
	reader, err := loader.OpenModel(path)
	if err != nil {
		return errs.NewModelLoad(path, "", err)
	}
	defer reader.Close()

	skip := func(name string) bool { return strings.HasPrefix(name, ClassifierPrefix) }

	src := make(map[string]*tensor.RawTensor)
	for _, name := range reader.TensorNames() {
		if skip(name) {
			continue
		}
		raw, err := reader.LoadTensor(name, backend)
		if err != nil {
			return errs.NewModelLoad(path, name, err)
		}
		src[name] = raw
	}
	return withPath(CopyState(net.StateDict(), src, skip), path)
}

// LoadWeights loads the model weights of the checkpoint at path into m.
//
// Missing or unreadable files, missing tensors and shape mismatches are
// reported as *errs.ModelLoadError.
func LoadWeights[B tensor.Backend](m Network[B], path string, device tensor.Device) (*checkpoint.Checkpoint, error) {
	ck, err := checkpoint.Load(path, device)
	if err != nil {
		return nil, errs.NewModelLoad(path, "", err)
	}
	if err := withPath(m.LoadStateDict(ck.Model), path); err != nil {
		return nil, err
	}
	return ck, nil
}

// withPath fills in the file path of a ModelLoadError produced by CopyState.
func withPath(err error, path string) error {
	if err == nil {
		return nil
	}
	var le *errs.ModelLoadError
	if errors.As(err, &le) {
		if le.Path == "" {
			le.Path = path
		}
		return le
	}
	return errs.NewModelLoad(path, "", err)
}

// Argmax returns the index of the largest logit over the class axis of a
// [N, C, H, W] tensor, giving a [N, H, W] class map. Ties resolve to the
// lowest class index.
func Argmax(logits []float32, shape tensor.Shape) []int32 {
	if len(shape) != 4 {
		panic("model: argmax expects [N, C, H, W] logits")
	}
	n, c, plane := shape[0], shape[1], shape[2]*shape[3]

	out := make([]int32, n*plane)
	for b := 0; b < n; b++ {
		base := b * c * plane
		for p := 0; p < plane; p++ {
			best, bestVal := 0, logits[base+p]
			for k := 1; k < c; k++ {
				if v := logits[base+k*plane+p]; v > bestVal {
					best, bestVal = k, v
				}
			}
			out[b*plane+p] = int32(best)
		}
	}
	return out
}
