package train

import (
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
)

// AdamConfig holds Adam hyperparameters. Zero values select the defaults.
type AdamConfig struct {
	LR    float32    // default 0.001
	Betas [2]float32 // default [0.9, 0.999]
	Eps   float32    // default 1e-8
}

func (c AdamConfig) withDefaults() AdamConfig {
	if c.LR == 0 {
		c.LR = 0.001
	}
	if c.Betas[0] == 0 {
		c.Betas[0] = 0.9
	}
	if c.Betas[1] == 0 {
		c.Betas[1] = 0.999
	}
	if c.Eps == 0 {
		c.Eps = 1e-8
	}
	return c
}

// Parameterized is anything exposing trainable parameters and their names.
type Parameterized[B tensor.Backend] interface {
	Parameters() []*nn.Parameter[B]
	StateDict() map[string]*tensor.RawTensor
}

type namedParam[B tensor.Backend] struct {
	name  string
	param *nn.Parameter[B]
}

// Adam is the Adam optimizer with bias correction over named parameters.
//
//	m_t = beta1*m + (1-beta1)*g
//	v_t = beta2*v + (1-beta2)*g²
//	p  -= lr * (m_t/(1-beta1^t)) / (sqrt(v_t/(1-beta2^t)) + eps)
//
// Its moments and timestep are exposed through StateDict so a checkpoint can
// carry them across runs.
type Adam[B tensor.Backend] struct {
	params []namedParam[B]
	cfg    AdamConfig
	t      int64
	m      map[string]*tensor.RawTensor
	v      map[string]*tensor.RawTensor
	device tensor.Device
}

// NewAdam creates an optimizer for the parameters of net. Parameters are
// named after their StateDict keys.
func NewAdam[B tensor.Backend](net Parameterized[B], cfg AdamConfig, backend B) *Adam[B] {
	names := make(map[*tensor.RawTensor]string)
	for name, raw := range net.StateDict() {
		names[raw] = name
	}

	params := make([]namedParam[B], 0, len(names))
	for i, p := range net.Parameters() {
		name, ok := names[p.Tensor().Raw()]
		if !ok {
			name = "param." + strconv.Itoa(i)
		}
		params = append(params, namedParam[B]{name: name, param: p})
	}
	slices.SortFunc(params, func(a, b namedParam[B]) int { return strings.Compare(a.name, b.name) })

	return &Adam[B]{
		params: params,
		cfg:    cfg.withDefaults(),
		m:      make(map[string]*tensor.RawTensor),
		v:      make(map[string]*tensor.RawTensor),
		device: backend.Device(),
	}
}

// Step applies one update. Parameters without a gradient are skipped.
func (a *Adam[B]) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) error {
	a.t++
	bc1 := float32(1 - math.Pow(float64(a.cfg.Betas[0]), float64(a.t)))
	bc2 := float32(1 - math.Pow(float64(a.cfg.Betas[1]), float64(a.t)))

	for _, np := range a.params {
		raw := np.param.Tensor().Raw()
		grad := grads[raw]
		if grad == nil {
			continue
		}
		m, err := a.moment(a.m, np.name, raw.Shape())
		if err != nil {
			return err
		}
		v, err := a.moment(a.v, np.name, raw.Shape())
		if err != nil {
			return err
		}
		a.update(raw.AsFloat32(), grad.AsFloat32(), m.AsFloat32(), v.AsFloat32(), bc1, bc2)
	}
	return nil
}

func (a *Adam[B]) moment(store map[string]*tensor.RawTensor, name string, shape tensor.Shape) (*tensor.RawTensor, error) {
	if raw, ok := store[name]; ok {
		return raw, nil
	}
	raw, err := tensor.NewRaw(shape, tensor.Float32, a.device)
	if err != nil {
		return nil, errors.Wrapf(err, "allocate moment for %s", name)
	}
	store[name] = raw
	return raw, nil
}

func (a *Adam[B]) update(param, grad, m, v []float32, bc1, bc2 float32) {
	beta1, beta2 := a.cfg.Betas[0], a.cfg.Betas[1]
	for i := range param {
		g := grad[i]
		m[i] = beta1*m[i] + (1-beta1)*g
		v[i] = beta2*v[i] + (1-beta2)*g*g
		mHat := m[i] / bc1
		vHat := v[i] / bc2
		param[i] -= a.cfg.LR * mHat / (float32(math.Sqrt(float64(vHat))) + a.cfg.Eps)
	}
}

// ZeroGrad clears the gradients of all parameters.
func (a *Adam[B]) ZeroGrad() {
	for _, np := range a.params {
		np.param.ZeroGrad()
	}
}

// Timestep returns the number of steps taken.
func (a *Adam[B]) Timestep() int64 {
	return a.t
}

// LR returns the learning rate.
func (a *Adam[B]) LR() float32 {
	return a.cfg.LR
}

// Config returns the hyperparameters for checkpoint metadata.
func (a *Adam[B]) Config() map[string]any {
	return map[string]any{
		"lr":    a.cfg.LR,
		"beta1": a.cfg.Betas[0],
		"beta2": a.cfg.Betas[1],
		"eps":   a.cfg.Eps,
	}
}

// StateDict returns the optimizer state: "t" holds the timestep and
// "m.<param>" / "v.<param>" the moment estimates.
func (a *Adam[B]) StateDict() (map[string]*tensor.RawTensor, error) {
	t, err := tensor.NewRaw(tensor.Shape{1}, tensor.Int64, a.device)
	if err != nil {
		return nil, errors.Wrap(err, "optimizer timestep")
	}
	t.AsInt64()[0] = a.t

	dict := make(map[string]*tensor.RawTensor, 1+len(a.m)+len(a.v))
	dict["t"] = t
	for name, raw := range a.m {
		dict["m."+name] = raw
	}
	for name, raw := range a.v {
		dict["v."+name] = raw
	}
	return dict, nil
}

// LoadStateDict restores state produced by StateDict. Moments for unknown
// parameters or with the wrong shape are rejected; on error the optimizer is
// unchanged.
func (a *Adam[B]) LoadStateDict(dict map[string]*tensor.RawTensor) error {
	t, ok := dict["t"]
	if !ok || t.DType() != tensor.Int64 || t.NumElements() != 1 {
		return errors.New("optimizer state has no timestep")
	}

	m := make(map[string]*tensor.RawTensor)
	v := make(map[string]*tensor.RawTensor)
	for _, np := range a.params {
		shape := np.param.Tensor().Shape()
		for prefix, store := range map[string]map[string]*tensor.RawTensor{"m.": m, "v.": v} {
			raw, ok := dict[prefix+np.name]
			if !ok {
				continue
			}
			if raw.DType() != tensor.Float32 || !raw.Shape().Equal(shape) {
				return errors.Errorf("optimizer state %s%s: shape %v does not match %v", prefix, np.name, raw.Shape(), shape)
			}
			cp, err := tensor.NewRaw(shape, tensor.Float32, a.device)
			if err != nil {
				return errors.Wrapf(err, "allocate moment for %s", np.name)
			}
			copy(cp.AsFloat32(), raw.AsFloat32())
			store[np.name] = cp
		}
	}

	a.t = t.AsInt64()[0]
	a.m, a.v = m, v
	return nil
}
