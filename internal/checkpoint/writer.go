package checkpoint

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Save writes ck to path atomically.
//
// The checkpoint is encoded into a temporary file in the destination
// directory, synced and renamed over path. On error the temporary file is
// removed and any existing file at path is left untouched.
func Save(path string, ck *Checkpoint) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create checkpoint directory")
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temporary checkpoint")
	}
	tmpName := tmp.Name()
	closed := false
	defer func() {
		if err == nil {
			return
		}
		if !closed {
			err = multierr.Append(err, tmp.Close())
		}
		_ = os.Remove(tmpName)
	}()

	w := bufio.NewWriter(tmp)
	if err := Encode(w, ck); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "flush checkpoint")
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "sync checkpoint")
	}
	closed = true
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close checkpoint")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrap(err, "rename checkpoint")
	}
	return nil
}

// entry is one tensor scheduled for the data section.
type entry struct {
	name string
	raw  *tensor.RawTensor
}

// entries flattens the model and optimizer dicts into prefixed, sorted entries.
func entries(ck *Checkpoint) ([]entry, error) {
	out := make([]entry, 0, len(ck.Model)+len(ck.Optimizer))
	add := func(prefix string, dict map[string]*tensor.RawTensor) error {
		for name, raw := range dict {
			if raw == nil {
				return errors.Errorf("tensor %q is nil", prefix+name)
			}
			if err := validateName(name); err != nil {
				return err
			}
			out = append(out, entry{name: prefix + name, raw: raw})
		}
		return nil
	}
	if err := add(ModelPrefix, ck.Model); err != nil {
		return nil, err
	}
	if err := add(OptimizerPrefix, ck.Optimizer); err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b entry) int { return strings.Compare(a.name, b.name) })
	return out, nil
}

// Encode writes ck to w in checkpoint format.
func Encode(w io.Writer, ck *Checkpoint) error {
	if ck == nil {
		return errors.New("nil checkpoint")
	}
	tensors, err := entries(ck)
	if err != nil {
		return err
	}

	header := Header{
		FormatVersion: FormatVersion,
		ModelType:     ck.ModelType,
		CreatedAt:     ck.CreatedAt.UTC(),
		Tensors:       make([]TensorMeta, 0, len(tensors)),
		Metadata:      ck.Metadata,
		Training: &TrainingMeta{
			Epoch:           ck.Epoch,
			Step:            ck.Step,
			Loss:            ck.Loss,
			OptimizerType:   ck.OptimizerType,
			OptimizerConfig: ck.OptimizerConfig,
		},
	}
	if header.Metadata == nil {
		header.Metadata = map[string]string{}
	}

	hash := sha256.New()
	var offset int64
	for _, e := range tensors {
		size := int64(e.raw.NumElements() * e.raw.DType().Size())
		data, err := tensorBytes(e)
		if err != nil {
			return err
		}
		header.Tensors = append(header.Tensors, TensorMeta{
			Name:   e.name,
			DType:  dtypeName(e.raw.DType()),
			Shape:  []int(e.raw.Shape()),
			Offset: offset,
			Size:   size,
		})
		hash.Write(data)
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "marshal checkpoint header")
	}

	var flags uint32
	if len(ck.Optimizer) > 0 {
		flags |= FlagHasOptimizer
	}
	if len(ck.Metadata) > 0 {
		flags |= FlagHasMetadata
	}

	fixed := make([]byte, FixedHeaderSize)
	copy(fixed[0:4], Magic)
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersion)
	binary.LittleEndian.PutUint32(fixed[8:12], flags)
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixed[24:32], uint64(offset))
	copy(fixed[checksumOffset:], hash.Sum(nil))

	if _, err := w.Write(fixed); err != nil {
		return errors.Wrap(err, "write fixed header")
	}
	if _, err := w.Write(headerJSON); err != nil {
		return errors.Wrap(err, "write header")
	}
	if pad := padding(int64(FixedHeaderSize + len(headerJSON))); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return errors.Wrap(err, "write padding")
		}
	}
	for _, e := range tensors {
		data, _ := tensorBytes(e)
		if _, err := w.Write(data); err != nil {
			return errors.Wrapf(err, "write tensor %s", e.name)
		}
	}
	return nil
}

// tensorBytes returns exactly the bytes of e's elements.
func tensorBytes(e entry) ([]byte, error) {
	size := e.raw.NumElements() * e.raw.DType().Size()
	data := e.raw.Data()
	if len(data) < size {
		return nil, errors.Errorf("tensor %q: %d bytes for %d elements", e.name, len(data), e.raw.NumElements())
	}
	return data[:size], nil
}
