package checkpoint

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
)

// ReadHeader reads the header of the checkpoint at path without loading or
// verifying the tensor data.
func ReadHeader(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := readHeader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read checkpoint header %s", path)
	}
	return info, nil
}

// Load reads and verifies the checkpoint at path. Tensors are allocated for
// device.
func Load(path string, device tensor.Device) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ck, err := Decode(raw, device)
	if err != nil {
		return nil, errors.Wrapf(err, "load checkpoint %s", path)
	}
	return ck, nil
}

// Decode parses a complete checkpoint file image.
func Decode(file []byte, device tensor.Device) (*Checkpoint, error) {
	r := bytes.NewReader(file)
	info, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	start := int64(len(file)) - int64(r.Len())
	start += padding(start)
	if start+info.DataSize > int64(len(file)) {
		return nil, ErrTruncated
	}
	data := file[start : start+info.DataSize]

	if sha256.Sum256(data) != info.Checksum {
		return nil, ErrChecksumMismatch
	}
	if err := validateTensors(info.Tensors, info.DataSize); err != nil {
		return nil, err
	}

	ck := &Checkpoint{
		ModelType: info.ModelType,
		CreatedAt: info.CreatedAt,
		Metadata:  info.Metadata,
		Model:     map[string]*tensor.RawTensor{},
		Optimizer: map[string]*tensor.RawTensor{},
	}
	if t := info.Training; t != nil {
		ck.Epoch = t.Epoch
		ck.Step = t.Step
		ck.Loss = t.Loss
		ck.OptimizerType = t.OptimizerType
		ck.OptimizerConfig = t.OptimizerConfig
	}

	for _, meta := range info.Tensors {
		dtype, _ := parseDType(meta.DType)
		raw, err := tensor.NewRaw(tensor.Shape(meta.Shape), dtype, device)
		if err != nil {
			return nil, errors.Wrapf(err, "allocate tensor %s", meta.Name)
		}
		copy(raw.Data(), data[meta.Offset:meta.Offset+meta.Size])

		switch {
		case strings.HasPrefix(meta.Name, ModelPrefix):
			ck.Model[strings.TrimPrefix(meta.Name, ModelPrefix)] = raw
		case strings.HasPrefix(meta.Name, OptimizerPrefix):
			ck.Optimizer[strings.TrimPrefix(meta.Name, OptimizerPrefix)] = raw
		default:
			return nil, errors.Errorf("tensor %q has no model or optimizer prefix", meta.Name)
		}
	}
	return ck, nil
}

func readHeader(r io.Reader) (*Info, error) {
	fixed := make([]byte, FixedHeaderSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	if string(fixed[0:4]) != Magic {
		return nil, ErrInvalidMagic
	}

	info := &Info{
		Version: binary.LittleEndian.Uint32(fixed[4:8]),
		Flags:   binary.LittleEndian.Uint32(fixed[8:12]),
	}
	if info.Version != FormatVersion {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "got %d, want %d", info.Version, FormatVersion)
	}

	headerSize := binary.LittleEndian.Uint64(fixed[16:24])
	if headerSize > maxHeaderSize {
		return nil, ErrHeaderTooLarge
	}
	dataSize := binary.LittleEndian.Uint64(fixed[24:32])
	if dataSize > 1<<62 {
		return nil, ErrTruncated
	}
	info.DataSize = int64(dataSize)
	copy(info.Checksum[:], fixed[checksumOffset:checksumOffset+sha256.Size])

	headerJSON := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, ErrTruncated
	}
	if err := json.Unmarshal(headerJSON, &info.Header); err != nil {
		return nil, errors.Wrap(err, "parse header JSON")
	}
	return info, nil
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\\x00") || strings.Contains(name, "..") {
		return errors.Errorf("invalid tensor name %q", name)
	}
	return nil
}

// validateTensors checks names, dtypes, sizes and that no two tensors
// overlap or run past the data section.
func validateTensors(tensors []TensorMeta, dataSize int64) error {
	if len(tensors) > maxTensors {
		return errors.Errorf("too many tensors: %d", len(tensors))
	}

	sorted := slices.Clone(tensors)
	slices.SortFunc(sorted, func(a, b TensorMeta) int {
		switch {
		case a.Offset < b.Offset:
			return -1
		case a.Offset > b.Offset:
			return 1
		}
		return 0
	})

	for i, t := range sorted {
		name := strings.TrimPrefix(strings.TrimPrefix(t.Name, ModelPrefix), OptimizerPrefix)
		if err := validateName(name); err != nil {
			return err
		}
		dtype, ok := parseDType(t.DType)
		if !ok {
			return errors.Errorf("tensor %q: unknown dtype %q", t.Name, t.DType)
		}
		if t.Offset < 0 || t.Size < 0 || t.Offset+t.Size > dataSize {
			return errors.Errorf("tensor %q: region [%d, %d) outside data section of %d bytes", t.Name, t.Offset, t.Offset+t.Size, dataSize)
		}
		if len(t.Shape) > 0 {
			if err := tensor.Shape(t.Shape).Validate(); err != nil {
				return errors.Wrapf(err, "tensor %q", t.Name)
			}
		}
		if want := int64(tensor.Shape(t.Shape).NumElements() * dtype.Size()); want != t.Size {
			return errors.Errorf("tensor %q: shape %v needs %d bytes, header says %d", t.Name, t.Shape, want, t.Size)
		}
		if i+1 < len(sorted) && t.Offset+t.Size > sorted[i+1].Offset {
			return errors.Errorf("tensors %q and %q overlap", t.Name, sorted[i+1].Name)
		}
	}
	return nil
}
