// Package checkpoint reads and writes training checkpoints.
//
// A checkpoint is a single binary file holding the model weights, the
// optimizer state and the training position (epoch, step, loss). The layout
// follows Born's .born v2 container:
//
//	0x00  magic "BORN"
//	0x04  uint32 format version
//	0x08  uint32 flags
//	0x0C  uint32 reserved
//	0x10  uint64 JSON header size
//	0x18  uint64 data section size
//	0x20  [32]byte SHA-256 of the data section
//	0x40  JSON header, zero padded to a 64-byte boundary
//	....  tensor data, little endian, in header order
//
// Model tensors are stored under the "model." prefix and optimizer tensors
// under "optimizer.". Files are written atomically: a failed Save never
// leaves a truncated checkpoint behind.
package checkpoint

import (
	"errors"
	"time"

	"github.com/born-ml/born/tensor"
)

// Format constants.
const (
	Magic           = "BORN"
	FormatVersion   = 2
	FixedHeaderSize = 0x40
	Alignment       = 64
	checksumOffset  = 0x20

	maxHeaderSize = 64 << 20
	maxTensors    = 100_000
)

// Tensor name prefixes.
const (
	ModelPrefix     = "model."
	OptimizerPrefix = "optimizer."
)

// Flags.
const (
	FlagHasOptimizer uint32 = 1 << 1
	FlagHasMetadata  uint32 = 1 << 2
)

// Sentinel errors returned by Load and ReadHeader.
var (
	ErrInvalidMagic       = errors.New("invalid magic bytes")
	ErrUnsupportedVersion = errors.New("unsupported format version")
	ErrHeaderTooLarge     = errors.New("header exceeds maximum size")
	ErrChecksumMismatch   = errors.New("checksum mismatch: file may be corrupted")
	ErrTruncated          = errors.New("file is truncated")
)

// Checkpoint is the persisted training state.
type Checkpoint struct {
	ModelType       string
	Epoch           int     // 0-based epoch that produced the weights
	Step            int64   // Optimizer steps taken so far
	Loss            float64 // Mean training loss of Epoch
	Model           map[string]*tensor.RawTensor
	Optimizer       map[string]*tensor.RawTensor
	OptimizerType   string
	OptimizerConfig map[string]any
	CreatedAt       time.Time
	Metadata        map[string]string
}

// Header is the JSON header of a checkpoint file.
type Header struct {
	FormatVersion int               `json:"format_version"`
	ModelType     string            `json:"model_type"`
	CreatedAt     time.Time         `json:"created_at"`
	Tensors       []TensorMeta      `json:"tensors"`
	Metadata      map[string]string `json:"metadata"`
	Training      *TrainingMeta     `json:"checkpoint,omitempty"`
}

// TrainingMeta is the training position stored with the weights.
type TrainingMeta struct {
	Epoch           int            `json:"epoch"`
	Step            int64          `json:"step"`
	Loss            float64        `json:"loss"`
	OptimizerType   string         `json:"optimizer_type"`
	OptimizerConfig map[string]any `json:"optimizer_config,omitempty"`
}

// TensorMeta describes one tensor of the data section.
type TensorMeta struct {
	Name   string `json:"name"`
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset int64  `json:"offset"` // Bytes from the start of the data section
	Size   int64  `json:"size"`
}

// Info is a parsed header together with the file layout.
type Info struct {
	Header
	Version  uint32
	Flags    uint32
	DataSize int64
	Checksum [32]byte
}

func dtypeName(dt tensor.DataType) string {
	switch dt {
	case tensor.Float32:
		return "float32"
	case tensor.Float64:
		return "float64"
	case tensor.Int32:
		return "int32"
	case tensor.Int64:
		return "int64"
	case tensor.Uint8:
		return "uint8"
	case tensor.Bool:
		return "bool"
	default:
		return "unknown"
	}
}

func parseDType(s string) (tensor.DataType, bool) {
	switch s {
	case "float32":
		return tensor.Float32, true
	case "float64":
		return tensor.Float64, true
	case "int32":
		return tensor.Int32, true
	case "int64":
		return tensor.Int64, true
	case "uint8":
		return tensor.Uint8, true
	case "bool":
		return tensor.Bool, true
	default:
		return 0, false
	}
}

func padding(pos int64) int64 {
	return (Alignment - pos%Alignment) % Alignment
}
