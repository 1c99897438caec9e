package gguf

import (
	"fmt"
	"strings"
)

const (
	GGUFMagic   = 0x46554747 // "GGUF"
	GGUFVersion = 3

	defaultAlignment = 32
)

type GGMLType uint32

const (
	GGMLTypeF32  GGMLType = 0
	GGMLTypeF16  GGMLType = 1
	GGMLTypeQ4_0 GGMLType = 2
	GGMLTypeQ4_1 GGMLType = 3
	GGMLTypeQ5_0 GGMLType = 6
	GGMLTypeQ5_1 GGMLType = 7
	GGMLTypeQ8_0 GGMLType = 8
	GGMLTypeQ2_K GGMLType = 10
	GGMLTypeQ3_K GGMLType = 11
	GGMLTypeQ4_K GGMLType = 12
	GGMLTypeQ5_K GGMLType = 13
	GGMLTypeQ6_K GGMLType = 14
	GGMLTypeQ8_K GGMLType = 15
)

type GGUFMetadataValueType uint32

const (
	GGUFMetadataValueTypeUint8   GGUFMetadataValueType = 0
	GGUFMetadataValueTypeInt8    GGUFMetadataValueType = 1
	GGUFMetadataValueTypeUint16  GGUFMetadataValueType = 2
	GGUFMetadataValueTypeInt16   GGUFMetadataValueType = 3
	GGUFMetadataValueTypeUint32  GGUFMetadataValueType = 4
	GGUFMetadataValueTypeInt32   GGUFMetadataValueType = 5
	GGUFMetadataValueTypeFloat32 GGUFMetadataValueType = 6
	GGUFMetadataValueTypeBool    GGUFMetadataValueType = 7
	GGUFMetadataValueTypeString  GGUFMetadataValueType = 8
	GGUFMetadataValueTypeArray   GGUFMetadataValueType = 9
	GGUFMetadataValueTypeUint64  GGUFMetadataValueType = 10
	GGUFMetadataValueTypeInt64   GGUFMetadataValueType = 11
	GGUFMetadataValueTypeFloat64 GGUFMetadataValueType = 12
)

// blockLayout gives elements per block and bytes per block.
func (t GGMLType) blockLayout() (elems, bytes uint64, ok bool) {
	switch t {
	case GGMLTypeF32:
		return 1, 4, true
	case GGMLTypeF16:
		return 1, 2, true
	case GGMLTypeQ4_0:
		return 32, 18, true
	case GGMLTypeQ4_1:
		return 32, 20, true
	case GGMLTypeQ5_0:
		return 32, 22, true
	case GGMLTypeQ5_1:
		return 32, 24, true
	case GGMLTypeQ8_0:
		return 32, 34, true
	case GGMLTypeQ2_K:
		return 256, 84, true
	case GGMLTypeQ3_K:
		return 256, 110, true
	case GGMLTypeQ4_K:
		return 256, 144, true
	case GGMLTypeQ5_K:
		return 256, 176, true
	case GGMLTypeQ6_K:
		return 256, 210, true
	case GGMLTypeQ8_K:
		return 256, 292, true
	default:
		return 0, 0, false
	}
}

// DType is the element type name recorded for a tensor of this type.
func (t GGMLType) DType() string {
	switch t {
	case GGMLTypeF32:
		return "float32"
	case GGMLTypeF16:
		return "float16"
	default:
		return strings.ToLower(t.String())
	}
}

func (t GGMLType) String() string {
	switch t {
	case GGMLTypeF32:
		return "F32"
	case GGMLTypeF16:
		return "F16"
	case GGMLTypeQ4_0:
		return "Q4_0"
	case GGMLTypeQ4_1:
		return "Q4_1"
	case GGMLTypeQ5_0:
		return "Q5_0"
	case GGMLTypeQ5_1:
		return "Q5_1"
	case GGMLTypeQ8_0:
		return "Q8_0"
	case GGMLTypeQ2_K:
		return "Q2_K"
	case GGMLTypeQ3_K:
		return "Q3_K"
	case GGMLTypeQ4_K:
		return "Q4_K"
	case GGMLTypeQ5_K:
		return "Q5_K"
	case GGMLTypeQ6_K:
		return "Q6_K"
	case GGMLTypeQ8_K:
		return "Q8_K"
	default:
		return fmt.Sprintf("UNKNOWN_TYPE_%d", t)
	}
}

type TensorInfo struct {
	Name       string
	Dimensions []uint64 // ne, fastest-varying first
	Type       GGMLType
	Offset     uint64 // relative to the data section
	Data       []byte // slice of the mapped file, SizeBytes long
}

func (t *TensorInfo) NumElements() uint64 {
	n := uint64(1)
	for _, d := range t.Dimensions {
		n *= d
	}
	return n
}

// SizeBytes returns the encoded size, or 0 for unknown types.
func (t *TensorInfo) SizeBytes() uint64 {
	elems, bytes, ok := t.Type.blockLayout()
	if !ok {
		return 0
	}
	return (t.NumElements() + elems - 1) / elems * bytes
}

// Shape returns the dimensions in row-major order (slowest-varying first).
func (t *TensorInfo) Shape() []int {
	shape := make([]int, len(t.Dimensions))
	for i, d := range t.Dimensions {
		shape[len(t.Dimensions)-1-i] = int(d)
	}
	return shape
}

type GGUFFile struct {
	Header     GGUFHeader
	KV         map[string]interface{}
	Tensors    []*TensorInfo
	Data       []byte
	DataOffset uint64

	unmap func([]byte) error
}

type GGUFHeader struct {
	Magic       uint32
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid GGUF magic: %x", e.Magic)
}

type ErrUnsupportedVersion struct{ Version uint32 }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported GGUF version: %d", e.Version)
}
