package gguf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
)

type testKV struct {
	key   string
	typ   GGUFMetadataValueType
	value interface{}
}

type testTensor struct {
	name string
	dims []uint64
	typ  GGMLType
	data []byte
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint64(len(s)))
	buf.WriteString(s)
}

func pad(buf *bytes.Buffer, alignment int) {
	for buf.Len()%alignment != 0 {
		buf.WriteByte(0)
	}
}

func buildGGUF(kvs []testKV, tensors []testTensor) []byte {
	buf := new(bytes.Buffer)
	le := binary.LittleEndian
	_ = binary.Write(buf, le, uint32(GGUFMagic))
	_ = binary.Write(buf, le, uint32(GGUFVersion))
	_ = binary.Write(buf, le, uint64(len(tensors)))
	_ = binary.Write(buf, le, uint64(len(kvs)))

	for _, kv := range kvs {
		writeString(buf, kv.key)
		_ = binary.Write(buf, le, uint32(kv.typ))
		if s, ok := kv.value.(string); ok {
			writeString(buf, s)
		} else {
			_ = binary.Write(buf, le, kv.value)
		}
	}

	offset := uint64(0)
	for _, t := range tensors {
		writeString(buf, t.name)
		_ = binary.Write(buf, le, uint32(len(t.dims)))
		for _, d := range t.dims {
			_ = binary.Write(buf, le, d)
		}
		_ = binary.Write(buf, le, uint32(t.typ))
		_ = binary.Write(buf, le, offset)
		offset += uint64(len(t.data)+defaultAlignment-1) / defaultAlignment * defaultAlignment
	}
	pad(buf, defaultAlignment)
	for _, t := range tensors {
		buf.Write(t.data)
		pad(buf, defaultAlignment)
	}
	return buf.Bytes()
}

func writeGGUF(t *testing.T, kvs []testKV, tensors []testTensor) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.gguf")
	if err := os.WriteFile(path, buildGGUF(kvs, tensors), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func f32Bytes(vals ...float32) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, vals)
	return buf.Bytes()
}

func f16Bytes(vals ...uint16) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, vals)
	return buf.Bytes()
}

func TestParseHeaderErrors(t *testing.T) {
	good := buildGGUF(nil, nil)

	badMagic := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(badMagic, 0xdeadbeef)
	var magicErr ErrInvalidMagic
	if _, err := Parse(badMagic); !errors.As(err, &magicErr) {
		t.Errorf("expected ErrInvalidMagic, got %v", err)
	}

	badVersion := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(badVersion[4:], 9)
	var versionErr ErrUnsupportedVersion
	if _, err := Parse(badVersion); !errors.As(err, &versionErr) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}

	if _, err := Parse(good[:10]); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestParseMetadataAndTensors(t *testing.T) {
	data := buildGGUF(
		[]testKV{
			{"general.name", GGUFMetadataValueTypeString, "tiny"},
			{"general.architecture", GGUFMetadataValueTypeString, "llama"},
			{"llama.block_count", GGUFMetadataValueTypeUint32, uint32(2)},
			{"llama.rope.freq_base", GGUFMetadataValueTypeFloat32, float32(10000)},
		},
		[]testTensor{
			{"blk.0.attn_q.weight", []uint64{3, 2}, GGMLTypeF32, f32Bytes(0, 1, 2, 3, 4, 5)},
			{"output_norm.weight", []uint64{4}, GGMLTypeF16, f16Bytes(0x3C00, 0xC000, 0, 0x3800)},
		},
	)

	f, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.KV["general.name"] != "tiny" {
		t.Errorf("unexpected name %v", f.KV["general.name"])
	}
	if f.KV["llama.block_count"] != uint32(2) {
		t.Errorf("unexpected block_count %v", f.KV["llama.block_count"])
	}
	if f.KV["llama.rope.freq_base"] != float32(10000) {
		t.Errorf("unexpected freq_base %v", f.KV["llama.rope.freq_base"])
	}
	if len(f.Tensors) != 2 {
		t.Fatalf("expected 2 tensors, got %d", len(f.Tensors))
	}
	if f.DataOffset%defaultAlignment != 0 {
		t.Errorf("data offset %d not aligned", f.DataOffset)
	}

	q, ok := f.Tensor("blk.0.attn_q.weight")
	if !ok {
		t.Fatal("tensor not found")
	}
	if got := q.Shape(); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("expected row-major shape [2 3], got %v", got)
	}
	if len(q.Data) != 24 {
		t.Errorf("expected 24 data bytes, got %d", len(q.Data))
	}

	s := Summarize(f, "x.gguf")
	if s.ModelName != "tiny" || s.Architecture != "llama" || s.Parameters != 10 {
		t.Errorf("unexpected summary %+v", s)
	}
	if s.TypeCounts["F32"] != 1 || s.TypeCounts["F16"] != 1 {
		t.Errorf("unexpected type counts %v", s.TypeCounts)
	}
}

func TestParseRejectsTruncatedTensorData(t *testing.T) {
	data := buildGGUF(nil, []testTensor{
		{"w", []uint64{64}, GGMLTypeF32, f32Bytes(make([]float32, 64)...)},
	})
	if _, err := Parse(data[:len(data)-64]); err == nil {
		t.Error("expected out-of-bounds error")
	}
}

func TestModelNameFallback(t *testing.T) {
	f := &GGUFFile{KV: map[string]interface{}{}}
	if got := ModelName(f, "/models/qwen2-0.5b.gguf"); got != "qwen2-0.5b" {
		t.Errorf("ModelName = %q", got)
	}
}

func TestGGMLTypeDType(t *testing.T) {
	tests := []struct {
		typ  GGMLType
		want string
	}{
		{GGMLTypeF32, "float32"},
		{GGMLTypeF16, "float16"},
		{GGMLTypeQ8_0, "q8_0"},
		{GGMLTypeQ4_K, "q4_k"},
		{GGMLTypeQ6_K, "q6_k"},
	}
	for _, tt := range tests {
		if got := tt.typ.DType(); got != tt.want {
			t.Errorf("%v.DType() = %q, want %q", tt.typ, got, tt.want)
		}
	}
}

func TestTensorInfoSizeBytes(t *testing.T) {
	tests := []struct {
		name     string
		dims     []uint64
		typ      GGMLType
		expected uint64
	}{
		{"F32 2D", []uint64{10, 20}, GGMLTypeF32, 800},
		{"F16 1D", []uint64{100}, GGMLTypeF16, 200},
		{"Q8_0", []uint64{64}, GGMLTypeQ8_0, 68},
		{"Q4_K", []uint64{256, 2}, GGMLTypeQ4_K, 288},
		{"Q6_K", []uint64{256}, GGMLTypeQ6_K, 210},
		{"unknown", []uint64{256}, GGMLType(77), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &TensorInfo{Dimensions: tt.dims, Type: tt.typ}
			if got := info.SizeBytes(); got != tt.expected {
				t.Errorf("SizeBytes() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := writeGGUF(t, nil, []testTensor{
		{"w", []uint64{2}, GGMLTypeF32, f32Bytes(1.5, -2)},
	})
	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}()

	vals, err := Dequantize(f.Tensors[0])
	if err != nil {
		t.Fatal(err)
	}
	if vals[0] != 1.5 || vals[1] != -2 {
		t.Errorf("unexpected values %v", vals)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.gguf")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFloat16ToFloat32(t *testing.T) {
	tests := []struct {
		bits uint16
		want float32
	}{
		{0x0000, 0},
		{0x3C00, 1},
		{0xC000, -2},
		{0x3800, 0.5},
		{0x7BFF, 65504},
		{0x0001, float32(math.Pow(2, -24))},
		{0x7C00, float32(math.Inf(1))},
		{0xFC00, float32(math.Inf(-1))},
	}
	for _, tt := range tests {
		if got := Float16ToFloat32(tt.bits); got != tt.want {
			t.Errorf("Float16ToFloat32(%#04x) = %v, want %v", tt.bits, got, tt.want)
		}
	}
	if got := Float16ToFloat32(0x7E00); !math.IsNaN(float64(got)) {
		t.Errorf("expected NaN, got %v", got)
	}
}
