package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"syscall"

	"github.com/23skdu/longbow-weightscope/internal/logger"
)

// LoadFile maps a GGUF file into memory and parses the header, metadata and
// tensor table. Tensor data stays in the mapping until Close.
func LoadFile(path string) (*GGUFFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < 24 {
		return nil, io.ErrUnexpectedEOF
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	file, err := Parse(data)
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	file.unmap = syscall.Munmap
	logger.Log.Debug("gguf loaded", "path", path, "version", file.Header.Version,
		"tensors", file.Header.TensorCount, "kv", file.Header.KVCount)
	return file, nil
}

// Parse reads a GGUF image held in memory. Tensor Data slices alias data.
func Parse(data []byte) (*GGUFFile, error) {
	c := &cursor{data: data}
	file := &GGUFFile{Data: data, KV: make(map[string]interface{})}

	var err error
	if file.Header.Magic, err = c.u32(); err != nil {
		return nil, err
	}
	if file.Header.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}
	if file.Header.Version, err = c.u32(); err != nil {
		return nil, err
	}
	if file.Header.Version < 2 || file.Header.Version > GGUFVersion {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}
	if file.Header.TensorCount, err = c.u64(); err != nil {
		return nil, err
	}
	if file.Header.KVCount, err = c.u64(); err != nil {
		return nil, err
	}

	for i := uint64(0); i < file.Header.KVCount; i++ {
		key, err := c.str()
		if err != nil {
			return nil, fmt.Errorf("kv %d key: %w", i, err)
		}
		typ, err := c.u32()
		if err != nil {
			return nil, err
		}
		val, err := c.value(GGUFMetadataValueType(typ))
		if err != nil {
			return nil, fmt.Errorf("kv %s: %w", key, err)
		}
		file.KV[key] = val
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		t, err := c.tensorInfo()
		if err != nil {
			return nil, fmt.Errorf("tensor %d: %w", i, err)
		}
		file.Tensors = append(file.Tensors, t)
	}

	alignment := uint64(defaultAlignment)
	if a := getKVInt(file.KV, "general.alignment"); a > 0 {
		alignment = a
	}
	offset := c.off
	if rem := offset % alignment; rem != 0 {
		offset += alignment - rem
	}
	file.DataOffset = offset

	for _, t := range file.Tensors {
		start := offset + t.Offset
		size := t.SizeBytes()
		if size == 0 {
			continue
		}
		if start+size > uint64(len(data)) {
			return nil, fmt.Errorf("tensor %s: data [%d,%d) out of bounds (%d bytes)", t.Name, start, start+size, len(data))
		}
		t.Data = data[start : start+size]
	}
	return file, nil
}

func (f *GGUFFile) Close() error {
	if f.unmap == nil {
		return nil
	}
	err := f.unmap(f.Data)
	f.unmap = nil
	return err
}

// Tensor looks a tensor up by name.
func (f *GGUFFile) Tensor(name string) (*TensorInfo, bool) {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

type cursor struct {
	data []byte
	off  uint64
}

func (c *cursor) need(n uint64) error {
	if c.off+n > uint64(len(c.data)) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (c *cursor) u8() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.data[c.off]
	c.off++
	return v, nil
}

func (c *cursor) u16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(c.data[c.off:])
	c.off += 2
	return v, nil
}

func (c *cursor) u32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(c.data[c.off:])
	c.off += 4
	return v, nil
}

func (c *cursor) u64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(c.data[c.off:])
	c.off += 8
	return v, nil
}

func (c *cursor) str() (string, error) {
	n, err := c.u64()
	if err != nil {
		return "", err
	}
	if err := c.need(n); err != nil {
		return "", err
	}
	s := string(c.data[c.off : c.off+n])
	c.off += n
	return s, nil
}

func (c *cursor) value(typ GGUFMetadataValueType) (interface{}, error) {
	switch typ {
	case GGUFMetadataValueTypeUint8:
		return c.u8()
	case GGUFMetadataValueTypeInt8:
		v, err := c.u8()
		return int8(v), err
	case GGUFMetadataValueTypeUint16:
		return c.u16()
	case GGUFMetadataValueTypeInt16:
		v, err := c.u16()
		return int16(v), err
	case GGUFMetadataValueTypeUint32:
		return c.u32()
	case GGUFMetadataValueTypeInt32:
		v, err := c.u32()
		return int32(v), err
	case GGUFMetadataValueTypeFloat32:
		v, err := c.u32()
		return math.Float32frombits(v), err
	case GGUFMetadataValueTypeBool:
		v, err := c.u8()
		return v != 0, err
	case GGUFMetadataValueTypeString:
		return c.str()
	case GGUFMetadataValueTypeArray:
		elemType, err := c.u32()
		if err != nil {
			return nil, err
		}
		n, err := c.u64()
		if err != nil {
			return nil, err
		}
		if n > uint64(len(c.data)) {
			return nil, fmt.Errorf("array length %d exceeds file size", n)
		}
		arr := make([]interface{}, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := c.value(GGUFMetadataValueType(elemType))
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	case GGUFMetadataValueTypeUint64:
		return c.u64()
	case GGUFMetadataValueTypeInt64:
		v, err := c.u64()
		return int64(v), err
	case GGUFMetadataValueTypeFloat64:
		v, err := c.u64()
		return math.Float64frombits(v), err
	default:
		return nil, fmt.Errorf("unsupported metadata type: %d", typ)
	}
}

func (c *cursor) tensorInfo() (*TensorInfo, error) {
	name, err := c.str()
	if err != nil {
		return nil, err
	}
	nDims, err := c.u32()
	if err != nil {
		return nil, err
	}
	if nDims > 8 {
		return nil, fmt.Errorf("%s: %d dimensions", name, nDims)
	}
	dims := make([]uint64, nDims)
	for i := range dims {
		if dims[i], err = c.u64(); err != nil {
			return nil, err
		}
	}
	typ, err := c.u32()
	if err != nil {
		return nil, err
	}
	off, err := c.u64()
	if err != nil {
		return nil, err
	}
	return &TensorInfo{Name: name, Dimensions: dims, Type: GGMLType(typ), Offset: off}, nil
}
