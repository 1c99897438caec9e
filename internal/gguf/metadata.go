package gguf

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Summary describes a GGUF file without decoding tensor data.
type Summary struct {
	ModelName    string
	Architecture string
	TensorCount  int
	Parameters   int64
	TypeCounts   map[string]int
}

func Summarize(f *GGUFFile, path string) Summary {
	s := Summary{
		ModelName:    ModelName(f, path),
		Architecture: getKVString(f.KV, "general.architecture"),
		TensorCount:  len(f.Tensors),
		TypeCounts:   make(map[string]int),
	}
	for _, t := range f.Tensors {
		s.Parameters += int64(t.NumElements())
		s.TypeCounts[t.Type.String()]++
	}
	return s
}

func (s Summary) String() string {
	types := make([]string, 0, len(s.TypeCounts))
	for k, v := range s.TypeCounts {
		types = append(types, fmt.Sprintf("%s=%d", k, v))
	}
	sort.Strings(types)
	return fmt.Sprintf("%s (%s): %d tensors, %d parameters [%s]",
		s.ModelName, s.Architecture, s.TensorCount, s.Parameters, strings.Join(types, " "))
}

// ModelName prefers general.name and falls back to the file's base name.
func ModelName(f *GGUFFile, path string) string {
	if name := getKVString(f.KV, "general.name"); name != "" {
		return name
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func getKVString(kv map[string]interface{}, key string) string {
	s, _ := kv[key].(string)
	return s
}

func getKVInt(kv map[string]interface{}, keys ...string) uint64 {
	for _, k := range keys {
		switch v := kv[k].(type) {
		case uint8:
			return uint64(v)
		case uint16:
			return uint64(v)
		case uint32:
			return uint64(v)
		case uint64:
			return v
		case int32:
			if v > 0 {
				return uint64(v)
			}
		case int64:
			if v > 0 {
				return uint64(v)
			}
		}
	}
	return 0
}
