// gen_fixtures writes a small random model as both a GGUF file and an Arrow
// IPC file, for trying weightscope without a real checkpoint.
package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"math/rand/v2"
	"path/filepath"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/23skdu/longbow-weightscope/internal/arrow_client"
	"github.com/23skdu/longbow-weightscope/internal/gguf"
	"github.com/23skdu/longbow-weightscope/internal/model"
)

const alignment = 32

type tensor struct {
	name string
	dims []int // row-major
	mu   float64
	std  float64
}

var layout = []tensor{
	{"token_embd.weight", []int{16, 8}, 0, 0.02},
	{"blk.0.attn_q.weight", []int{8, 8}, 0, 0.1},
	{"blk.0.ffn_up.weight", []int{32, 8}, 0, 0.05},
	{"output_norm.weight", []int{8}, 1, 0.01},
}

func main() {
	out := flag.String("out", ".", "Output directory")
	name := flag.String("name", "fixture", "Model name")
	seed := flag.Uint64("seed", 1, "Random seed")
	flag.Parse()

	m := randomModel(*name, *seed)
	if err := os.MkdirAll(*out, 0o755); err != nil {
		fail(err)
	}
	ggufPath := filepath.Join(*out, *name+".gguf")
	if err := os.WriteFile(ggufPath, encodeGGUF(m), 0o644); err != nil {
		fail(err)
	}
	arrowPath := filepath.Join(*out, *name+".arrow")
	if err := arrow_client.WriteFile(arrowPath, m); err != nil {
		fail(err)
	}
	fmt.Printf("wrote %s and %s (%d parameters)\n", ggufPath, arrowPath, m.NumParameters())
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func randomModel(name string, seed uint64) *model.Model {
	src := rand.NewPCG(seed, seed)
	m := &model.Model{Name: name}
	for _, t := range layout {
		dist := distuv.Normal{Mu: t.mu, Sigma: t.std, Src: src}
		p := model.ParameterTensor{Name: t.name, Shape: t.dims, DType: "float32"}
		p.Data = make([]float64, p.NumElements())
		for i := range p.Data {
			// Round through float32 so both files hold identical values.
			p.Data[i] = float64(float32(dist.Rand()))
		}
		m.Parameters = append(m.Parameters, p)
	}
	return m
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint64(len(s)))
	buf.WriteString(s)
}

func pad(buf *bytes.Buffer) {
	for buf.Len()%alignment != 0 {
		buf.WriteByte(0)
	}
}

// encodeGGUF lays out a version 3 file with F32 tensors. GGUF stores dims
// innermost first, so the row-major shape is written reversed.
func encodeGGUF(m *model.Model) []byte {
	le := binary.LittleEndian
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, le, uint32(gguf.GGUFMagic))
	_ = binary.Write(buf, le, uint32(gguf.GGUFVersion))
	_ = binary.Write(buf, le, uint64(len(m.Parameters)))
	_ = binary.Write(buf, le, uint64(1))

	writeString(buf, "general.name")
	_ = binary.Write(buf, le, uint32(gguf.GGUFMetadataValueTypeString))
	writeString(buf, m.Name)

	var offset uint64
	for _, p := range m.Parameters {
		writeString(buf, p.Name)
		_ = binary.Write(buf, le, uint32(len(p.Shape)))
		for i := len(p.Shape) - 1; i >= 0; i-- {
			_ = binary.Write(buf, le, uint64(p.Shape[i]))
		}
		_ = binary.Write(buf, le, uint32(gguf.GGMLTypeF32))
		_ = binary.Write(buf, le, offset)
		size := uint64(4 * len(p.Data))
		offset += (size + alignment - 1) / alignment * alignment
	}
	pad(buf)
	for _, p := range m.Parameters {
		for _, v := range p.Data {
			_ = binary.Write(buf, le, float32(v))
		}
		pad(buf)
	}
	return buf.Bytes()
}
