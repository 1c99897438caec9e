// inspect_gguf prints the header of a GGUF file and, with -stats, the
// descriptive statistics of each decodable tensor.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/23skdu/longbow-weightscope/internal/gguf"
	"github.com/23skdu/longbow-weightscope/internal/model"
	"github.com/23skdu/longbow-weightscope/internal/ollama"
	"github.com/23skdu/longbow-weightscope/internal/stats"
)

func main() {
	modelPath := flag.String("model", "", "Path to GGUF file or Ollama model name")
	filter := flag.String("filter", "", "Only list tensors whose name contains this")
	withStats := flag.Bool("stats", false, "Decode tensors and print statistics")
	showKV := flag.Bool("kv", false, "Print every metadata key")
	flag.Parse()

	if *modelPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -model is required")
		flag.Usage()
		os.Exit(1)
	}

	path := *modelPath
	if !strings.HasSuffix(strings.ToLower(path), ".gguf") {
		r, err := ollama.NewResolver(nil)
		if err == nil {
			if ref, perr := ollama.ParseReference(path); perr == nil {
				if resolved, rerr := r.Resolve(ref); rerr == nil {
					path = resolved
				}
			}
		}
	}

	f, err := gguf.LoadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = f.Close()
	}()

	fmt.Println(gguf.Summarize(f, path))

	if *showKV {
		keys := make([]string, 0, len(f.KV))
		for k := range f.KV {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println("\n=== Metadata ===")
		for _, k := range keys {
			v := fmt.Sprintf("%v", f.KV[k])
			if len(v) > 80 {
				v = v[:77] + "..."
			}
			fmt.Printf("%-40s %s\n", k, v)
		}
	}

	fmt.Println("\n=== Tensors ===")
	for _, t := range f.Tensors {
		if *filter != "" && !strings.Contains(t.Name, *filter) {
			continue
		}
		fmt.Printf("%-40s %-8s %-14s", t.Name, t.Type.DType(), model.FormatShape(t.Shape()))
		if *withStats {
			vals, err := gguf.Dequantize(t)
			if err != nil {
				fmt.Printf(" (%v)", err)
			} else {
				x := make([]float64, len(vals))
				for i, v := range vals {
					x[i] = float64(v)
				}
				r := stats.Describe(x)
				fmt.Printf(" min=%.4g max=%.4g mean=%.4g median=%.4g std=%.4g mad=%.4g",
					r.Min, r.Max, r.Mean, r.Median, math.Sqrt(r.Variance), r.MAD)
			}
		}
		fmt.Println()
	}
}
