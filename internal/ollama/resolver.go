// Package ollama resolves Ollama model references to GGUF blobs on disk.
package ollama

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-weightscope/internal/gguf"
	"github.com/23skdu/longbow-weightscope/internal/logger"
)

const (
	DefaultTag       = "latest"
	DefaultRegistry  = "registry.ollama.ai"
	DefaultNamespace = "library"
	MediaTypeModel   = "application/vnd.ollama.image.model"
)

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Reference is a parsed model name such as "llama3", "llama3:8b",
// "user/model:tag" or "host/user/model:tag".
type Reference struct {
	Registry  string
	Namespace string
	Name      string
	Tag       string
}

func ParseReference(s string) (Reference, error) {
	ref := Reference{Registry: DefaultRegistry, Namespace: DefaultNamespace, Tag: DefaultTag}
	if s == "" {
		return ref, fmt.Errorf("empty model reference")
	}

	path := s
	if i := strings.LastIndex(s, ":"); i > strings.LastIndex(s, "/") {
		path, ref.Tag = s[:i], s[i+1:]
		if ref.Tag == "" {
			return ref, fmt.Errorf("invalid model reference %q: empty tag", s)
		}
	}

	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" {
			return ref, fmt.Errorf("invalid model reference %q", s)
		}
	}
	switch len(parts) {
	case 1:
		ref.Name = parts[0]
	case 2:
		ref.Namespace, ref.Name = parts[0], parts[1]
	case 3:
		ref.Registry, ref.Namespace, ref.Name = parts[0], parts[1], parts[2]
	default:
		return ref, fmt.Errorf("invalid model reference %q", s)
	}
	return ref, nil
}

func (r Reference) String() string {
	return r.Name + ":" + r.Tag
}

func GetOllamaDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// Resolver finds model blobs under an Ollama models directory.
type Resolver struct {
	Dir string
	log *logger.Logger
}

func NewResolver(log *logger.Logger) (*Resolver, error) {
	dir, err := GetOllamaDir()
	if err != nil {
		return nil, err
	}
	return NewResolverAt(dir, log), nil
}

func NewResolverAt(dir string, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.Log
	}
	return &Resolver{Dir: dir, log: log}
}

func (r *Resolver) manifestPath(ref Reference) string {
	return filepath.Join(r.Dir, "manifests", ref.Registry, ref.Namespace, ref.Name, ref.Tag)
}

// Resolve returns the path of the GGUF blob behind ref.
func (r *Resolver) Resolve(ref Reference) (string, error) {
	manifestPath := r.manifestPath(ref)
	data, err := os.ReadFile(manifestPath)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("model manifest not found at %s", manifestPath)
	}
	if err != nil {
		return "", err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("parse manifest %s: %w", manifestPath, err)
	}

	var digest string
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeModel {
			digest = l.Digest
			break
		}
	}
	if digest == "" {
		return "", fmt.Errorf("no model layer found in manifest %s", manifestPath)
	}

	// "sha256:abc" is stored as blobs/sha256-abc
	blobPath := filepath.Join(r.Dir, "blobs", strings.Replace(digest, ":", "-", 1))
	if _, err := os.Stat(blobPath); err != nil {
		return "", fmt.Errorf("model blob not found at %s", blobPath)
	}
	r.log.Debug("resolved ollama model", "model", ref.String(), "blob", blobPath)
	return blobPath, nil
}

// Source resolves s and returns a GGUF source named after the reference.
func (r *Resolver) Source(s string) (*gguf.Source, error) {
	ref, err := ParseReference(s)
	if err != nil {
		return nil, err
	}
	path, err := r.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return gguf.NewSource(path, ref.Name, r.log), nil
}
