package voice

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileStyle is one entry of a voice file. It accepts either a bare
// embedding array or an object with language and embedding keys.
type fileStyle struct {
	Language  string    `json:"language" yaml:"language"`
	Embedding []float32 `json:"embedding" yaml:"embedding"`
}

func (f *fileStyle) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, &f.Embedding)
	}
	type plain fileStyle
	return json.Unmarshal(data, (*plain)(f))
}

func (f *fileStyle) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		return node.Decode(&f.Embedding)
	}
	type plain fileStyle
	return node.Decode((*plain)(f))
}

// Decode reads a voice table from r. format is "json" or "yaml". The table
// maps voice names to either an embedding array or an object:
//
//	af_sky:
//	  language: en-us
//	  embedding: [0.12, -0.3, …]
//	bf_emma: [0.05, 0.2, …]
func Decode(r io.Reader, format string) ([]Style, error) {
	var table map[string]fileStyle
	switch strings.ToLower(format) {
	case "json":
		if err := json.NewDecoder(r).Decode(&table); err != nil {
			return nil, fmt.Errorf("voice: decode json: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.NewDecoder(r).Decode(&table); err != nil {
			return nil, fmt.Errorf("voice: decode yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("voice: unsupported voice file format %q", format)
	}
	styles := make([]Style, 0, len(table))
	for _, name := range slices.Sorted(maps.Keys(table)) {
		fs := table[name]
		styles = append(styles, Style{Name: name, Language: fs.Language, Embedding: fs.Embedding})
	}
	return styles, nil
}

// LoadFile reads a JSON or YAML voice table, choosing the decoder by file
// extension.
func LoadFile(path string) ([]Style, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("voice: open voice file: %w", err)
	}
	defer f.Close()
	return Decode(f, strings.TrimPrefix(filepath.Ext(path), "."))
}
