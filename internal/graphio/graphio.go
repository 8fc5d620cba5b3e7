// Package graphio loads a quantum graph definition from a YAML or JSON
// file into the node set the scheduler operates on. It is the external
// collaborator boundary between however a graph was produced and the
// scheduler's in-memory graphview.View.
package graphio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"qgraphexec/internal/quantum"
)

// taskDoc is one quantum as it appears in a graph definition file.
type taskDoc struct {
	Index                int            `json:"index" yaml:"index"`
	Label                string         `json:"label" yaml:"label"`
	Class                string         `json:"class" yaml:"class"`
	SupportsMultiprocess bool           `json:"supportsMultiprocess" yaml:"supportsMultiprocess"`
	DataID               map[string]any `json:"dataId" yaml:"dataId"`
	Dependencies         []int          `json:"dependencies" yaml:"dependencies"`
}

// graphDoc is the top-level shape of a graph definition file.
type graphDoc struct {
	Tasks []taskDoc `json:"tasks" yaml:"tasks"`
}

// Load reads and parses the graph definition at path, returning the node
// set ready to hand to graphview.New or scheduler.Config.Nodes.
//
// Format is chosen by extension: ".yaml"/".yml" for YAML, anything else
// for JSON. The loader is deterministic:
//   - Disallows unknown fields (to avoid silent divergence between the
//     file and what this version of the code understands).
//   - Rejects trailing data after the document.
//   - Does not consult environment variables.
func Load(path string) ([]quantum.Node, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("graphio: read %s: %w", path, err)
	}

	var doc graphDoc
	if isYAML(path) {
		doc, err = decodeYAML(b)
	} else {
		doc, err = decodeJSON(b)
	}
	if err != nil {
		return nil, fmt.Errorf("graphio: parse %s: %w", path, err)
	}

	return toNodes(doc)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func decodeJSON(b []byte) (graphDoc, error) {
	var doc graphDoc
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return graphDoc{}, err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return graphDoc{}, fmt.Errorf("trailing data")
		}
		return graphDoc{}, err
	}
	return doc, nil
}

func decodeYAML(b []byte) (graphDoc, error) {
	var doc graphDoc
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return graphDoc{}, err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return graphDoc{}, fmt.Errorf("trailing document")
		}
		return graphDoc{}, err
	}
	return doc, nil
}

func toNodes(doc graphDoc) ([]quantum.Node, error) {
	if len(doc.Tasks) == 0 {
		return nil, fmt.Errorf("graphio: no tasks")
	}

	seen := make(map[int]bool, len(doc.Tasks))
	nodes := make([]quantum.Node, 0, len(doc.Tasks))
	for _, t := range doc.Tasks {
		if seen[t.Index] {
			return nil, fmt.Errorf("graphio: duplicate task index %d", t.Index)
		}
		seen[t.Index] = true
		if t.Label == "" {
			return nil, fmt.Errorf("graphio: task %d missing label", t.Index)
		}

		def := quantum.TaskDef{
			Label:                t.Label,
			ClassName:            t.Class,
			SupportsMultiprocess: t.SupportsMultiprocess,
		}
		payload := make(quantum.Payload, len(t.DataID))
		for k, v := range t.DataID {
			payload[k] = v
		}
		nodes = append(nodes, quantum.NewNode(t.Index, def, payload, t.Dependencies...))
	}
	return nodes, nil
}
