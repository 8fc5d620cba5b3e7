package graphio

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestLoad_JSON(t *testing.T) {
	path := writeTemp(t, "graph.json", `{
		"tasks": [
			{"index": 0, "label": "isr", "class": "pkg.Isr", "supportsMultiprocess": true, "dataId": {"visit": 1234}},
			{"index": 1, "label": "calibrate", "class": "pkg.Calibrate", "dependencies": [0]}
		]
	}`)

	nodes, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(nodes))
	}
	if nodes[0].TaskDef.Label != "isr" || !nodes[0].TaskDef.SupportsMultiprocess {
		t.Fatalf("node 0 not decoded correctly: %#v", nodes[0])
	}
	if nodes[0].Quantum["visit"] != float64(1234) {
		t.Fatalf("dataId not carried into payload: %#v", nodes[0].Quantum)
	}
	if _, ok := nodes[1].Dependencies[0]; !ok {
		t.Fatalf("node 1 missing dependency on node 0: %#v", nodes[1])
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeTemp(t, "graph.yaml", `
tasks:
  - index: 0
    label: isr
    class: pkg.Isr
  - index: 1
    label: calibrate
    class: pkg.Calibrate
    dependencies: [0]
`)

	nodes, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(nodes))
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := writeTemp(t, "graph.json", `{
		"tasks": [{"index": 0, "label": "isr", "bogusField": true}]
	}`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field, got nil")
	}
}

func TestLoad_RejectsTrailingData(t *testing.T) {
	path := writeTemp(t, "graph.json", `{"tasks": [{"index": 0, "label": "isr"}]}{"tasks": []}`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for trailing data, got nil")
	}
}

func TestLoad_RejectsEmptyTaskList(t *testing.T) {
	path := writeTemp(t, "graph.json", `{"tasks": []}`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for empty task list, got nil")
	}
}

func TestLoad_RejectsDuplicateIndex(t *testing.T) {
	path := writeTemp(t, "graph.json", `{
		"tasks": [
			{"index": 0, "label": "isr"},
			{"index": 0, "label": "calibrate"}
		]
	}`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for duplicate index, got nil")
	}
}
