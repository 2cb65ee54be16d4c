package onnx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// NodeInfo describes one named graph input or output.
type NodeInfo struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
}

// Graph is one ONNX file and the node names callers feed and read.
type Graph struct {
	Name string
	Path string

	Inputs  []NodeInfo
	Outputs []NodeInfo
}

// NewGraph checks that path exists and returns a graph named after the file.
func NewGraph(path string, inputs, outputs []NodeInfo) (Graph, error) {
	if strings.TrimSpace(path) == "" {
		return Graph{}, errors.New("onnx graph path is required")
	}

	path = filepath.Clean(path)
	if _, err := os.Stat(path); err != nil {
		return Graph{}, fmt.Errorf("onnx graph: %w", err)
	}

	return Graph{
		Name:    strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Path:    path,
		Inputs:  append([]NodeInfo(nil), inputs...),
		Outputs: append([]NodeInfo(nil), outputs...),
	}, nil
}

// CheckInputs reports inputs the graph declares but the caller did not
// provide, and inputs the graph does not declare.
func (g Graph) CheckInputs(inputs map[string]*Tensor) error {
	if len(g.Inputs) == 0 {
		return nil
	}

	declared := make(map[string]bool, len(g.Inputs))

	for _, n := range g.Inputs {
		declared[n.Name] = true

		if _, ok := inputs[n.Name]; !ok {
			return fmt.Errorf("graph %q: missing input %q", g.Name, n.Name)
		}
	}

	for name := range inputs {
		if !declared[name] {
			return fmt.Errorf("graph %q: unexpected input %q (declared: %s)", g.Name, name, nodeNames(g.Inputs))
		}
	}

	return nil
}

func nodeNames(nodes []NodeInfo) string {
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}

	return strings.Join(names, ",")
}
