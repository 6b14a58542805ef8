package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunText(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"-tiling", "2x2"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	assert.Equal(t, "variances [0.1 0.1 0.2 0.2]", lines[0])
	assert.Len(t, lines, 1+4*3, "4 cells with 3 shape kinds")
	assert.True(t, strings.HasPrefix(lines[1], "0\t0\t0\tBox["), lines[1])
}

func TestRunJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ssd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
head:
  range: [10, 10]
  num_classes: 21
  default_boxes:
    - size: 2
      side_ratios: [[1, 1]]
  variances: [1]
tilings: [[2, 2], [1, 1]]
`), 0o600))

	var stdout, stderr bytes.Buffer
	code := run([]string{"-config", path, "-format", "json", "-layer", "0"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var got struct {
		Variances []float32 `json:"variances"`
		Anchors   []Anchor  `json:"anchors"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &got))
	assert.Equal(t, []float32{1, 1, 1, 1}, got.Variances)
	require.Len(t, got.Anchors, 4)
	assert.InDeltaSlice(t, []float32{0.15, 0.65}, got.Anchors[1].Min, 1e-6)
	assert.InDeltaSlice(t, []float32{0.35, 0.85}, got.Anchors[1].Max, 1e-6)
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code int
	}{
		{name: "bad tiling", args: []string{"-tiling", "2xa"}, code: 2},
		{name: "tiling dims", args: []string{"-tiling", "2x2x2"}, code: 1},
		{name: "layer", args: []string{"-layer", "3"}, code: 2},
		{name: "format", args: []string{"-format", "xml"}, code: 1},
		{name: "missing config", args: []string{"-config", "missing.yaml"}, code: 1},
		{name: "unknown flag", args: []string{"-colour"}, code: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			assert.Equal(t, tt.code, run(tt.args, &stdout, &stderr))
		})
	}
}

func TestParseTiling(t *testing.T) {
	grid, err := parseTiling("19X10")
	require.NoError(t, err)
	assert.Equal(t, []int{19, 10}, grid)

	_, err = parseTiling("0x3")
	assert.Error(t, err)
}
