// Package geometry invokes a study's referenced geometry-generating script
// as a child process to produce the solver's geometry.xml input, and
// copies the script into inputs/ for provenance — the boundary spec.md §1
// draws around "geometry-script execution mechanics beyond invoke external
// solver": the core's job ends at running the script and capturing its
// output deterministically.
package geometry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/antigravity-dev/aonp/internal/aonperr"
	"github.com/antigravity-dev/aonp/internal/specmodel"
)

const runTimeout = 60 * time.Second

// Run invokes spec.Geometry's script with the canonical materials object on
// stdin, writes its stdout to geometryXMLPath, and copies the script into
// inputsDir for provenance, per spec.md §4.2 step 6.
func Run(ctx context.Context, spec *specmodel.StudySpec, inputsDir, geometryXMLPath string) error {
	sg, ok := spec.Geometry.(specmodel.ScriptGeometry)
	if !ok {
		return aonperr.Newf(aonperr.Geometry, "unsupported geometry implementation %T", spec.Geometry)
	}

	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	materialsJSON, err := canonicalMaterialsJSON(spec)
	if err != nil {
		return aonperr.Wrap(aonperr.Geometry, err)
	}

	cmd := exec.CommandContext(ctx, sg.Path, sg.Entry)
	cmd.Stdin = bytes.NewReader(materialsJSON)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := stderr.String()
		if detail == "" {
			detail = err.Error()
		}
		return aonperr.New(aonperr.Geometry, "geometry script failed").WithDetail(detail)
	}

	if err := os.WriteFile(geometryXMLPath, stdout.Bytes(), 0644); err != nil {
		return aonperr.Wrap(aonperr.IO, fmt.Errorf("write geometry.xml: %w", err))
	}

	if err := copyScript(sg.Path, inputsDir); err != nil {
		return aonperr.Wrap(aonperr.IO, err)
	}
	return nil
}

func canonicalMaterialsJSON(spec *specmodel.StudySpec) ([]byte, error) {
	names := make([]string, 0, len(spec.Materials))
	for name := range spec.Materials {
		names = append(names, name)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j-1] > names[j]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
	materials := make(map[string]any, len(names))
	for _, name := range names {
		materials[name] = spec.Materials[name]
	}
	return json.Marshal(materials)
}

func copyScript(scriptPath, inputsDir string) error {
	src, err := os.Open(scriptPath)
	if err != nil {
		return fmt.Errorf("open geometry script: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat geometry script: %w", err)
	}

	dstPath := filepath.Join(inputsDir, filepath.Base(scriptPath))
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return fmt.Errorf("create geometry script copy: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy geometry script: %w", err)
	}
	return nil
}
