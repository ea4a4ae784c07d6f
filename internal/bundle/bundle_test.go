package bundle

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/aonp/internal/aonperr"
	"github.com/antigravity-dev/aonp/internal/clock"
	"github.com/antigravity-dev/aonp/internal/specmodel"
)

func pinCellSpec(geometryScript string) *specmodel.StudySpec {
	return &specmodel.StudySpec{
		Name: "pin-cell",
		Materials: map[string]specmodel.MaterialSpec{
			"fuel": {
				Density: 10.4, DensityUnits: specmodel.DensityGramsPerCC, Temperature: 900,
				Nuclides: []specmodel.NuclideSpec{
					{Name: "U235", Fraction: 0.03, FractionType: specmodel.FractionAtom},
					{Name: "U238", Fraction: 0.97, FractionType: specmodel.FractionAtom},
				},
			},
		},
		Geometry: specmodel.ScriptGeometry{Path: geometryScript, Entry: "build"},
		Settings: specmodel.Settings{Batches: 120, Inactive: 20, Particles: 1000, Seed: 7},
		NuclearData: specmodel.NuclearData{
			Library: "endfb80", Path: "/data/endfb80/cross_sections.xml",
		},
	}
}

func writeGeometryScript(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "geometry.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho '<geometry/>'\n"), 0755); err != nil {
		t.Fatalf("write geometry script: %v", err)
	}
	return path
}

func TestCreateBundlePopulatesAllArtifacts(t *testing.T) {
	dir := t.TempDir()
	geometryScript := writeGeometryScript(t, dir)
	runsRoot := filepath.Join(dir, "runs")

	b := New(runsRoot).WithClock(clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	spec := pinCellSpec(geometryScript)

	paths, err := b.CreateBundle(context.Background(), spec, "run-1")
	if err != nil {
		t.Fatalf("create bundle: %v", err)
	}

	for _, name := range []string{"study_spec.json", "run_manifest.json", "nuclear_data.ref.json"} {
		if _, statErr := os.Stat(filepath.Join(paths.Root, name)); statErr != nil {
			t.Errorf("missing %s: %v", name, statErr)
		}
	}
	for _, name := range []string{"materials.xml", "settings.xml", "geometry.xml", "geometry.sh"} {
		if _, statErr := os.Stat(filepath.Join(paths.Inputs, name)); statErr != nil {
			t.Errorf("missing inputs/%s: %v", name, statErr)
		}
	}
	if _, statErr := os.Stat(paths.Outputs); statErr != nil {
		t.Errorf("outputs/ not created: %v", statErr)
	}

	manifestBytes, readErr := os.ReadFile(filepath.Join(paths.Root, "run_manifest.json"))
	if readErr != nil {
		t.Fatalf("read manifest: %v", readErr)
	}
	var m manifest
	if err := json.Unmarshal(manifestBytes, &m); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if m.RunID != "run-1" {
		t.Errorf("manifest run_id = %q, want run-1", m.RunID)
	}
	if m.SpecHash != string(specmodel.SpecHashOf(spec)) {
		t.Errorf("manifest spec_hash mismatch")
	}
}

func TestCreateBundleRejectsDuplicateRunID(t *testing.T) {
	dir := t.TempDir()
	geometryScript := writeGeometryScript(t, dir)
	runsRoot := filepath.Join(dir, "runs")

	b := New(runsRoot)
	spec := pinCellSpec(geometryScript)
	ctx := context.Background()

	if _, err := b.CreateBundle(ctx, spec, "run-dup"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := b.CreateBundle(ctx, spec, "run-dup"); err == nil {
		t.Fatal("expected an error for a duplicate run_id bundle")
	}
}

type rejectingValidator struct{}

func (rejectingValidator) Validate(*specmodel.StudySpec) *aonperr.Error {
	return aonperr.New(aonperr.Validation, "nuclide not covered by cross-sections index")
}

func TestCreateBundleHonorsNuclearDataValidator(t *testing.T) {
	dir := t.TempDir()
	geometryScript := writeGeometryScript(t, dir)
	runsRoot := filepath.Join(dir, "runs")

	b := New(runsRoot).WithNuclearDataValidator(rejectingValidator{})
	spec := pinCellSpec(geometryScript)

	_, err := b.CreateBundle(context.Background(), spec, "run-rejected")
	if err == nil || err.Type != aonperr.Validation {
		t.Fatalf("expected a Validation error, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(runsRoot, "run-rejected")); !os.IsNotExist(statErr) {
		t.Error("bundle directory should not exist after validator rejection")
	}
}
