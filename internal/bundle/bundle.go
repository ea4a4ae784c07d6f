// Package bundle materializes a self-contained run directory (inputs,
// manifest, solver XML) for a validated StudySpec, per spec.md §4.2. The
// Bundler is purely filesystem + CPU; it never touches the Run Store.
package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/antigravity-dev/aonp/internal/aonperr"
	"github.com/antigravity-dev/aonp/internal/clock"
	"github.com/antigravity-dev/aonp/internal/geometry"
	"github.com/antigravity-dev/aonp/internal/solverxml"
	"github.com/antigravity-dev/aonp/internal/specmodel"
)

// Paths are the absolute filesystem locations created by create_bundle.
type Paths struct {
	Root    string
	Inputs  string
	Outputs string
}

// NuclearDataValidator is an optional hook (default no-op) that a future
// implementation can use to verify nuclide coverage against the
// cross-sections index without changing the Bundler's exported contract —
// the Open Question in spec.md §9 about nuclide/library cross-validation
// is left to the solver today.
type NuclearDataValidator interface {
	Validate(spec *specmodel.StudySpec) *aonperr.Error
}

type noopValidator struct{}

func (noopValidator) Validate(*specmodel.StudySpec) *aonperr.Error { return nil }

// Bundler creates bundle directories under a fixed runs_root.
type Bundler struct {
	runsRoot  string
	clock     clock.Clock
	validator NuclearDataValidator
}

// New builds a Bundler rooted at runsRoot (spec.md §6's AONP_RUNS_ROOT).
func New(runsRoot string) *Bundler {
	return &Bundler{runsRoot: runsRoot, clock: clock.System{}, validator: noopValidator{}}
}

// WithClock overrides the clock used to stamp run_manifest.json.
func (b *Bundler) WithClock(c clock.Clock) *Bundler {
	b.clock = c
	return b
}

// WithNuclearDataValidator installs a NuclearDataValidator hook.
func (b *Bundler) WithNuclearDataValidator(v NuclearDataValidator) *Bundler {
	b.validator = v
	return b
}

type manifest struct {
	RunID     string         `json:"run_id"`
	SpecHash  string         `json:"spec_hash"`
	CreatedAt string         `json:"created_at"`
	Status    string         `json:"status"`
	Error     *aonperr.Error `json:"error"`
}

type nuclearDataRef struct {
	Library  string   `json:"library"`
	Path     string   `json:"path"`
	Nuclides []string `json:"nuclides,omitempty"`
}

// CreateBundle implements spec.md §4.2's create_bundle contract.
func (b *Bundler) CreateBundle(ctx context.Context, spec *specmodel.StudySpec, runID string) (*Paths, *aonperr.Error) {
	if err := b.validator.Validate(spec); err != nil {
		return nil, err
	}

	root, absErr := filepath.Abs(filepath.Join(b.runsRoot, runID))
	if absErr != nil {
		return nil, aonperr.Wrap(aonperr.IO, fmt.Errorf("resolve bundle root: %w", absErr))
	}
	if _, err := os.Stat(root); err == nil {
		return nil, aonperr.Newf(aonperr.Bundle, "bundle for run %q already exists", runID)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, aonperr.Wrap(aonperr.IO, fmt.Errorf("create bundle root: %w", err))
	}

	paths := &Paths{
		Root:    root,
		Inputs:  filepath.Join(root, "inputs"),
		Outputs: filepath.Join(root, "outputs"),
	}

	if failErr := b.populate(ctx, spec, runID, paths); failErr != nil {
		os.RemoveAll(root)
		return nil, failErr
	}
	return paths, nil
}

func (b *Bundler) populate(ctx context.Context, spec *specmodel.StudySpec, runID string, paths *Paths) *aonperr.Error {
	hash := specmodel.SpecHashOf(spec)

	if err := os.WriteFile(filepath.Join(paths.Root, "study_spec.json"), specmodel.CanonicalBytes(spec), 0644); err != nil {
		return aonperr.Wrap(aonperr.IO, fmt.Errorf("write study_spec.json: %w", err))
	}

	now := b.clock.Now()
	m := manifest{RunID: runID, SpecHash: string(hash), CreatedAt: now.UTC().Format(time.RFC3339Nano), Status: "created"}
	manifestBytes, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return aonperr.Wrap(aonperr.IO, fmt.Errorf("marshal run_manifest.json: %w", err))
	}
	if err := os.WriteFile(filepath.Join(paths.Root, "run_manifest.json"), manifestBytes, 0644); err != nil {
		return aonperr.Wrap(aonperr.IO, fmt.Errorf("write run_manifest.json: %w", err))
	}

	ref := nuclearDataRef{Library: spec.NuclearData.Library, Path: spec.NuclearData.Path, Nuclides: spec.NuclearData.Nuclides}
	refBytes, err := json.MarshalIndent(ref, "", "  ")
	if err != nil {
		return aonperr.Wrap(aonperr.IO, fmt.Errorf("marshal nuclear_data.ref.json: %w", err))
	}
	if err := os.WriteFile(filepath.Join(paths.Root, "nuclear_data.ref.json"), refBytes, 0644); err != nil {
		return aonperr.Wrap(aonperr.IO, fmt.Errorf("write nuclear_data.ref.json: %w", err))
	}

	if err := os.MkdirAll(paths.Inputs, 0755); err != nil {
		return aonperr.Wrap(aonperr.IO, fmt.Errorf("create inputs/: %w", err))
	}
	if err := os.MkdirAll(paths.Outputs, 0755); err != nil {
		return aonperr.Wrap(aonperr.IO, fmt.Errorf("create outputs/: %w", err))
	}

	if err := solverxml.WriteMaterials(spec, filepath.Join(paths.Inputs, "materials.xml")); err != nil {
		return aonperr.Wrap(aonperr.Bundle, err)
	}
	if err := solverxml.WriteSettings(spec, filepath.Join(paths.Inputs, "settings.xml")); err != nil {
		return aonperr.Wrap(aonperr.Bundle, err)
	}
	if gerr := geometry.Run(ctx, spec, paths.Inputs, filepath.Join(paths.Inputs, "geometry.xml")); gerr != nil {
		if ae, ok := gerr.(*aonperr.Error); ok {
			return ae
		}
		return aonperr.Wrap(aonperr.Geometry, gerr)
	}

	return nil
}
