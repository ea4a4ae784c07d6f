// Package specmodel defines the validated StudySpec schema and the
// canonicalizer that maps any StudySpec to deterministic bytes and a
// content hash.
package specmodel

// DensityUnits enumerates the accepted material density units.
type DensityUnits string

const (
	DensityGramsPerCC  DensityUnits = "g/cm3"
	DensityAtomsPerBCM DensityUnits = "atom/b-cm"
)

// FractionType enumerates the accepted nuclide fraction kinds.
type FractionType string

const (
	FractionAtom   FractionType = "atom"
	FractionWeight FractionType = "weight"
)

// NuclideSpec is one entry in a material's ordered nuclide list.
type NuclideSpec struct {
	Name         string
	Fraction     float64
	FractionType FractionType
}

// MaterialSpec describes one named material.
type MaterialSpec struct {
	Density      float64
	DensityUnits DensityUnits
	Temperature  float64 // Kelvin
	Nuclides     []NuclideSpec
}

// Geometry is a sum type: today only ScriptGeometry is implemented. Inline
// geometry is an open question left unresolved upstream; parse rejects it.
type Geometry interface {
	isGeometry()
}

// ScriptGeometry references an external geometry-generating script.
type ScriptGeometry struct {
	Path  string
	Entry string
}

func (ScriptGeometry) isGeometry() {}

// SourceDescription optionally overrides the default uniform source.
type SourceDescription struct {
	Kind string // empty when unset by the author, meaning the default source
}

// Settings holds the Monte Carlo run parameters.
type Settings struct {
	Batches  int
	Inactive int
	Particles int
	Seed     int64
	Source   *SourceDescription // nil => declared default
}

// NuclearData identifies the cross-sections library used by the solver.
type NuclearData struct {
	Library string
	Path    string
	// Nuclides is an optional allow-list; set-like, sorted in canonical bytes.
	Nuclides []string
}

// StudySpec is the validated, immutable, user-authored study definition.
type StudySpec struct {
	Name        string
	Description string
	Materials   map[string]MaterialSpec
	Geometry    Geometry
	Settings    Settings
	NuclearData NuclearData
}
