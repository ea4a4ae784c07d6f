// Package solverxml writes the solver-native XML input dialect
// (materials.xml, settings.xml) the Bundler stages under a run's inputs/
// directory. The core writes this dialect but never interprets it; the
// solver treats it as an opaque, well-known input format.
package solverxml

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"

	"github.com/antigravity-dev/aonp/internal/specmodel"
)

type materialsXML struct {
	XMLName   xml.Name      `xml:"materials"`
	Materials []materialXML `xml:"material"`
}

type materialXML struct {
	ID          int         `xml:"id,attr"`
	Name        string      `xml:"name,attr"`
	Density     float64     `xml:"density,attr"`
	Units       string      `xml:"units,attr"`
	Temperature float64     `xml:"temperature,attr"`
	Nuclides    []nuclideXML `xml:"nuclide"`
}

type nuclideXML struct {
	Name         string  `xml:"name,attr"`
	Fraction     float64 `xml:"fraction,attr"`
	FractionType string  `xml:"fraction_type,attr"`
}

// WriteMaterials emits one <material> element per spec material in a
// deterministic order (sorted by name), attribute order id/name/density/
// units/temperature, nuclides in declared order — required for P7 bundle
// determinism.
func WriteMaterials(spec *specmodel.StudySpec, path string) error {
	names := sortedMaterialNames(spec)

	doc := materialsXML{}
	for i, name := range names {
		mat := spec.Materials[name]
		nuclides := make([]nuclideXML, 0, len(mat.Nuclides))
		for _, n := range mat.Nuclides {
			nuclides = append(nuclides, nuclideXML{
				Name:         n.Name,
				Fraction:     n.Fraction,
				FractionType: string(n.FractionType),
			})
		}
		doc.Materials = append(doc.Materials, materialXML{
			ID:          i + 1,
			Name:        name,
			Density:     mat.Density,
			Units:       string(mat.DensityUnits),
			Temperature: mat.Temperature,
			Nuclides:    nuclides,
		})
	}

	return writeXML(path, doc)
}

func sortedMaterialNames(spec *specmodel.StudySpec) []string {
	names := make([]string, 0, len(spec.Materials))
	for name := range spec.Materials {
		names = append(names, name)
	}
	sortStrings(names)
	return names
}

// sortStrings sorts s in place in ascending order with an insertion sort.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

type sourceXML struct {
	Kind string `xml:"type,attr,omitempty"`
	// Default declared per spec.md §4.2: uniform over a fixed bounding box
	// when the spec carries no explicit source description.
	Space spaceXML `xml:"space"`
}

type spaceXML struct {
	Type string  `xml:"type,attr"`
	Lower [3]float64 `xml:"lower_left"`
	Upper [3]float64 `xml:"upper_right"`
}

// defaultBoundingBox is the fixed uniform-source bounding box spec.md §4.2
// requires ("value fixed in code, not free-form") when a StudySpec carries
// no explicit source description.
var defaultBoundingBox = spaceXML{
	Type:  "box",
	Lower: [3]float64{-1, -1, -1},
	Upper: [3]float64{1, 1, 1},
}

// WriteSettings echoes batches/inactive/particles/seed and the source
// description, falling back to the fixed default bounding box.
func WriteSettings(spec *specmodel.StudySpec, path string) error {
	doc := struct {
		XMLName   xml.Name  `xml:"settings"`
		Batches   int       `xml:"batches"`
		Inactive  int       `xml:"inactive"`
		Particles int       `xml:"particles"`
		Seed      int64     `xml:"seed"`
		Source    sourceXML `xml:"source"`
	}{
		Batches:   spec.Settings.Batches,
		Inactive:  spec.Settings.Inactive,
		Particles: spec.Settings.Particles,
		Seed:      spec.Settings.Seed,
	}

	if spec.Settings.Source != nil && spec.Settings.Source.Kind != "" {
		doc.Source = sourceXML{Kind: spec.Settings.Source.Kind, Space: defaultBoundingBox}
	} else {
		doc.Source = sourceXML{Space: defaultBoundingBox}
	}

	return writeXML(path, doc)
}

func writeXML(path string, v any) error {
	b, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("solverxml: marshal %s: %w", filepath.Base(path), err)
	}
	b = append([]byte(xml.Header), b...)
	b = append(b, '\n')
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("solverxml: write %s: %w", path, err)
	}
	return nil
}
