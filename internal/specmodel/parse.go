package specmodel

import (
	"regexp"

	"github.com/antigravity-dev/aonp/internal/aonperr"
)

// nuclidePattern matches element+mass identifiers such as "U235" or "H1".
var nuclidePattern = regexp.MustCompile(`^[A-Z][a-z]?[0-9]{1,3}[a-z]?$`)

const (
	fractionSumMin = 0.99
	fractionSumMax = 1.01
)

// Parse validates an untrusted raw tree (as produced by unmarshaling JSON or
// YAML into map[string]any) into a StudySpec. It never panics; every
// rejection is returned as an *aonperr.Error of Type Validation.
func Parse(raw map[string]any) (*StudySpec, *aonperr.Error) {
	spec := &StudySpec{}

	name, err := reqString(raw, "name")
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, aonperr.New(aonperr.Validation, "name must be non-empty")
	}
	spec.Name = name
	spec.Description, _ = optString(raw, "description")

	materials, err := parseMaterials(raw["materials"])
	if err != nil {
		return nil, err
	}
	spec.Materials = materials

	geom, err := parseGeometry(raw["geometry"])
	if err != nil {
		return nil, err
	}
	spec.Geometry = geom

	settings, err := parseSettings(raw["settings"])
	if err != nil {
		return nil, err
	}
	spec.Settings = settings

	nd, err := parseNuclearData(raw["nuclear_data"])
	if err != nil {
		return nil, err
	}
	spec.NuclearData = nd

	return spec, nil
}

func parseMaterials(v any) (map[string]MaterialSpec, *aonperr.Error) {
	tree, ok := v.(map[string]any)
	if !ok || len(tree) == 0 {
		return nil, aonperr.New(aonperr.Validation, "materials must be a non-empty object")
	}
	out := make(map[string]MaterialSpec, len(tree))
	for name, raw := range tree {
		mtree, ok := raw.(map[string]any)
		if !ok {
			return nil, aonperr.Newf(aonperr.Validation, "material %q must be an object", name)
		}
		m, err := parseMaterial(name, mtree)
		if err != nil {
			return nil, err
		}
		out[name] = *m
	}
	return out, nil
}

func parseMaterial(name string, tree map[string]any) (*MaterialSpec, *aonperr.Error) {
	density, err := reqFloat(tree, "density")
	if err != nil {
		return nil, prefixed(name, err)
	}
	if density <= 0 {
		return nil, aonperr.Newf(aonperr.Validation, "material %q: density must be positive", name)
	}

	unitsStr, err := reqString(tree, "density_units")
	if err != nil {
		return nil, prefixed(name, err)
	}
	units := DensityUnits(unitsStr)
	if units != DensityGramsPerCC && units != DensityAtomsPerBCM {
		return nil, aonperr.Newf(aonperr.Validation, "material %q: unknown density_units %q", name, unitsStr)
	}

	temp, err := reqFloat(tree, "temperature")
	if err != nil {
		return nil, prefixed(name, err)
	}
	if temp <= 0 {
		return nil, aonperr.Newf(aonperr.Validation, "material %q: temperature must be positive", name)
	}

	rawNuclides, ok := tree["nuclides"].([]any)
	if !ok || len(rawNuclides) == 0 {
		return nil, aonperr.Newf(aonperr.Validation, "material %q: nuclides must be a non-empty ordered list", name)
	}

	nuclides := make([]NuclideSpec, 0, len(rawNuclides))
	sum := 0.0
	for i, rn := range rawNuclides {
		ntree, ok := rn.(map[string]any)
		if !ok {
			return nil, aonperr.Newf(aonperr.Validation, "material %q: nuclide[%d] must be an object", name, i)
		}
		n, err := parseNuclide(name, i, ntree)
		if err != nil {
			return nil, err
		}
		nuclides = append(nuclides, *n)
		sum += n.Fraction
	}
	if sum < fractionSumMin || sum > fractionSumMax {
		return nil, aonperr.Newf(aonperr.Validation,
			"material %q: nuclide fractions sum to %.6f, outside [%.2f, %.2f]",
			name, sum, fractionSumMin, fractionSumMax)
	}

	return &MaterialSpec{
		Density:      density,
		DensityUnits: units,
		Temperature:  temp,
		Nuclides:     nuclides,
	}, nil
}

func parseNuclide(material string, idx int, tree map[string]any) (*NuclideSpec, *aonperr.Error) {
	name, err := reqString(tree, "name")
	if err != nil {
		return nil, prefixed(material, err)
	}
	if !nuclidePattern.MatchString(name) {
		return nil, aonperr.Newf(aonperr.Validation, "material %q: nuclide[%d] name %q does not match element+mass pattern", material, idx, name)
	}
	fraction, err := reqFloat(tree, "fraction")
	if err != nil {
		return nil, prefixed(material, err)
	}
	if fraction <= 0 || fraction > 1 {
		return nil, aonperr.Newf(aonperr.Validation, "material %q: nuclide %q fraction must be in (0,1]", material, name)
	}
	ftStr, err := reqString(tree, "fraction_type")
	if err != nil {
		return nil, prefixed(material, err)
	}
	ft := FractionType(ftStr)
	if ft != FractionAtom && ft != FractionWeight {
		return nil, aonperr.Newf(aonperr.Validation, "material %q: nuclide %q unknown fraction_type %q", material, name, ftStr)
	}
	return &NuclideSpec{Name: name, Fraction: fraction, FractionType: ft}, nil
}

func parseGeometry(v any) (Geometry, *aonperr.Error) {
	tree, ok := v.(map[string]any)
	if !ok {
		return nil, aonperr.New(aonperr.Validation, "geometry must be an object")
	}
	kind, _ := optString(tree, "kind")
	switch kind {
	case "script", "":
		path, err := reqString(tree, "path")
		if err != nil {
			return nil, err
		}
		entry, err := reqString(tree, "entry_point")
		if err != nil {
			return nil, err
		}
		return ScriptGeometry{Path: path, Entry: entry}, nil
	default:
		return nil, aonperr.Newf(aonperr.Validation, "unsupported_geometry_kind: %q", kind)
	}
}

func parseSettings(v any) (Settings, *aonperr.Error) {
	tree, ok := v.(map[string]any)
	if !ok {
		return Settings{}, aonperr.New(aonperr.Validation, "settings must be an object")
	}
	batches, err := reqInt(tree, "batches")
	if err != nil {
		return Settings{}, err
	}
	if batches <= 0 {
		return Settings{}, aonperr.New(aonperr.Validation, "settings.batches must be > 0")
	}
	inactive, err := reqInt(tree, "inactive")
	if err != nil {
		return Settings{}, err
	}
	if inactive < 0 {
		return Settings{}, aonperr.New(aonperr.Validation, "settings.inactive must be >= 0")
	}
	if inactive >= batches {
		return Settings{}, aonperr.New(aonperr.Validation, "settings.inactive must be < settings.batches")
	}
	particles, err := reqInt(tree, "particles")
	if err != nil {
		return Settings{}, err
	}
	if particles <= 0 {
		return Settings{}, aonperr.New(aonperr.Validation, "settings.particles must be > 0")
	}
	seed, err := reqInt(tree, "seed")
	if err != nil {
		return Settings{}, err
	}

	var source *SourceDescription
	if raw, ok := tree["source"]; ok && raw != nil {
		stree, ok := raw.(map[string]any)
		if !ok {
			return Settings{}, aonperr.New(aonperr.Validation, "settings.source must be an object")
		}
		kind, _ := optString(stree, "kind")
		source = &SourceDescription{Kind: kind}
	}

	return Settings{
		Batches:   batches,
		Inactive:  inactive,
		Particles: particles,
		Seed:      int64(seed),
		Source:    source,
	}, nil
}

func parseNuclearData(v any) (NuclearData, *aonperr.Error) {
	tree, ok := v.(map[string]any)
	if !ok {
		return NuclearData{}, aonperr.New(aonperr.Validation, "nuclear_data must be an object")
	}
	library, err := reqString(tree, "library")
	if err != nil {
		return NuclearData{}, err
	}
	path, err := reqString(tree, "path")
	if err != nil {
		return NuclearData{}, err
	}
	var nuclides []string
	if raw, ok := tree["nuclides"].([]any); ok {
		for _, item := range raw {
			s, ok := item.(string)
			if !ok {
				return NuclearData{}, aonperr.New(aonperr.Validation, "nuclear_data.nuclides entries must be strings")
			}
			nuclides = append(nuclides, s)
		}
	}
	return NuclearData{Library: library, Path: path, Nuclides: nuclides}, nil
}

// --- small typed-tree accessors ---

func reqString(tree map[string]any, key string) (string, *aonperr.Error) {
	v, ok := tree[key]
	if !ok {
		return "", aonperr.Newf(aonperr.Validation, "missing required field %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", aonperr.Newf(aonperr.Validation, "field %q must be a string, got %T", key, v)
	}
	return s, nil
}

func optString(tree map[string]any, key string) (string, bool) {
	v, ok := tree[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func reqFloat(tree map[string]any, key string) (float64, *aonperr.Error) {
	v, ok := tree[key]
	if !ok {
		return 0, aonperr.Newf(aonperr.Validation, "missing required field %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, aonperr.Newf(aonperr.Validation, "field %q must be numeric, got %T", key, v)
	}
}

func reqInt(tree map[string]any, key string) (int, *aonperr.Error) {
	v, ok := tree[key]
	if !ok {
		return 0, aonperr.Newf(aonperr.Validation, "missing required field %q", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, aonperr.Newf(aonperr.Validation, "field %q must be an integer, got %v", key, n)
		}
		return int(n), nil
	default:
		return 0, aonperr.Newf(aonperr.Validation, "field %q must be an integer, got %T", key, v)
	}
}

func prefixed(name string, err *aonperr.Error) *aonperr.Error {
	if err == nil {
		return nil
	}
	return aonperr.Newf(aonperr.Validation, "material %q: %s", name, err.Message)
}
