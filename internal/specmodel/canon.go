package specmodel

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
)

// SpecHash is the lowercase hex SHA-256 of a StudySpec's canonical bytes.
type SpecHash string

// CanonicalBytes serializes spec deterministically: sorted object keys at
// every depth, no insignificant whitespace, shortest round-trip numeric
// representation, ordered sequences preserved in place, set-like sequences
// sorted by a documented stable key.
func CanonicalBytes(spec *StudySpec) []byte {
	return encodeValue(toCanonicalTree(spec))
}

// SpecHashOf hashes a StudySpec's canonical bytes.
func SpecHashOf(spec *StudySpec) SpecHash {
	sum := sha256.Sum256(CanonicalBytes(spec))
	return SpecHash(hex.EncodeToString(sum[:]))
}

// toCanonicalTree converts a StudySpec into a tree of maps/slices/scalars
// ready for canonical encoding. Materials and nuclear_data.nuclides are
// set-like and sorted by name; nuclide lists within a material are ordered
// and preserved as authored.
func toCanonicalTree(spec *StudySpec) any {
	materialNames := make([]string, 0, len(spec.Materials))
	for name := range spec.Materials {
		materialNames = append(materialNames, name)
	}
	sort.Strings(materialNames)

	materials := make(map[string]any, len(spec.Materials))
	for _, name := range materialNames {
		m := spec.Materials[name]
		nuclides := make([]any, 0, len(m.Nuclides))
		for _, n := range m.Nuclides {
			nuclides = append(nuclides, map[string]any{
				"name":          n.Name,
				"fraction":      n.Fraction,
				"fraction_type": string(n.FractionType),
			})
		}
		materials[name] = map[string]any{
			"density":       m.Density,
			"density_units": string(m.DensityUnits),
			"temperature":   m.Temperature,
			"nuclides":      nuclides,
		}
	}

	var geometry map[string]any
	switch g := spec.Geometry.(type) {
	case ScriptGeometry:
		geometry = map[string]any{
			"kind":        "script",
			"path":        g.Path,
			"entry_point": g.Entry,
		}
	default:
		geometry = map[string]any{"kind": "unknown"}
	}

	settings := map[string]any{
		"batches":   spec.Settings.Batches,
		"inactive":  spec.Settings.Inactive,
		"particles": spec.Settings.Particles,
		"seed":      spec.Settings.Seed,
	}
	if spec.Settings.Source != nil {
		settings["source"] = map[string]any{"kind": spec.Settings.Source.Kind}
	}

	nuclearData := map[string]any{
		"library": spec.NuclearData.Library,
		"path":    spec.NuclearData.Path,
	}
	if len(spec.NuclearData.Nuclides) > 0 {
		sorted := append([]string(nil), spec.NuclearData.Nuclides...)
		sort.Strings(sorted)
		list := make([]any, len(sorted))
		for i, s := range sorted {
			list[i] = s
		}
		nuclearData["nuclides"] = list
	}

	tree := map[string]any{
		"name":         spec.Name,
		"materials":    materials,
		"geometry":     geometry,
		"settings":     settings,
		"nuclear_data": nuclearData,
	}
	if spec.Description != "" {
		tree["description"] = spec.Description
	}
	return tree
}

// encodeValue renders v as canonical JSON: object keys sorted, no
// insignificant whitespace, separators "," and ":".
func encodeValue(v any) []byte {
	var buf bytes.Buffer
	writeValue(&buf, v)
	return buf.Bytes()
}

func writeValue(buf *bytes.Buffer, v any) {
	switch t := v.(type) {
	case map[string]any:
		writeObject(buf, t)
	case []any:
		writeArray(buf, t)
	case string:
		writeString(buf, t)
	case int:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case float64:
		writeNumber(buf, t)
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case nil:
		buf.WriteString("null")
	default:
		// Unreachable for trees built by toCanonicalTree.
		b, _ := json.Marshal(t)
		buf.Write(b)
	}
}

func writeObject(buf *bytes.Buffer, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, k)
		buf.WriteByte(':')
		writeValue(buf, m[k])
	}
	buf.WriteByte('}')
}

func writeArray(buf *bytes.Buffer, a []any) {
	buf.WriteByte('[')
	for i, v := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeValue(buf, v)
	}
	buf.WriteByte(']')
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

// writeNumber emits the shortest round-trip decimal representation, with
// no trailing ".0" for integral values.
func writeNumber(buf *bytes.Buffer, f float64) {
	if f == float64(int64(f)) {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}
