package importers

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ValueKind tags the concrete type held by a Value
type ValueKind uint8

const (
	KindFloat ValueKind = iota
	KindInt
	KindBool
	KindString
	KindVector
)

// Value is a single material parameter value
type Value struct {
	Kind   ValueKind `json:"kind" cbor:"1,keyasint"`
	Float  float64   `json:"float,omitempty" cbor:"2,keyasint,omitempty"`
	Int    int64     `json:"int,omitempty" cbor:"3,keyasint,omitempty"`
	Bool   bool      `json:"bool,omitempty" cbor:"4,keyasint,omitempty"`
	String string    `json:"string,omitempty" cbor:"5,keyasint,omitempty"`
	Vector []float64 `json:"vector,omitempty" cbor:"6,keyasint,omitempty"`
}

func Float(f float64) Value        { return Value{Kind: KindFloat, Float: f} }
func Int(i int64) Value            { return Value{Kind: KindInt, Int: i} }
func Bool(b bool) Value            { return Value{Kind: KindBool, Bool: b} }
func String(s string) Value        { return Value{Kind: KindString, String: s} }
func Vector(v ...float64) Value    { return Value{Kind: KindVector, Vector: append([]float64(nil), v...)} }
func Color(c [3]float64) Value     { return Vector(c[0], c[1], c[2], 1) }
func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', 8, 64) }

// Canonical returns the stable textual form used for content hashing.
// Floats are fixed to eight decimals so values that round-trip through
// the host's float32 storage still compare equal.
func (v Value) Canonical() string {
	switch v.Kind {
	case KindFloat:
		return "f:" + formatFloat(v.Float)
	case KindInt:
		return "i:" + strconv.FormatInt(v.Int, 10)
	case KindBool:
		return "b:" + strconv.FormatBool(v.Bool)
	case KindString:
		return "s:" + strconv.Quote(v.String)
	case KindVector:
		parts := make([]string, len(v.Vector))
		for i, f := range v.Vector {
			parts[i] = formatFloat(f)
		}
		return "v:[" + strings.Join(parts, ",") + "]"
	default:
		return fmt.Sprintf("?%d", v.Kind)
	}
}

// ResourceRef is a texture or other payload referenced by a material.
// Exactly one of Path or Packed is meaningful; Packed wins when both are set.
type ResourceRef struct {
	Slot   string `json:"slot" cbor:"1,keyasint"`
	Path   string `json:"path,omitempty" cbor:"2,keyasint,omitempty"`
	Packed []byte `json:"packed,omitempty" cbor:"3,keyasint,omitempty"`
}

func (r ResourceRef) IsPacked() bool { return len(r.Packed) > 0 }

// Definition is the fully resolved description of a material as supplied
// by the host. Name is carried for display only and never affects identity.
type Definition struct {
	Name      string           `json:"name" cbor:"1,keyasint"`
	Shader    string           `json:"shader" cbor:"2,keyasint"`
	Params    map[string]Value `json:"params" cbor:"3,keyasint"`
	Resources []ResourceRef    `json:"resources,omitempty" cbor:"4,keyasint,omitempty"`
}

// ParamNames returns parameter names in sorted order
func (d *Definition) ParamNames() []string {
	names := make([]string, 0, len(d.Params))
	for name := range d.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SortedResources returns a copy of the resources ordered by slot, then path
func (d *Definition) SortedResources() []ResourceRef {
	out := append([]ResourceRef(nil), d.Resources...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Slot != out[j].Slot {
			return out[i].Slot < out[j].Slot
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// Clone returns a deep copy that shares no slices or maps with d
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	out := &Definition{
		Name:   d.Name,
		Shader: d.Shader,
		Params: make(map[string]Value, len(d.Params)),
	}
	for k, v := range d.Params {
		if v.Vector != nil {
			v.Vector = append([]float64(nil), v.Vector...)
		}
		out.Params[k] = v
	}
	for _, r := range d.Resources {
		if r.Packed != nil {
			r.Packed = append([]byte(nil), r.Packed...)
		}
		out.Resources = append(out.Resources, r)
	}
	return out
}

// Resource returns the first resource bound to slot
func (d *Definition) Resource(slot string) (ResourceRef, bool) {
	for _, r := range d.Resources {
		if r.Slot == slot {
			return r, true
		}
	}
	return ResourceRef{}, false
}

// IsUtilityName reports whether name carries the reserved prefix that keeps
// a material out of the shared library.
func IsUtilityName(name, prefix string) bool {
	return prefix != "" && strings.HasPrefix(name, prefix)
}

// UniqueDisplayName returns base if unused, otherwise the first free
// "base.NNN" variant.
func UniqueDisplayName(base string, existing map[string]bool) string {
	if !existing[base] {
		return base
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s.%03d", base, i)
		if !existing[candidate] {
			return candidate
		}
	}
}

// SplitSuffix splits "Plastic.003" into ("Plastic", 3). Names without a
// numeric suffix return n == 0.
func SplitSuffix(name string) (string, int) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return name, 0
	}
	n, err := strconv.Atoi(name[i+1:])
	if err != nil || n < 0 {
		return name, 0
	}
	return name[:i], n
}
