package importers

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Shader names understood by the default renderer
const (
	ShaderPrincipled = "principled"
	ShaderPhong      = "phong"
)

// Texture slot names
const (
	SlotBaseColor = "base_color"
	SlotNormal    = "normal"
	SlotSpecular  = "specular"
)

// Parameter names shared with the host's principled shader
const (
	ParamBaseColor = "Base Color"
	ParamMetallic  = "Metallic"
	ParamRoughness = "Roughness"
	ParamAlpha     = "Alpha"
	ParamSpecular  = "Specular"
	ParamAmbient   = "Ambient"
)

// Material represents material properties parsed from an MTL file
type Material struct {
	Name          string
	AmbientColor  [3]float64
	DiffuseColor  [3]float64
	SpecularColor [3]float64
	Shininess     float64
	DiffuseMap    string
	NormalMap     string
	SpecularMap   string
	Transparency  float64
}

// MaterialImporter collects materials from MTL libraries
type MaterialImporter struct {
	materials map[string]*Material
	order     []string
}

// NewMaterialImporter creates a new material importer instance
func NewMaterialImporter() *MaterialImporter {
	return &MaterialImporter{
		materials: make(map[string]*Material),
	}
}

// ImportFromOBJ imports materials from MTL format (OBJ materials)
func (mi *MaterialImporter) ImportFromOBJ(reader io.Reader) error {
	scanner := bufio.NewScanner(reader)
	var currentMaterial *Material

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		if fields[0] != "newmtl" && currentMaterial == nil {
			switch fields[0] {
			case "Ka", "Kd", "Ks", "Ns", "d", "Tr", "map_Kd", "map_Bump", "bump", "map_Ks":
				return fmt.Errorf("%s specified before material", fields[0])
			}
			continue
		}

		switch fields[0] {
		case "newmtl":
			name := strings.Join(fields[1:], " ")
			currentMaterial = &Material{Name: name, Transparency: 1.0}
			if _, seen := mi.materials[name]; !seen {
				mi.order = append(mi.order, name)
			}
			mi.materials[name] = currentMaterial

		case "Ka":
			color, err := ParseVector3(fields[1:])
			if err != nil {
				return fmt.Errorf("invalid ambient color: %w", err)
			}
			currentMaterial.AmbientColor = color

		case "Kd":
			color, err := ParseVector3(fields[1:])
			if err != nil {
				return fmt.Errorf("invalid diffuse color: %w", err)
			}
			currentMaterial.DiffuseColor = color

		case "Ks":
			color, err := ParseVector3(fields[1:])
			if err != nil {
				return fmt.Errorf("invalid specular color: %w", err)
			}
			currentMaterial.SpecularColor = color

		case "Ns":
			value, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return fmt.Errorf("invalid shininess value: %w", err)
			}
			currentMaterial.Shininess = value

		case "d", "Tr":
			value, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return fmt.Errorf("invalid transparency value: %w", err)
			}
			if fields[0] == "Tr" {
				value = 1.0 - value // Convert from Tr (transparency) to d (dissolve)
			}
			currentMaterial.Transparency = value

		case "map_Kd":
			currentMaterial.DiffuseMap = mapPath(fields[1:])

		case "map_Bump", "bump":
			currentMaterial.NormalMap = mapPath(fields[1:])

		case "map_Ks":
			currentMaterial.SpecularMap = mapPath(fields[1:])
		}
	}

	return scanner.Err()
}

// GetMaterial returns a material by name
func (mi *MaterialImporter) GetMaterial(name string) (*Material, bool) {
	mat, ok := mi.materials[name]
	return mat, ok
}

// GetMaterials returns all imported materials
func (mi *MaterialImporter) GetMaterials() map[string]*Material {
	return mi.materials
}

// Definitions converts every imported material, in file order
func (mi *MaterialImporter) Definitions() []*Definition {
	defs := make([]*Definition, 0, len(mi.order))
	for _, name := range mi.order {
		defs = append(defs, mi.materials[name].Definition())
	}
	return defs
}

// Definition maps MTL properties onto principled shader parameters.
// Shininess (0..1000) is folded into roughness the way most DCC tools do.
func (m *Material) Definition() *Definition {
	roughness := 1.0
	if m.Shininess > 0 {
		roughness = 1.0 - clamp01(m.Shininess/1000.0)
	}
	def := &Definition{
		Name:   m.Name,
		Shader: ShaderPrincipled,
		Params: map[string]Value{
			ParamBaseColor: Color(m.DiffuseColor),
			ParamAmbient:   Color(m.AmbientColor),
			ParamSpecular:  Color(m.SpecularColor),
			ParamRoughness: Float(roughness),
			ParamMetallic:  Float(0),
			ParamAlpha:     Float(m.Transparency),
		},
	}
	if m.DiffuseMap != "" {
		def.Resources = append(def.Resources, ResourceRef{Slot: SlotBaseColor, Path: m.DiffuseMap})
	}
	if m.NormalMap != "" {
		def.Resources = append(def.Resources, ResourceRef{Slot: SlotNormal, Path: m.NormalMap})
	}
	if m.SpecularMap != "" {
		def.Resources = append(def.Resources, ResourceRef{Slot: SlotSpecular, Path: m.SpecularMap})
	}
	sort.SliceStable(def.Resources, func(i, j int) bool { return def.Resources[i].Slot < def.Resources[j].Slot })
	return def
}

// ParseVector3 parses three whitespace separated floats
func ParseVector3(values []string) ([3]float64, error) {
	var out [3]float64
	if len(values) < 3 {
		return out, errors.New("expected 3 components")
	}
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(values[i], 64)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

// mapPath drops texture options such as "-bm 0.5" and keeps the file name
func mapPath(fields []string) string {
	for i := 0; i < len(fields); i++ {
		if strings.HasPrefix(fields[i], "-") {
			i++
			continue
		}
		return strings.Join(fields[i:], " ")
	}
	return ""
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
