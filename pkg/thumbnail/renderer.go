package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"

	"github.com/anthonynsimon/bild/transform"
	"github.com/fogleman/gg"
	"github.com/h2non/filetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/3FT-io/matsync/pkg/hasher"
	"github.com/3FT-io/matsync/pkg/importers"
)

// DefaultSize is the edge length of rendered thumbnails in pixels
const DefaultSize = 128

// SphereRenderer draws a lit preview sphere. The base color texture is
// wrapped around the sphere when it can be read; otherwise the "Base
// Color" parameter is used.
type SphereRenderer struct {
	Size int
	// Reader resolves path resources. Packed resources need no reader.
	Reader hasher.ResourceReader
}

var lightDir = normalize(vec3{-0.45, 0.55, 0.7})

func (r *SphereRenderer) Render(ctx context.Context, def *importers.Definition) ([]byte, error) {
	size := r.Size
	if size <= 0 {
		size = DefaultSize
	}

	sh := shadingFor(def)
	if tex, err := r.texture(ctx, def, size); err == nil {
		sh.texture = tex
	}

	dc := gg.NewContext(size, size)
	drawChecker(dc, size)

	sphere := image.NewNRGBA(image.Rect(0, 0, size, size))
	radius := float64(size)/2 - 2
	center := float64(size) / 2
	for y := 0; y < size; y++ {
		if y%16 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for x := 0; x < size; x++ {
			nx := (float64(x) + 0.5 - center) / radius
			ny := (center - float64(y) - 0.5) / radius
			d := nx*nx + ny*ny
			if d > 1 {
				continue
			}
			n := vec3{nx, ny, math.Sqrt(1 - d)}
			sphere.SetNRGBA(x, y, sh.shade(n))
		}
	}
	dc.DrawImage(sphere, 0, 0)

	dc.DrawCircle(center, center, radius)
	dc.SetRGBA(0, 0, 0, 0.35)
	dc.SetLineWidth(1)
	dc.Stroke()

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *SphereRenderer) texture(ctx context.Context, def *importers.Definition, size int) (image.Image, error) {
	res, ok := def.Resource(importers.SlotBaseColor)
	if !ok {
		return nil, fmt.Errorf("no base color texture")
	}
	data := res.Packed
	if !res.IsPacked() {
		if r.Reader == nil {
			return nil, fmt.Errorf("no reader for %s", res.Path)
		}
		rc, err := r.Reader.Open(ctx, res.Path)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		if data, err = io.ReadAll(rc); err != nil {
			return nil, err
		}
	}
	if !filetype.IsImage(data) {
		return nil, fmt.Errorf("base color resource is not an image")
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode texture: %w", err)
	}
	return transform.Resize(img, size, size, transform.Linear), nil
}

func drawChecker(dc *gg.Context, size int) {
	const cell = 8
	for y := 0; y < size; y += cell {
		for x := 0; x < size; x += cell {
			if (x/cell+y/cell)%2 == 0 {
				dc.SetRGB(0.82, 0.82, 0.82)
			} else {
				dc.SetRGB(0.62, 0.62, 0.62)
			}
			dc.DrawRectangle(float64(x), float64(y), cell, cell)
			dc.Fill()
		}
	}
}

type shading struct {
	base      vec3
	alpha     float64
	roughness float64
	metallic  float64
	specular  float64
	texture   image.Image
}

func shadingFor(def *importers.Definition) shading {
	sh := shading{base: vec3{0.8, 0.8, 0.8}, alpha: 1, roughness: 0.5, specular: 0.5}
	if v, ok := def.Params[importers.ParamBaseColor]; ok && v.Kind == importers.KindVector && len(v.Vector) >= 3 {
		sh.base = vec3{v.Vector[0], v.Vector[1], v.Vector[2]}
	}
	sh.alpha = scalar(def, importers.ParamAlpha, sh.alpha)
	sh.roughness = scalar(def, importers.ParamRoughness, sh.roughness)
	sh.metallic = scalar(def, importers.ParamMetallic, sh.metallic)
	sh.specular = scalar(def, importers.ParamSpecular, sh.specular)
	return sh
}

func scalar(def *importers.Definition, name string, fallback float64) float64 {
	v, ok := def.Params[name]
	if !ok {
		return fallback
	}
	switch v.Kind {
	case importers.KindFloat:
		return clamp01(v.Float)
	case importers.KindInt:
		return clamp01(float64(v.Int))
	case importers.KindVector:
		if len(v.Vector) > 0 {
			return clamp01(v.Vector[0])
		}
	}
	return fallback
}

// shade applies a Blinn-Phong model for a viewer on the +z axis
func (sh shading) shade(n vec3) color.NRGBA {
	albedo := sh.base
	if sh.texture != nil {
		b := sh.texture.Bounds()
		u := 0.5 + math.Atan2(n.x, n.z)/(2*math.Pi)
		v := 0.5 - math.Asin(n.y)/math.Pi
		px := b.Min.X + int(u*float64(b.Dx()-1))
		py := b.Min.Y + int(v*float64(b.Dy()-1))
		r, g, bl, _ := sh.texture.At(px, py).RGBA()
		albedo = vec3{float64(r) / 0xffff, float64(g) / 0xffff, float64(bl) / 0xffff}
	}

	diffuse := math.Max(0, n.dot(lightDir))
	half := normalize(vec3{lightDir.x, lightDir.y, lightDir.z + 1})
	shininess := math.Max(2, 2/math.Max(1e-3, math.Pow(sh.roughness, 4))-2)
	spec := math.Pow(math.Max(0, n.dot(half)), math.Min(shininess, 512)) * (0.2 + 0.8*sh.specular) * (1 - 0.7*sh.roughness)

	specColor := vec3{1, 1, 1}.lerp(albedo, sh.metallic)
	diffColor := albedo.scale(1 - 0.9*sh.metallic)
	c := diffColor.scale(0.15 + 0.85*diffuse).add(specColor.scale(spec))

	return color.NRGBA{
		R: channel(c.x),
		G: channel(c.y),
		B: channel(c.z),
		A: channel(sh.alpha),
	}
}

type vec3 struct{ x, y, z float64 }

func (a vec3) dot(b vec3) float64   { return a.x*b.x + a.y*b.y + a.z*b.z }
func (a vec3) add(b vec3) vec3      { return vec3{a.x + b.x, a.y + b.y, a.z + b.z} }
func (a vec3) scale(s float64) vec3 { return vec3{a.x * s, a.y * s, a.z * s} }
func (a vec3) lerp(b vec3, t float64) vec3 {
	return a.scale(1 - t).add(b.scale(t))
}

func normalize(v vec3) vec3 {
	l := math.Sqrt(v.dot(v))
	if l == 0 {
		return v
	}
	return v.scale(1 / l)
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

func channel(f float64) uint8 {
	return uint8(math.Round(clamp01(f) * 255))
}
