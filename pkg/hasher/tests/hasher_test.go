package hasher_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/matsync/pkg/hasher"
	"github.com/3FT-io/matsync/pkg/importers"
	"github.com/3FT-io/matsync/pkg/testutil"
)

func baseDefinition(name string) *importers.Definition {
	return &importers.Definition{
		Name:   name,
		Shader: importers.ShaderPrincipled,
		Params: map[string]importers.Value{
			importers.ParamBaseColor: importers.Vector(0.8, 0.1, 0.1, 1),
			importers.ParamRoughness: importers.Float(0.4),
			importers.ParamMetallic:  importers.Float(0),
		},
		Resources: []importers.ResourceRef{
			{Slot: importers.SlotBaseColor, Path: "textures/albedo.png"},
			{Slot: importers.SlotNormal, Packed: []byte("normal-bytes")},
		},
	}
}

func newHasher(t *testing.T, reader hasher.ResourceReader) *hasher.Hasher {
	h, err := hasher.New(reader, 16, nil)
	require.NoError(t, err)
	return h
}

func TestHashIgnoresNameAndOrder(t *testing.T) {
	reader := testutil.NewMemReader(map[string]string{"textures/albedo.png": "albedo"})
	h := newHasher(t, reader)
	ctx := context.Background()

	a := baseDefinition("Red Plastic")
	b := baseDefinition("Plastic.001")
	b.Resources[0], b.Resources[1] = b.Resources[1], b.Resources[0]

	da, err := h.Hash(ctx, a)
	require.NoError(t, err)
	db, err := h.Hash(ctx, b)
	require.NoError(t, err)

	assert.Equal(t, da, db)
	assert.True(t, da.Valid())

	for i := 0; i < 20; i++ {
		again, err := h.Hash(ctx, baseDefinition("x"))
		require.NoError(t, err)
		require.Equal(t, da, again)
	}
}

func TestHashSensitivity(t *testing.T) {
	reader := testutil.NewMemReader(map[string]string{
		"textures/albedo.png": "albedo",
		"textures/other.png":  "other",
	})
	h := newHasher(t, reader)
	ctx := context.Background()

	base, err := h.Hash(ctx, baseDefinition("m"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(d *importers.Definition)
	}{
		{"parameter value", func(d *importers.Definition) { d.Params[importers.ParamRoughness] = importers.Float(0.41) }},
		{"vector component", func(d *importers.Definition) { d.Params[importers.ParamBaseColor] = importers.Vector(0.8, 0.1, 0.2, 1) }},
		{"added parameter", func(d *importers.Definition) { d.Params["Emission"] = importers.Float(1) }},
		{"shader", func(d *importers.Definition) { d.Shader = importers.ShaderPhong }},
		{"swapped resource path", func(d *importers.Definition) { d.Resources[0].Path = "textures/other.png" }},
		{"packed bytes", func(d *importers.Definition) { d.Resources[1].Packed = []byte("normal-bytes-2") }},
		{"value kind", func(d *importers.Definition) { d.Params[importers.ParamMetallic] = importers.Int(0) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := baseDefinition("m")
			tt.mutate(def)
			got, err := h.Hash(ctx, def)
			require.NoError(t, err)
			assert.NotEqual(t, base, got)
		})
	}
}

func TestHashDetectsInPlaceResourceEdit(t *testing.T) {
	reader := testutil.NewMemReader(map[string]string{"textures/albedo.png": "albedo"})
	h := newHasher(t, reader)
	ctx := context.Background()

	before, err := h.Hash(ctx, baseDefinition("m"))
	require.NoError(t, err)
	assert.Equal(t, 1, h.Cached())

	reader.Set("textures/albedo.png", "albedo, repainted")
	after, err := h.Hash(ctx, baseDefinition("m"))
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestHashResourceUnavailable(t *testing.T) {
	h := newHasher(t, testutil.NewMemReader(nil))

	_, err := h.Hash(context.Background(), baseDefinition("m"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, hasher.ErrResourceUnavailable))
}

func TestHashCanceledContext(t *testing.T) {
	h := newHasher(t, testutil.NewMemReader(map[string]string{"textures/albedo.png": "albedo"}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Hash(ctx, baseDefinition("m"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, hasher.ErrResourceUnavailable))
}

func TestFileReaderAndEvict(t *testing.T) {
	dir, cleanup := testutil.CreateTempDir(t, "hasher-test")
	defer cleanup()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "textures"), 0755))
	path := testutil.CreateTestFile(t, dir, "textures/albedo.png", "albedo")

	reader := hasher.FileReader{Root: dir}
	h := newHasher(t, reader)
	ctx := context.Background()

	first, err := h.Hash(ctx, baseDefinition("m"))
	require.NoError(t, err)
	assert.Equal(t, 1, h.Cached())

	info, err := reader.Stat(ctx, "textures/albedo.png")
	require.NoError(t, err)
	assert.Equal(t, reader.Resolve(path), info.Key)

	assert.Equal(t, 1, h.Evict(info.Key))
	assert.Equal(t, 0, h.Cached())

	require.NoError(t, os.WriteFile(path, []byte("albedo v2"), 0644))
	require.NoError(t, os.Chtimes(path, time.Now().Add(time.Minute), time.Now().Add(time.Minute)))
	second, err := h.Hash(ctx, baseDefinition("m"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestCanonicalPath(t *testing.T) {
	assert.Equal(t, "textures/a.png", hasher.CanonicalPath(`textures\a.png`))
	assert.Equal(t, "textures/a.png", hasher.CanonicalPath("./textures//a.png"))
	assert.Equal(t, "", hasher.CanonicalPath(""))
}

func TestResourceDigestIsStable(t *testing.T) {
	assert.Equal(t, hasher.ResourceDigest([]byte("abc")), hasher.ResourceDigest([]byte("abc")))
	assert.NotEqual(t, hasher.ResourceDigest([]byte("abc")), hasher.ResourceDigest([]byte("abd")))
	assert.Len(t, hasher.ResourceDigest(nil), 64)
}
