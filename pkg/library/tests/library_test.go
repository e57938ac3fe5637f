package library_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/matsync/pkg/importers"
	"github.com/3FT-io/matsync/pkg/library"
	"github.com/3FT-io/matsync/pkg/testutil"
)

func pngBytes(t *testing.T) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func packedDefinition(name string, texture []byte) *importers.Definition {
	return &importers.Definition{
		Name:   name,
		Shader: importers.ShaderPrincipled,
		Params: map[string]importers.Value{
			importers.ParamRoughness: importers.Float(0.5),
			importers.ParamBaseColor: importers.Vector(1, 1, 1, 1),
		},
		Resources: []importers.ResourceRef{
			{Slot: importers.SlotBaseColor, Packed: texture},
			{Slot: importers.SlotNormal, Path: "textures/normal.png"},
		},
	}
}

func openLibrary(t *testing.T) (*library.Library, string) {
	dir, cleanup := testutil.CreateTempDir(t, "library-test")
	t.Cleanup(cleanup)
	path := filepath.Join(dir, "material_library.mlib")
	lib, err := library.Open(path, nil)
	require.NoError(t, err)
	return lib, path
}

func TestPutGetRoundTrip(t *testing.T) {
	lib, path := openLibrary(t)
	ctx := context.Background()
	texture := pngBytes(t)

	require.NoError(t, lib.Put(ctx, "v1-aa", packedDefinition("Brick", texture)))
	assert.True(t, lib.Has("v1-aa"))

	got, err := lib.Get(ctx, "v1-aa")
	require.NoError(t, err)
	assert.Equal(t, "Brick", got.Name)
	res, ok := got.Resource(importers.SlotBaseColor)
	require.True(t, ok)
	assert.Equal(t, texture, res.Packed)
	assert.Empty(t, res.Path)
	normal, ok := got.Resource(importers.SlotNormal)
	require.True(t, ok)
	assert.Equal(t, "textures/normal.png", normal.Path)

	// reopen from disk
	reopened, err := library.Open(path, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1-aa"}, reopened.Names())
	again, err := reopened.Get(ctx, "v1-aa")
	require.NoError(t, err)
	assert.Equal(t, got, again)

	blocks := reopened.Blocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, "image/png", blocks[0].MIME)
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	lib, _ := openLibrary(t)
	ctx := context.Background()
	require.NoError(t, lib.Put(ctx, "v1-aa", packedDefinition("Brick", []byte("raw"))))

	first, err := lib.Get(ctx, "v1-aa")
	require.NoError(t, err)
	first.Params[importers.ParamRoughness] = importers.Float(1)
	first.Resources[0].Packed[0] = 'X'

	second, err := lib.Get(ctx, "v1-aa")
	require.NoError(t, err)
	assert.Equal(t, importers.Float(0.5), second.Params[importers.ParamRoughness])
	assert.Equal(t, []byte("raw"), second.Resources[0].Packed)
}

func TestPackedBlocksAreShared(t *testing.T) {
	lib, _ := openLibrary(t)
	ctx := context.Background()
	texture := []byte("shared texture")

	require.NoError(t, lib.Put(ctx, "v1-aa", packedDefinition("A", texture)))
	b := packedDefinition("B", texture)
	b.Params[importers.ParamRoughness] = importers.Float(0.9)
	require.NoError(t, lib.Put(ctx, "v1-bb", b))
	assert.Equal(t, 1, lib.BlockCount())

	n, err := lib.Delete(ctx, "v1-aa")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, lib.BlockCount(), "block still used by v1-bb")

	n, err = lib.Delete(ctx, "v1-bb", "v1-missing")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, lib.BlockCount())
	assert.Empty(t, lib.Names())
}

func TestPutExistingNameIsNoop(t *testing.T) {
	lib, path := openLibrary(t)
	ctx := context.Background()

	require.NoError(t, lib.Put(ctx, "v1-aa", packedDefinition("A", []byte("x"))))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, lib.Put(ctx, "v1-aa", packedDefinition("Renamed", []byte("x"))))
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	got, err := lib.Get(ctx, "v1-aa")
	require.NoError(t, err)
	assert.Equal(t, "A", got.Name)
}

func TestDeterministicEncoding(t *testing.T) {
	ctx := context.Background()
	libA, pathA := openLibrary(t)
	libB, pathB := openLibrary(t)

	require.NoError(t, libA.Put(ctx, "v1-aa", packedDefinition("A", []byte("1"))))
	require.NoError(t, libA.Put(ctx, "v1-bb", packedDefinition("B", []byte("2"))))
	require.NoError(t, libB.Put(ctx, "v1-bb", packedDefinition("B", []byte("2"))))
	require.NoError(t, libB.Put(ctx, "v1-aa", packedDefinition("A", []byte("1"))))

	a, err := os.ReadFile(pathA)
	require.NoError(t, err)
	b, err := os.ReadFile(pathB)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestReloadSeesOtherWriter(t *testing.T) {
	lib, path := openLibrary(t)
	ctx := context.Background()

	other, err := library.Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, other.Put(ctx, "v1-aa", packedDefinition("A", nil)))

	require.NoError(t, lib.Reload())
	assert.True(t, lib.Has("v1-aa"))

	// a write through the stale handle keeps the other writer's entry
	require.NoError(t, other.Put(ctx, "v1-cc", packedDefinition("C", nil)))
	require.NoError(t, lib.Put(ctx, "v1-bb", packedDefinition("B", nil)))
	assert.Equal(t, []string{"v1-aa", "v1-bb", "v1-cc"}, lib.Names())
}

func TestHeldPutsAreWrittenOnRelease(t *testing.T) {
	lib, path := openLibrary(t)
	ctx := context.Background()
	texture := pngBytes(t)

	lib.Hold()
	require.NoError(t, lib.Put(ctx, "v1-aa", packedDefinition("A", texture)))
	require.NoError(t, lib.Put(ctx, "v1-bb", packedDefinition("B", texture)))
	assert.True(t, lib.Has("v1-aa"))
	got, err := lib.Get(ctx, "v1-bb")
	require.NoError(t, err)
	assert.Equal(t, "B", got.Name)
	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist, "nothing written while held")

	// another writer replaces the file; held entries survive the reload
	other, err := library.Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, other.Put(ctx, "v1-cc", packedDefinition("C", nil)))
	require.NoError(t, lib.Put(ctx, "v1-dd", packedDefinition("D", nil)))
	assert.Equal(t, []string{"v1-aa", "v1-bb", "v1-cc", "v1-dd"}, lib.Names())

	require.NoError(t, lib.Release(ctx))
	reopened, err := library.Open(path, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1-aa", "v1-bb", "v1-cc", "v1-dd"}, reopened.Names())
	again, err := reopened.Get(ctx, "v1-aa")
	require.NoError(t, err)
	res, ok := again.Resource(importers.SlotBaseColor)
	require.True(t, ok)
	assert.Equal(t, texture, res.Packed)
	assert.Equal(t, 1, reopened.BlockCount())

	// released: puts write through again
	require.NoError(t, lib.Put(ctx, "v1-ee", packedDefinition("E", nil)))
	reopened, err = library.Open(path, nil)
	require.NoError(t, err)
	assert.True(t, reopened.Has("v1-ee"))
}

func TestGetMissingAndCorruptFile(t *testing.T) {
	lib, path := openLibrary(t)
	_, err := lib.Get(context.Background(), "v1-none")
	assert.ErrorIs(t, err, library.ErrNotFound)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))
	_, err = library.Open(path, nil)
	assert.Error(t, err)
}
