package project_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/matsync/pkg/importers"
	"github.com/3FT-io/matsync/pkg/project"
)

func definition(name string, roughness float64) *importers.Definition {
	return &importers.Definition{
		Name:   name,
		Shader: importers.ShaderPrincipled,
		Params: map[string]importers.Value{importers.ParamRoughness: importers.Float(roughness)},
	}
}

func TestSnapshotCopiesMaterials(t *testing.T) {
	p := project.New("/projects/a.blend")
	live := p.AddMaterial("Oak", definition("Oak", 0.5))
	p.Assign("Cube", "Oak")

	materials, objects := p.Snapshot()
	require.Len(t, materials, 1)
	require.Len(t, objects, 1)
	assert.NotSame(t, live, materials[0])
	assert.Same(t, live.Definition, materials[0].Definition)

	p.SetUUID(materials[0], "uuid-oak")
	assert.Equal(t, "uuid-oak", live.UUID)
	assert.Equal(t, "uuid-oak", materials[0].UUID)

	registry := project.NewRegistry()
	registry.Put(p)
	require.NoError(t, registry.ApplyRemap(context.Background(), p.Path, []project.Remap{
		{UUID: "uuid-oak", LocalName: "Oak.001", Definition: definition("Oak.001", 0.5), Object: "Cube", Slot: 0},
	}))
	assert.Equal(t, "Oak.001", live.Name)
	assert.Equal(t, "Oak", materials[0].Name, "snapshot is unaffected")
	assert.Equal(t, []string{"Oak"}, objects[0].Slots)

	found, ok := p.MaterialByUUID("uuid-oak")
	require.True(t, ok)
	assert.Equal(t, "Oak.001", found.Name)
	assert.NotSame(t, live, found)
}

func TestRemapWhileSnapshotting(t *testing.T) {
	p := project.New("/projects/a.blend")
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("M%d", i)
		m := p.AddMaterial(name, definition(name, 0.1))
		p.SetUUID(m, "uuid-"+name)
	}
	registry := project.NewRegistry()
	registry.Put(p)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 8; i++ {
			name := fmt.Sprintf("M%d", i)
			err := registry.ApplyRemap(context.Background(), p.Path, []project.Remap{
				{UUID: "uuid-" + name, LocalName: name + ".local", Definition: definition(name, 0.2), Slot: -1},
			})
			assert.NoError(t, err)
		}
	}()

	for i := 0; i < 50; i++ {
		materials, _ := p.Snapshot()
		for _, m := range materials {
			assert.NotEmpty(t, m.Name)
			assert.NotNil(t, m.Definition)
			p.SetUUID(m, m.UUID)
		}
	}
	wg.Wait()

	materials, _ := p.Snapshot()
	for _, m := range materials {
		assert.Contains(t, m.Name, ".local")
	}
}
