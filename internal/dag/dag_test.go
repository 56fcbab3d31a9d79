package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	g := New()
	require.NotNil(t, g)
	assert.NotNil(t, g.vertices)
	assert.Zero(t, g.Len())
}

func TestAddVertex(t *testing.T) {
	g := New()

	g.AddVertex("a")
	assert.Equal(t, 1, g.Len())
	va, ok := g.vertices["a"]
	require.True(t, ok)
	assert.Equal(t, "a", va.id)
	assert.NotNil(t, va.deps)

	g.AddVertex("a") // idempotent
	assert.Equal(t, 1, g.Len())

	g.AddVertex("b")
	assert.Equal(t, 2, g.Len())
	assert.Equal(t, []string{"a", "b"}, g.order)
}

func TestAddEdge(t *testing.T) {
	t.Run("success case", func(t *testing.T) {
		g := New()
		g.AddVertex("a")
		g.AddVertex("b")

		require.NoError(t, g.AddEdge("a", "b")) // b depends on a
		require.NoError(t, g.AddEdge("a", "b")) // duplicate is ignored

		deps, err := g.Dependents("a")
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, deps)
		assert.Contains(t, g.vertices["b"].deps, "a")
	})

	t.Run("error cases", func(t *testing.T) {
		g := New()
		g.AddVertex("a")
		g.AddVertex("b")

		assert.ErrorContains(t, g.AddEdge("dne", "a"), "source vertex not found")
		assert.ErrorContains(t, g.AddEdge("a", "dne"), "destination vertex not found")
		assert.ErrorContains(t, g.AddEdge("a", "a"), "self-referential edge")

		_, err := g.Dependents("dne")
		assert.ErrorContains(t, err, "vertex not found")
	})
}

func TestDetectCycles(t *testing.T) {
	t.Run("empty graph has no cycles", func(t *testing.T) {
		assert.NoError(t, New().DetectCycles())
	})

	t.Run("valid dag has no cycles", func(t *testing.T) {
		g := New()
		for _, id := range []string{"a", "b", "c", "d"} {
			g.AddVertex(id)
		}
		require.NoError(t, g.AddEdge("a", "b"))
		require.NoError(t, g.AddEdge("a", "c"))
		require.NoError(t, g.AddEdge("b", "d"))
		require.NoError(t, g.AddEdge("c", "d"))
		assert.NoError(t, g.DetectCycles())
	})

	t.Run("three vertex cycle is detected", func(t *testing.T) {
		g := New()
		for _, id := range []string{"a", "b", "c"} {
			g.AddVertex(id)
		}
		require.NoError(t, g.AddEdge("a", "b"))
		require.NoError(t, g.AddEdge("b", "c"))
		require.NoError(t, g.AddEdge("c", "a"))
		assert.ErrorContains(t, g.DetectCycles(), "cycle detected")
	})
}

func TestTopologicalOrder(t *testing.T) {
	t.Run("dependencies come first", func(t *testing.T) {
		g := New()
		// Inserted in reverse so insertion order alone would be wrong.
		for _, id := range []string{"sampler", "encoder", "loader"} {
			g.AddVertex(id)
		}
		require.NoError(t, g.AddEdge("loader", "encoder"))
		require.NoError(t, g.AddEdge("encoder", "sampler"))
		require.NoError(t, g.AddEdge("loader", "sampler"))

		order, err := g.TopologicalOrder()
		require.NoError(t, err)
		assert.Equal(t, []string{"loader", "encoder", "sampler"}, order)
	})

	t.Run("independent vertices keep insertion order", func(t *testing.T) {
		g := New()
		for _, id := range []string{"x", "y", "z"} {
			g.AddVertex(id)
		}
		order, err := g.TopologicalOrder()
		require.NoError(t, err)
		assert.Equal(t, []string{"x", "y", "z"}, order)
	})
}
