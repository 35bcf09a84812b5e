package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopologicalOrder(t *testing.T) {
	t.Run("DependenciesFirst", func(t *testing.T) {
		g, err := newGraph([]string{"c", "b", "a"}, map[string][]string{
			"a": nil,
			"b": {"a"},
			"c": {"b"},
		})
		assert.NoError(t, err)
		order, err := g.topologicalOrder()
		assert.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, order)
	})

	t.Run("TiesKeepDeclarationOrder", func(t *testing.T) {
		g, err := newGraph([]string{"p", "q", "r"}, map[string][]string{
			"p": nil, "q": nil, "r": nil,
		})
		assert.NoError(t, err)
		order, err := g.topologicalOrder()
		assert.NoError(t, err)
		assert.Equal(t, []string{"p", "q", "r"}, order)
	})

	t.Run("CycleDetected", func(t *testing.T) {
		g, err := newGraph([]string{"x", "y"}, map[string][]string{
			"x": {"y"},
			"y": {"x"},
		})
		assert.NoError(t, err)
		_, err = g.topologicalOrder()
		graphErr := &GraphError{}
		assert.ErrorAs(t, err, &graphErr)
	})

	t.Run("UnknownDependency", func(t *testing.T) {
		_, err := newGraph([]string{"a"}, map[string][]string{
			"a": {"ghost"},
		})
		graphErr := &GraphError{}
		assert.ErrorAs(t, err, &graphErr)
		assert.Equal(t, "a", graphErr.Task)
	})
}

func TestDescendants(t *testing.T) {
	g, err := newGraph([]string{"a", "b", "c", "d", "e"}, map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"b"},
		"d": {"a"},
		"e": nil,
	})
	assert.NoError(t, err)

	desc := g.descendants("a")
	assert.Len(t, desc, 3)
	assert.Contains(t, desc, "b")
	assert.Contains(t, desc, "c")
	assert.Contains(t, desc, "d")

	assert.Empty(t, g.descendants("e"))
	assert.Len(t, g.descendants("b"), 1)
}
