package relay

import (
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"

	"snowedin.community/community"
)

func TestGraphMerge(t *testing.T) {
	graph := NewGraph()

	accepted := graph.Merge("snowed-in/posts/1", map[string]community.FieldValue{
		"caption": {State: 100, Value: "first"},
		"likes":   {State: 100, Value: float64(0)},
	})
	assert.Equal(t, 2, len(accepted))

	// a newer field wins, the stale one is dropped
	accepted = graph.Merge("snowed-in/posts/1", map[string]community.FieldValue{
		"caption": {State: 200, Value: "second"},
		"likes":   {State: 50, Value: float64(9)},
	})
	assert.Equal(t, 1, len(accepted))
	assert.Equal(t, "second", accepted["caption"].Value)
	assert.Equal(t, community.Millis(200), accepted["caption"].State)

	// a fully stale put is rejected outright
	accepted = graph.Merge("snowed-in/posts/1", map[string]community.FieldValue{
		"caption": {State: 150, Value: "stale"},
	})
	assert.Equal(t, 0, len(accepted))

	node, ok := graph.Node("snowed-in/posts/1")
	assert.Equal(t, true, ok)
	assert.Equal(t, "second", node["caption"].Value)
	assert.Equal(t, float64(0), node["likes"].Value)

	_, ok = graph.Node("snowed-in/posts/missing")
	assert.Equal(t, false, ok)
}

func TestGraphChildren(t *testing.T) {
	graph := NewGraph()
	graph.Merge("snowed-in/posts/2", map[string]community.FieldValue{"caption": {State: 1, Value: "b"}})
	graph.Merge("snowed-in/posts/1", map[string]community.FieldValue{"caption": {State: 1, Value: "a"}})
	graph.Merge("snowed-in/messages/a-b/9", map[string]community.FieldValue{"text": {State: 1, Value: "hi"}})

	children := graph.Children("snowed-in/posts")
	assert.Equal(t, []string{"snowed-in/posts/1", "snowed-in/posts/2"}, children)

	// grandchildren are not direct children of the collection
	assert.Equal(t, []string{}, graph.Children("snowed-in"))
	assert.Equal(t, []string{"snowed-in/messages/a-b/9"}, graph.Children("snowed-in/messages/a-b"))
	assert.Equal(t, []string{}, graph.Children("snowed-in/users"))
}

func TestGraphSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots", "graph.json")

	graph := NewGraph()
	graph.Merge("snowed-in/posts/1", map[string]community.FieldValue{
		"caption": {State: 100, Value: "persisted"},
		"likes":   {State: 100, Value: float64(3)},
	})
	graph.Merge("snowed-in/users/u1", map[string]community.FieldValue{
		"name": {State: 100, Value: "Alice"},
	})
	assert.Equal(t, nil, graph.Save(path))

	restored := NewGraph()
	assert.Equal(t, nil, restored.Load(path))
	assert.Equal(t, 2, restored.NodeCount())

	node, ok := restored.Node("snowed-in/posts/1")
	assert.Equal(t, true, ok)
	assert.Equal(t, "persisted", node["caption"].Value)
	assert.Equal(t, community.Millis(100), node["caption"].State)

	// states survive the round trip, so a reload cannot resurrect stale data
	accepted := restored.Merge("snowed-in/posts/1", map[string]community.FieldValue{
		"caption": {State: 50, Value: "older"},
	})
	assert.Equal(t, 0, len(accepted))
}

func TestGraphLoadMissingFile(t *testing.T) {
	graph := NewGraph()
	err := graph.Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.NotEqual(t, nil, err)
	assert.Equal(t, 0, graph.NodeCount())
}
