package relay

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/exp/maps"

	"snowedin.community/community"
)

// The relay's merged view of the replicated graph. Applies the same
// per-field last-writer-wins merge as the client adapters and answers
// child enumeration by soul prefix. Snapshots are best-effort JSON dumps;
// the substrate promises no durability beyond them.

type Graph struct {
	stateLock sync.Mutex
	// soul -> field -> value
	nodes map[string]map[string]community.FieldValue
}

func NewGraph() *Graph {
	return &Graph{
		nodes: map[string]map[string]community.FieldValue{},
	}
}

// merge fields into the node at soul. Returns only the accepted fields,
// with their winning states, or nil when every field lost.
func (self *Graph) Merge(soul string, fields map[string]community.FieldValue) map[string]community.FieldValue {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	node, ok := self.nodes[soul]
	if !ok {
		node = map[string]community.FieldValue{}
		self.nodes[soul] = node
	}
	var accepted map[string]community.FieldValue
	for field, value := range fields {
		changed := community.MergeFields(node, community.Attrs{field: value.Value}, value.State)
		if changed != nil {
			if accepted == nil {
				accepted = map[string]community.FieldValue{}
			}
			accepted[field] = node[field]
		}
	}
	return accepted
}

func (self *Graph) Node(soul string) (map[string]community.FieldValue, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	node, ok := self.nodes[soul]
	if !ok {
		return nil, false
	}
	out := make(map[string]community.FieldValue, len(node))
	for field, value := range node {
		out[field] = value
	}
	return out, true
}

// souls that are direct children of parentSoul, in stable order
func (self *Graph) Children(parentSoul string) []string {
	prefix := parentSoul + "/"

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	children := []string{}
	for soul := range self.nodes {
		if len(soul) <= len(prefix) || soul[:len(prefix)] != prefix {
			continue
		}
		rest := soul[len(prefix):]
		direct := true
		for i := 0; i < len(rest); i += 1 {
			if rest[i] == '/' {
				direct = false
				break
			}
		}
		if direct {
			children = append(children, soul)
		}
	}
	sort.Strings(children)
	return children
}

func (self *Graph) NodeCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.nodes)
}

func (self *Graph) Save(path string) error {
	self.stateLock.Lock()
	encoded, err := json.MarshalIndent(self.nodes, "", "  ")
	self.stateLock.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, encoded, 0o644)
}

func (self *Graph) Load(path string) error {
	encoded, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	nodes := map[string]map[string]community.FieldValue{}
	if err := json.Unmarshal(encoded, &nodes); err != nil {
		return err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	maps.Clear(self.nodes)
	for soul, node := range nodes {
		self.nodes[soul] = node
	}
	return nil
}
