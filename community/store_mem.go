package community

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/exp/maps"
)

// In-process store used by tests and single-device runs. Applies the same
// per-field merge as the networked adapters, so synchronizer behavior can
// be exercised without any peer.

type MemStore struct {
	clock stateClock

	stateLock sync.Mutex
	// soul -> field -> value
	nodes map[string]map[string]FieldValue
	// parent soul -> subscriptions
	subscriptions map[string]map[int]SubscribeFunction
	nextSubId     int

	putCount int
}

func NewMemStore() *MemStore {
	return &MemStore{
		nodes:         map[string]map[string]FieldValue{},
		subscriptions: map[string]map[int]SubscribeFunction{},
	}
}

func (self *MemStore) Put(path Path, attrs Attrs) {
	self.PutWithState(path, attrs, self.clock.next())
}

// merge with an explicit write state. Tests use this to replay
// out-of-order peer writes.
func (self *MemStore) PutWithState(path Path, attrs Attrs, state Millis) {
	soul := path.Soul()
	parentSoul := path[:len(path)-1].Soul()
	childId := path[len(path)-1]

	self.stateLock.Lock()
	self.putCount += 1
	node, ok := self.nodes[soul]
	if !ok {
		node = map[string]FieldValue{}
		self.nodes[soul] = node
	}
	changed := MergeFields(node, attrs, state)
	var callbacks []SubscribeFunction
	var snapshot Attrs
	if changed != nil {
		callbacks = maps.Values(self.subscriptions[parentSoul])
		snapshot = AttrsOf(node)
	}
	self.stateLock.Unlock()

	for _, callback := range callbacks {
		func() {
			defer recover()
			callback(childId, snapshot)
		}()
	}
}

func (self *MemStore) Get(ctx context.Context, path Path) (Attrs, bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	node, ok := self.nodes[path.Soul()]
	if !ok {
		return nil, false, nil
	}
	return AttrsOf(node), true, nil
}

func (self *MemStore) Subscribe(path Path, callback SubscribeFunction) UnsubscribeFunction {
	parentSoul := path.Soul()
	prefix := parentSoul + "/"

	self.stateLock.Lock()
	subId := self.nextSubId
	self.nextSubId += 1
	if self.subscriptions[parentSoul] == nil {
		self.subscriptions[parentSoul] = map[int]SubscribeFunction{}
	}
	self.subscriptions[parentSoul][subId] = callback

	// replay existing children in stable order
	type replayItem struct {
		childId string
		attrs   Attrs
	}
	replay := []replayItem{}
	for soul, node := range self.nodes {
		if childId, ok := childOf(soul, prefix); ok {
			replay = append(replay, replayItem{
				childId: childId,
				attrs:   AttrsOf(node),
			})
		}
	}
	self.stateLock.Unlock()

	sort.Slice(replay, func(i int, j int) bool {
		return replay[i].childId < replay[j].childId
	})
	for _, item := range replay {
		func() {
			defer recover()
			callback(item.childId, item.attrs)
		}()
	}

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.subscriptions[parentSoul], subId)
	}
}

func (self *MemStore) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	maps.Clear(self.subscriptions)
}

// number of puts issued. Tests assert write no-ops with this.
func (self *MemStore) PutCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.putCount
}

// childId when soul is a direct child of prefix
func childOf(soul string, prefix string) (string, bool) {
	if len(soul) <= len(prefix) || soul[:len(prefix)] != prefix {
		return "", false
	}
	childId := soul[len(prefix):]
	for i := 0; i < len(childId); i += 1 {
		if childId[i] == '/' {
			return "", false
		}
	}
	return childId, true
}
