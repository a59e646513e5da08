package community

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// The replicated graph is addressed by hierarchical paths
// (namespace -> collection -> item -> field) and merged per field with
// last-writer-wins. There is no compare-and-swap, no transaction across
// puts, and no server-side validation: any peer can write any field under
// any key. Every uniqueness or atomicity invariant built on top of this
// contract is best-effort only.

type Path []string

func NewPath(segments ...string) Path {
	return Path(segments)
}

// path under the application namespace
func AppPath(segments ...string) Path {
	return append(Path{AppNamespace}, segments...)
}

func (self Path) Child(segments ...string) Path {
	child := make(Path, 0, len(self)+len(segments))
	child = append(child, self...)
	child = append(child, segments...)
	return child
}

// the flat node address used on the wire and as a storage key
func (self Path) Soul() string {
	return strings.Join(self, "/")
}

// node fields as last received. Values are JSON scalars
// (string, float64, bool) or nil.
type Attrs map[string]any

func (self Attrs) Clone() Attrs {
	out := make(Attrs, len(self))
	for field, value := range self {
		out[field] = value
	}
	return out
}

func (self Attrs) String(field string) string {
	if value, ok := self[field].(string); ok {
		return value
	}
	return ""
}

func (self Attrs) Int64(field string) int64 {
	switch value := self[field].(type) {
	case float64:
		return int64(value)
	case int64:
		return value
	case int:
		return int64(value)
	case json.Number:
		i, _ := value.Int64()
		return i
	default:
		return 0
	}
}

func (self Attrs) Bool(field string) bool {
	if value, ok := self[field].(bool); ok {
		return value
	}
	return false
}

// fires once per existing child at subscribe time and again on every
// peer write to a new or changed child
type SubscribeFunction func(childId string, attrs Attrs)

// stop listening. Idempotent.
type UnsubscribeFunction func()

type ReplicatedStore interface {
	// merge attrs into the node at path, fire and forget.
	// A sequence of two puts is never atomic.
	Put(path Path, attrs Attrs)

	// one-shot read of the most recently known node, or ok=false if the
	// node is absent. Blocks until a peer answers or ctx is done; there is
	// no timeout of its own.
	Get(ctx context.Context, path Path) (Attrs, bool, error)

	// replay existing children of path then follow changes.
	// Never terminates on its own.
	Subscribe(path Path, callback SubscribeFunction) UnsubscribeFunction

	Close()
}

// a single replicated field value with its write state.
// States are wall-clock milliseconds from the writer.
type FieldValue struct {
	State Millis `json:"s"`
	Value any    `json:"v"`
}

// Write states issued by one store handle. Wall clock when it has moved
// forward, last+1 when it has not, so a writer's own back-to-back writes
// in the same millisecond still supersede each other. The value tie-break
// in MergeFields is then only reached for genuine cross-peer ties.
type stateClock struct {
	mutex sync.Mutex
	last  Millis
}

func (self *stateClock) next() Millis {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	state := NowMillis()
	if state <= self.last {
		state = self.last + 1
	}
	self.last = state
	return state
}

// last-writer-wins per field. Ties break on the lexically larger JSON
// encoding so that replicas converge regardless of arrival order.
// Returns the fields that changed, or nil.
func MergeFields(node map[string]FieldValue, attrs Attrs, state Millis) Attrs {
	var changed Attrs
	for field, value := range attrs {
		existing, ok := node[field]
		if ok {
			if state < existing.State {
				continue
			}
			if state == existing.State && !jsonGreater(value, existing.Value) {
				continue
			}
		}
		node[field] = FieldValue{
			State: state,
			Value: value,
		}
		if changed == nil {
			changed = Attrs{}
		}
		changed[field] = value
	}
	return changed
}

func jsonGreater(a any, b any) bool {
	aBytes, _ := json.Marshal(a)
	bBytes, _ := json.Marshal(b)
	return string(bBytes) < string(aBytes)
}

func AttrsOf(node map[string]FieldValue) Attrs {
	attrs := make(Attrs, len(node))
	for field, value := range node {
		attrs[field] = value.Value
	}
	return attrs
}
