package community

import (
	"context"
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMergeFieldsLastWriterWins(t *testing.T) {
	node := map[string]FieldValue{}

	changed := MergeFields(node, Attrs{"caption": "first"}, 100)
	assert.Equal(t, Attrs{"caption": "first"}, changed)

	// newer state wins
	changed = MergeFields(node, Attrs{"caption": "second"}, 200)
	assert.Equal(t, Attrs{"caption": "second"}, changed)

	// older state loses
	changed = MergeFields(node, Attrs{"caption": "stale"}, 150)
	assert.Equal(t, nil, changed)
	assert.Equal(t, "second", AttrsOf(node).String("caption"))

	// equal state breaks the tie on the larger encoding, deterministically
	node = map[string]FieldValue{}
	MergeFields(node, Attrs{"caption": "aaa"}, 100)
	MergeFields(node, Attrs{"caption": "zzz"}, 100)
	assert.Equal(t, "zzz", AttrsOf(node).String("caption"))

	node = map[string]FieldValue{}
	MergeFields(node, Attrs{"caption": "zzz"}, 100)
	MergeFields(node, Attrs{"caption": "aaa"}, 100)
	assert.Equal(t, "zzz", AttrsOf(node).String("caption"))
}

func TestMergeFieldsOrderIndependent(t *testing.T) {
	writes := []struct {
		attrs Attrs
		state Millis
	}{
		{Attrs{"caption": "a", "likes": 1}, 100},
		{Attrs{"caption": "b"}, 300},
		{Attrs{"likes": 2}, 200},
		{Attrs{"caption": "c", "likes": 5}, 200},
		{Attrs{"imageUri": "data:x"}, 50},
	}

	var expected Attrs
	for i := 0; i < 20; i += 1 {
		order := mathrand.Perm(len(writes))
		node := map[string]FieldValue{}
		for _, j := range order {
			MergeFields(node, writes[j].attrs, writes[j].state)
		}
		attrs := AttrsOf(node)
		if expected == nil {
			expected = attrs
		} else {
			assert.Equal(t, expected, attrs)
		}
	}
}

func TestMemStorePutGet(t *testing.T) {
	store := NewMemStore()
	defer store.Close()

	ctx := context.Background()
	path := AppPath(PostsCollection, "1000")

	_, ok, err := store.Get(ctx, path)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, ok)

	store.Put(path, Attrs{"caption": "hello"})
	attrs, ok, err := store.Get(ctx, path)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, "hello", attrs.String("caption"))

	// a second put merges fields, it does not replace the node
	store.Put(path, Attrs{"likes": 3})
	attrs, ok, _ = store.Get(ctx, path)
	assert.Equal(t, true, ok)
	assert.Equal(t, "hello", attrs.String("caption"))
	assert.Equal(t, int64(3), attrs.Int64("likes"))
}

func TestMemStoreSubscribeReplayAndFollow(t *testing.T) {
	store := NewMemStore()
	defer store.Close()

	store.Put(AppPath(PostsCollection, "1"), Attrs{"caption": "one"})
	store.Put(AppPath(PostsCollection, "2"), Attrs{"caption": "two"})

	type event struct {
		childId string
		attrs   Attrs
	}
	events := []event{}
	unsubscribe := store.Subscribe(AppPath(PostsCollection), func(childId string, attrs Attrs) {
		events = append(events, event{childId, attrs})
	})

	// existing children replay once each
	assert.Equal(t, 2, len(events))

	store.Put(AppPath(PostsCollection, "3"), Attrs{"caption": "three"})
	assert.Equal(t, 3, len(events))
	assert.Equal(t, "3", events[2].childId)

	// changed children fire again with the full node
	store.Put(AppPath(PostsCollection, "1"), Attrs{"likes": 1})
	assert.Equal(t, 4, len(events))
	assert.Equal(t, "1", events[3].childId)
	assert.Equal(t, "one", events[3].attrs.String("caption"))

	// grandchildren do not leak into a collection subscription
	store.Put(AppPath(MessagesCollection, "a-b", "100"), Attrs{"text": "hi"})
	assert.Equal(t, 4, len(events))

	unsubscribe()
	store.Put(AppPath(PostsCollection, "4"), Attrs{"caption": "four"})
	assert.Equal(t, 4, len(events))

	// unsubscribe is idempotent
	unsubscribe()
}

func TestMemStoreOwnWritesSupersede(t *testing.T) {
	store := NewMemStore()
	defer store.Close()

	ctx := context.Background()
	path := AppPath(PostsCollection, "1")

	// back-to-back writes in the same millisecond: the later one wins
	// regardless of how the values compare
	store.Put(path, Attrs{"likes": 5})
	store.Put(path, Attrs{"likes": 4})
	attrs, _, _ := store.Get(ctx, path)
	assert.Equal(t, int64(4), attrs.Int64("likes"))

	store.Put(path, Attrs{"caption": "zzz"})
	store.Put(path, Attrs{"caption": "aaa"})
	attrs, _, _ = store.Get(ctx, path)
	assert.Equal(t, "aaa", attrs.String("caption"))
}

func TestMemStoreStaleWriteNoEvent(t *testing.T) {
	store := NewMemStore()
	defer store.Close()

	count := 0
	store.Subscribe(AppPath(PostsCollection), func(childId string, attrs Attrs) {
		count += 1
	})

	store.PutWithState(AppPath(PostsCollection, "1"), Attrs{"caption": "new"}, 200)
	assert.Equal(t, 1, count)

	// a losing write produces no subscription event
	store.PutWithState(AppPath(PostsCollection, "1"), Attrs{"caption": "old"}, 100)
	assert.Equal(t, 1, count)

	attrs, _, _ := store.Get(context.Background(), AppPath(PostsCollection, "1"))
	assert.Equal(t, "new", attrs.String("caption"))
}

func TestPathSoul(t *testing.T) {
	assert.Equal(t, "snowed-in/posts/123", AppPath(PostsCollection, "123").Soul())
	assert.Equal(t, "snowed-in/messages/a-b/9", AppPath(MessagesCollection, "a-b", "9").Soul())

	parentSoul, childId, ok := splitSoul("snowed-in/posts/123")
	assert.Equal(t, true, ok)
	assert.Equal(t, "snowed-in/posts", parentSoul)
	assert.Equal(t, "123", childId)

	_, _, ok = splitSoul("root")
	assert.Equal(t, false, ok)

	childId, ok = childOf("snowed-in/posts/123", "snowed-in/posts/")
	assert.Equal(t, true, ok)
	assert.Equal(t, "123", childId)

	_, ok = childOf("snowed-in/messages/a-b/9", "snowed-in/messages/")
	assert.Equal(t, false, ok)
}

func TestRelayStoreQueuesWhileDisconnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// nothing listens here
	store := NewRelayStoreWithDefaults(ctx, "ws://127.0.0.1:1/gun")
	defer store.Close()

	assert.Equal(t, false, store.IsConnected())

	store.Put(AppPath(PostsCollection, "1"), Attrs{"caption": "queued"})
	store.Put(AppPath(PostsCollection, "2"), Attrs{"caption": "also queued"})
	assert.Equal(t, 2, store.PendingPutCount())

	// the local cache reflects the writer's own puts immediately
	attrs, ok, err := store.Get(ctx, AppPath(PostsCollection, "1"))
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, "queued", attrs.String("caption"))

	// a subscription replays from the local cache without a relay
	events := 0
	store.Subscribe(AppPath(PostsCollection), func(childId string, attrs Attrs) {
		events += 1
	})
	assert.Equal(t, 2, events)
}

func TestRelayStorePutEchoesToOwnSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewRelayStoreWithDefaults(ctx, "ws://127.0.0.1:1/gun")
	defer store.Close()

	type event struct {
		childId string
		attrs   Attrs
	}
	events := []event{}
	store.Subscribe(AppPath(PostsCollection), func(childId string, attrs Attrs) {
		events = append(events, event{childId, attrs})
	})

	// the hub never reflects a put back to its origin, so the writer's
	// own projection depends on this local echo
	store.Put(AppPath(PostsCollection, "1"), Attrs{"caption": "mine"})
	assert.Equal(t, 1, len(events))
	assert.Equal(t, "1", events[0].childId)
	assert.Equal(t, "mine", events[0].attrs.String("caption"))

	// a field update echoes the full node
	store.Put(AppPath(PostsCollection, "1"), Attrs{"likes": 1})
	assert.Equal(t, 2, len(events))
	assert.Equal(t, "mine", events[1].attrs.String("caption"))
	assert.Equal(t, int64(1), events[1].attrs.Int64("likes"))

	// subscriptions on other collections stay quiet
	store.Put(AppPath(UsersCollection, "u1"), Attrs{"name": "Alice"})
	assert.Equal(t, 2, len(events))
}
