package community

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestResident(t *testing.T, store *MemStore, name string, rawUnitId string) *SessionManager {
	sessions := NewSessionManager(store)
	_, err := sessions.Authenticate(context.Background(), name, "pw", rawUnitId)
	assert.Equal(t, nil, err)
	return sessions
}

func TestFeedSortedNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	defer store.Close()
	sessions := newTestResident(t, store, "Alice", "3302")

	feed := NewFeedSync(ctx, store, sessions)
	defer feed.Close()

	// posts arrive in arbitrary order; the projection is always newest first
	store.Put(AppPath(PostsCollection, "b"), Attrs{"caption": "middle", "timestamp": Millis(200), "imageUri": "data:x"})
	store.Put(AppPath(PostsCollection, "c"), Attrs{"caption": "newest", "timestamp": Millis(300), "imageUri": "data:x"})
	store.Put(AppPath(PostsCollection, "a"), Attrs{"caption": "oldest", "timestamp": Millis(100), "imageUri": "data:x"})

	posts := feed.Posts()
	assert.Equal(t, 3, len(posts))
	assert.Equal(t, "newest", posts[0].Caption)
	assert.Equal(t, "middle", posts[1].Caption)
	assert.Equal(t, "oldest", posts[2].Caption)

	// a timestamp update re-sorts
	store.Put(AppPath(PostsCollection, "a"), Attrs{"timestamp": Millis(400)})
	posts = feed.Posts()
	assert.Equal(t, "oldest", posts[0].Caption)
}

func TestFeedReplaysExistingPosts(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	defer store.Close()
	sessions := newTestResident(t, store, "Alice", "3302")

	store.Put(AppPath(PostsCollection, "1"), Attrs{"caption": "already there", "timestamp": Millis(100)})

	feed := NewFeedSync(ctx, store, sessions)
	defer feed.Close()

	assert.Equal(t, 1, len(feed.Posts()))
	assert.Equal(t, "already there", feed.Posts()[0].Caption)
}

func TestCreatePostEchoesBack(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	defer store.Close()
	sessions := newTestResident(t, store, "Alice", "3302")

	feed := NewFeedSync(ctx, store, sessions)
	defer feed.Close()

	changes := 0
	callback := FeedChangeFunction(func() {
		changes += 1
	})
	feed.AddChangeCallback(&callback)

	err := feed.CreatePost("data:image/png;base64,xxxx", "first snow!")
	assert.Equal(t, nil, err)

	// the author sees the post by subscription echo
	posts := feed.Posts()
	assert.Equal(t, 1, len(posts))
	post := posts[0]
	assert.Equal(t, "first snow!", post.Caption)
	assert.Equal(t, "data:image/png;base64,xxxx", post.ImageUri)
	assert.Equal(t, sessions.Session().User.Id, post.UserId)
	assert.Equal(t, "Alice", post.UserName)
	assert.Equal(t, "Apt 3 - R3 - B2", post.UserUnit)
	assert.Equal(t, 0, post.Likes)
	assert.Equal(t, 0, len(post.Comments))
	assert.Equal(t, false, post.LikedByMe)
	assert.Equal(t, 1, changes)
}

func TestCreatePostRequiresImage(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	defer store.Close()
	sessions := newTestResident(t, store, "Alice", "3302")

	feed := NewFeedSync(ctx, store, sessions)
	defer feed.Close()

	err := feed.CreatePost("", "no picture")
	_, ok := err.(*ValidationError)
	assert.Equal(t, true, ok)
	assert.Equal(t, 0, len(feed.Posts()))
}

func TestObserverCannotWriteFeed(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	defer store.Close()

	sessions := NewSessionManager(store)
	_, err := sessions.Authenticate(ctx, "Warden", "pw", ObserverUnitLiteral)
	assert.Equal(t, nil, err)

	store.Put(AppPath(PostsCollection, "1"), Attrs{"caption": "hi", "timestamp": Millis(100), "likes": 2})

	feed := NewFeedSync(ctx, store, sessions)
	defer feed.Close()

	// the observer reads everything
	assert.Equal(t, 1, len(feed.Posts()))

	before := store.PutCount()

	err = feed.CreatePost("data:x", "nope")
	_, ok := err.(*AuthorizationError)
	assert.Equal(t, true, ok)

	err = feed.ToggleLike("1")
	_, ok = err.(*AuthorizationError)
	assert.Equal(t, true, ok)

	err = feed.AddComment(ctx, "1", "nope")
	_, ok = err.(*AuthorizationError)
	assert.Equal(t, true, ok)

	// every write was a no-op
	assert.Equal(t, before, store.PutCount())
	assert.Equal(t, 2, feed.Posts()[0].Likes)
}

func TestToggleLike(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	defer store.Close()
	sessions := newTestResident(t, store, "Alice", "3302")

	store.Put(AppPath(PostsCollection, "1"), Attrs{"caption": "hi", "timestamp": Millis(100), "likes": 4})

	feed := NewFeedSync(ctx, store, sessions)
	defer feed.Close()

	err := feed.ToggleLike("1")
	assert.Equal(t, nil, err)
	post := feed.Post("1")
	assert.Equal(t, 5, post.Likes)
	assert.Equal(t, true, post.LikedByMe)

	err = feed.ToggleLike("1")
	assert.Equal(t, nil, err)
	post = feed.Post("1")
	assert.Equal(t, 4, post.Likes)
	assert.Equal(t, false, post.LikedByMe)

	err = feed.ToggleLike("unknown")
	_, ok := err.(*ValidationError)
	assert.Equal(t, true, ok)
}

func TestAddComment(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	defer store.Close()
	sessions := newTestResident(t, store, "Alice", "3302")

	store.Put(AppPath(PostsCollection, "1"), Attrs{
		"caption":   "hi",
		"timestamp": Millis(100),
		"comments":  encodeComments([]Comment{}),
	})

	feed := NewFeedSync(ctx, store, sessions)
	defer feed.Close()

	err := feed.AddComment(ctx, "1", "so cozy")
	assert.Equal(t, nil, err)

	post := feed.Post("1")
	assert.Equal(t, 1, len(post.Comments))
	assert.Equal(t, "so cozy", post.Comments[0].Text)
	assert.Equal(t, "Alice", post.Comments[0].UserName)
	assert.Equal(t, sessions.Session().User.Id, post.Comments[0].UserId)

	// appended, never replaced
	time.Sleep(2 * time.Millisecond)
	err = feed.AddComment(ctx, "1", "come over")
	assert.Equal(t, nil, err)
	post = feed.Post("1")
	assert.Equal(t, 2, len(post.Comments))
	assert.Equal(t, "so cozy", post.Comments[0].Text)
	assert.Equal(t, "come over", post.Comments[1].Text)

	// blank comments are rejected before any write
	err = feed.AddComment(ctx, "1", "   ")
	_, ok := err.(*ValidationError)
	assert.Equal(t, true, ok)
}

func TestDecodeCommentsBothShapes(t *testing.T) {
	serialized := `[{"id":"1","userId":"u","userName":"Alice","text":"hi","timestamp":100}]`

	comments := decodeComments(serialized)
	assert.Equal(t, 1, len(comments))
	assert.Equal(t, "hi", comments[0].Text)
	assert.Equal(t, Millis(100), comments[0].Timestamp)

	// a peer may have written the structured form instead
	var structured []any
	err := json.Unmarshal([]byte(serialized), &structured)
	assert.Equal(t, nil, err)
	comments = decodeComments(structured)
	assert.Equal(t, 1, len(comments))
	assert.Equal(t, "hi", comments[0].Text)

	// anything unreadable decodes to empty, not an error
	assert.Equal(t, 0, len(decodeComments("not json")))
	assert.Equal(t, 0, len(decodeComments(nil)))
	assert.Equal(t, 0, len(decodeComments(7)))
}

func TestMyPosts(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	defer store.Close()
	sessions := newTestResident(t, store, "Alice", "3302")
	selfId := sessions.Session().User.Id

	store.Put(AppPath(PostsCollection, "1"), Attrs{"userId": selfId, "timestamp": Millis(100)})
	store.Put(AppPath(PostsCollection, "2"), Attrs{"userId": "someone-else", "timestamp": Millis(200)})
	store.Put(AppPath(PostsCollection, "3"), Attrs{"userId": selfId, "timestamp": Millis(300)})

	feed := NewFeedSync(ctx, store, sessions)
	defer feed.Close()

	mine := feed.MyPosts()
	assert.Equal(t, 2, len(mine))
	assert.Equal(t, "3", mine[0].Id)
	assert.Equal(t, "1", mine[1].Id)
}
