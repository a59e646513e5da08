package community

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/golang/glog"
)

type Comment struct {
	Id        string `json:"id"`
	UserId    string `json:"userId"`
	UserName  string `json:"userName"`
	Text      string `json:"text"`
	Timestamp Millis `json:"timestamp"`
}

type Post struct {
	Id        string
	UserId    string
	UserName  string
	UserUnit  string
	ImageUri  string
	Caption   string
	Timestamp Millis
	Likes     int
	Comments  []Comment
	// local only, never replicated. The shared counter cannot tell who
	// liked what, so this is this session's best guess.
	LikedByMe bool
}

type FeedChangeFunction func()

// Maintains the shared feed projection, newest first, and issues writes
// for new posts, likes and comments. The author's own UI updates arrive
// by subscription echo, not by optimistic local insert.
type FeedSync struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    ReplicatedStore
	sessions *SessionManager

	stateLock sync.Mutex
	posts     []*Post
	// post id -> liked in this session
	liked map[string]bool

	unsubscribe UnsubscribeFunction

	changeCallbacks CallbackList[*FeedChangeFunction]
}

func NewFeedSync(ctx context.Context, store ReplicatedStore, sessions *SessionManager) *FeedSync {
	cancelCtx, cancel := context.WithCancel(ctx)
	sync := &FeedSync{
		ctx:      cancelCtx,
		cancel:   cancel,
		store:    store,
		sessions: sessions,
		posts:    []*Post{},
		liked:    map[string]bool{},
	}
	sync.unsubscribe = store.Subscribe(AppPath(PostsCollection), sync.receive)
	return sync
}

func (self *FeedSync) receive(postId string, attrs Attrs) {
	if len(attrs) == 0 {
		return
	}
	post := &Post{
		Id:        postId,
		UserId:    attrs.String("userId"),
		UserName:  attrs.String("userName"),
		UserUnit:  attrs.String("userUnit"),
		ImageUri:  attrs.String("imageUri"),
		Caption:   attrs.String("caption"),
		Timestamp: attrs.Int64("timestamp"),
		Likes:     int(attrs.Int64("likes")),
		Comments:  decodeComments(attrs["comments"]),
	}

	self.stateLock.Lock()
	post.LikedByMe = self.liked[postId]
	i := -1
	for j, existing := range self.posts {
		if existing.Id == postId {
			i = j
			break
		}
	}
	if 0 <= i {
		self.posts[i] = post
	} else {
		self.posts = append(self.posts, post)
	}
	// always re-sort the whole projection, newest first. Correctness over
	// incremental merge at this scale.
	sort.SliceStable(self.posts, func(i int, j int) bool {
		return self.posts[j].Timestamp < self.posts[i].Timestamp
	})
	self.stateLock.Unlock()

	self.feedChanged()
}

// the comments field may arrive as a serialized sequence or already
// structured, depending on which peer wrote it
func decodeComments(value any) []Comment {
	switch v := value.(type) {
	case string:
		comments := []Comment{}
		if err := json.Unmarshal([]byte(v), &comments); err != nil {
			return []Comment{}
		}
		return comments
	case []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return []Comment{}
		}
		comments := []Comment{}
		if err := json.Unmarshal(encoded, &comments); err != nil {
			return []Comment{}
		}
		return comments
	default:
		return []Comment{}
	}
}

func encodeComments(comments []Comment) string {
	encoded, err := json.Marshal(comments)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}

// newest first
func (self *FeedSync) Posts() []*Post {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	out := make([]*Post, len(self.posts))
	copy(out, self.posts)
	return out
}

func (self *FeedSync) Post(postId string) *Post {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, post := range self.posts {
		if post.Id == postId {
			return post
		}
	}
	return nil
}

func (self *FeedSync) MyPosts() []*Post {
	session := self.sessions.Session()
	userId := session.UserId()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	out := []*Post{}
	for _, post := range self.posts {
		if post.UserId == userId {
			out = append(out, post)
		}
	}
	return out
}

func (self *FeedSync) CreatePost(imageUri string, caption string) error {
	session := self.sessions.Session()
	if !session.CanWrite() {
		return NewAuthorizationError("no resident session")
	}
	if imageUri == "" {
		return NewValidationError("a post needs an image")
	}

	postId := MillisId()
	self.store.Put(AppPath(PostsCollection, postId), Attrs{
		"userId":    session.User.Id,
		"userName":  session.User.Name,
		"userUnit":  session.User.Unit.String(),
		"imageUri":  imageUri,
		"caption":   caption,
		"timestamp": NowMillis(),
		"likes":     0,
		"comments":  encodeComments([]Comment{}),
	})
	// no ack is awaited; the subscription echoes the post back
	glog.V(1).Infof("[feed]post %s\n", postId)
	return nil
}

// Writes likes +/- 1 relative to the locally cached count as a single
// field put. Two clients toggling concurrently race and last-writer-wins
// silently drops one increment. Documented limitation of the substrate.
func (self *FeedSync) ToggleLike(postId string) error {
	session := self.sessions.Session()
	if !session.CanWrite() {
		return NewAuthorizationError("no resident session")
	}

	self.stateLock.Lock()
	var post *Post
	for _, p := range self.posts {
		if p.Id == postId {
			post = p
			break
		}
	}
	if post == nil {
		self.stateLock.Unlock()
		return NewValidationError("unknown post %s", postId)
	}
	likes := post.Likes
	if self.liked[postId] {
		likes -= 1
		delete(self.liked, postId)
		post.LikedByMe = false
	} else {
		likes += 1
		self.liked[postId] = true
		post.LikedByMe = true
	}
	self.stateLock.Unlock()

	self.store.Put(AppPath(PostsCollection, postId), Attrs{
		"likes": likes,
	})
	return nil
}

// Read-append-write on the serialized comment sequence. Not atomic:
// concurrent commenters race and one append can be silently overwritten.
func (self *FeedSync) AddComment(ctx context.Context, postId string, text string) error {
	session := self.sessions.Session()
	if !session.CanWrite() {
		return NewAuthorizationError("no resident session")
	}
	if strings.TrimSpace(text) == "" {
		return NewValidationError("comment text is required")
	}

	attrs, ok, err := self.store.Get(ctx, AppPath(PostsCollection, postId))
	if err != nil {
		return err
	}
	if !ok {
		return NewValidationError("unknown post %s", postId)
	}

	comments := decodeComments(attrs["comments"])
	comments = append(comments, Comment{
		Id:        MillisId(),
		UserId:    session.User.Id,
		UserName:  session.User.Name,
		Text:      text,
		Timestamp: NowMillis(),
	})
	self.store.Put(AppPath(PostsCollection, postId), Attrs{
		"comments": encodeComments(comments),
	})
	return nil
}

func (self *FeedSync) AddChangeCallback(callback *FeedChangeFunction) {
	self.changeCallbacks.Add(callback)
}

func (self *FeedSync) RemoveChangeCallback(callback *FeedChangeFunction) {
	self.changeCallbacks.Remove(callback)
}

func (self *FeedSync) feedChanged() {
	for _, callback := range self.changeCallbacks.Get() {
		func() {
			defer recover()
			(*callback)()
		}()
	}
}

func (self *FeedSync) Close() {
	self.cancel()
	if self.unsubscribe != nil {
		self.unsubscribe()
	}
}
