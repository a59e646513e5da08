package community

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/golang/glog"
)

type Message struct {
	Id          string
	SenderId    string
	RecipientId string
	Text        string
	Timestamp   Millis
}

// Deterministic, symmetric identifier for a two-party thread: both
// participants compute the same key without a lookup.
func ChannelKey(userIdA string, userIdB string) string {
	ids := []string{userIdA, userIdB}
	sort.Strings(ids)
	return strings.Join(ids, "-")
}

type ChatChangeFunction func()

// One open conversation. Subscribes to the pair channel on activation and
// replays the full history; Close cancels the subscription and the
// projection is discarded, nothing is cached across chat sessions.
type ChatSync struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    ReplicatedStore
	sessions *SessionManager
	peerId   string
	channel  string

	stateLock sync.Mutex
	messages  []*Message

	unsubscribe UnsubscribeFunction

	changeCallbacks CallbackList[*ChatChangeFunction]
}

func NewChatSync(ctx context.Context, store ReplicatedStore, sessions *SessionManager, peerId string) (*ChatSync, error) {
	session := sessions.Session()
	if session.Kind == SessionGuest {
		return nil, NewAuthorizationError("no active session")
	}
	if peerId == "" {
		return nil, NewValidationError("no chat peer")
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	sync := &ChatSync{
		ctx:      cancelCtx,
		cancel:   cancel,
		store:    store,
		sessions: sessions,
		peerId:   peerId,
		channel:  ChannelKey(session.UserId(), peerId),
		messages: []*Message{},
	}
	sync.unsubscribe = store.Subscribe(AppPath(MessagesCollection, sync.channel), sync.receive)
	return sync, nil
}

func (self *ChatSync) receive(messageId string, attrs Attrs) {
	if len(attrs) == 0 {
		return
	}

	self.stateLock.Lock()
	for _, existing := range self.messages {
		if existing.Id == messageId {
			// messages are immutable, no update case
			self.stateLock.Unlock()
			return
		}
	}
	self.messages = append(self.messages, &Message{
		Id:          messageId,
		SenderId:    attrs.String("senderId"),
		RecipientId: attrs.String("recipientId"),
		Text:        attrs.String("text"),
		Timestamp:   attrs.Int64("timestamp"),
	})
	sort.SliceStable(self.messages, func(i int, j int) bool {
		return self.messages[i].Timestamp < self.messages[j].Timestamp
	})
	self.stateLock.Unlock()

	self.chatChanged()
}

// oldest first
func (self *ChatSync) Messages() []*Message {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	out := make([]*Message, len(self.messages))
	copy(out, self.messages)
	return out
}

func (self *ChatSync) PeerId() string {
	return self.peerId
}

func (self *ChatSync) SendMessage(text string) error {
	session := self.sessions.Session()
	if !session.CanWrite() {
		return NewAuthorizationError("no resident session")
	}
	if strings.TrimSpace(text) == "" {
		return NewValidationError("message text is required")
	}

	messageId := MillisId()
	self.store.Put(AppPath(MessagesCollection, self.channel, messageId), Attrs{
		"senderId":    session.User.Id,
		"recipientId": self.peerId,
		"text":        text,
		"timestamp":   NowMillis(),
	})
	// echoed back to the sender by the channel subscription
	glog.V(1).Infof("[chat]send %s on %s\n", messageId, self.channel)
	return nil
}

func (self *ChatSync) AddChangeCallback(callback *ChatChangeFunction) {
	self.changeCallbacks.Add(callback)
}

func (self *ChatSync) RemoveChangeCallback(callback *ChatChangeFunction) {
	self.changeCallbacks.Remove(callback)
}

func (self *ChatSync) chatChanged() {
	for _, callback := range self.changeCallbacks.Get() {
		func() {
			defer recover()
			(*callback)()
		}()
	}
}

func (self *ChatSync) Close() {
	self.cancel()
	if self.unsubscribe != nil {
		self.unsubscribe()
	}
}
