package community

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Local projection of every registered user, fed by a subscription on the
// users collection. Backs neighbor search and the inbox list. Disposable:
// it is rebuilt from subscription replay on every activation.

type DirectoryChangeFunction func()

type DirectorySync struct {
	ctx    context.Context
	cancel context.CancelFunc

	store ReplicatedStore

	stateLock sync.Mutex
	users     []*User

	unsubscribe UnsubscribeFunction

	changeCallbacks CallbackList[*DirectoryChangeFunction]
}

func NewDirectorySync(ctx context.Context, store ReplicatedStore) *DirectorySync {
	cancelCtx, cancel := context.WithCancel(ctx)
	sync := &DirectorySync{
		ctx:    cancelCtx,
		cancel: cancel,
		store:  store,
		users:  []*User{},
	}
	sync.unsubscribe = store.Subscribe(AppPath(UsersCollection), sync.receive)
	return sync
}

func (self *DirectorySync) receive(userId string, attrs Attrs) {
	if len(attrs) == 0 {
		return
	}
	user := userFromAttrs(userId, attrs)

	self.stateLock.Lock()
	i := sort.Search(len(self.users), func(i int) bool {
		return userId <= self.users[i].Id
	})
	if i < len(self.users) && self.users[i].Id == userId {
		self.users[i] = user
	} else {
		self.users = append(self.users, nil)
		copy(self.users[i+1:], self.users[i:])
		self.users[i] = user
	}
	self.stateLock.Unlock()

	self.directoryChanged()
}

func (self *DirectorySync) Users() []*User {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	out := make([]*User, len(self.users))
	copy(out, self.users)
	return out
}

func (self *DirectorySync) User(userId string) *User {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, user := range self.users {
		if user.Id == userId {
			return user
		}
	}
	return nil
}

func (self *DirectorySync) Avatar(userId string, userName string) string {
	if user := self.User(userId); user != nil {
		return user.Avatar
	}
	return placeholderAvatarUrl(userName)
}

// residents matching query by name or formatted unit,
// excluding selfId and observer records
func (self *DirectorySync) Search(query string, selfId string) []*User {
	query = strings.ToLower(query)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	out := []*User{}
	for _, user := range self.users {
		if user.Id == selfId || user.Admin {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(user.Name), query) &&
			!strings.Contains(strings.ToLower(user.Unit.String()), query) {
			continue
		}
		out = append(out, user)
	}
	return out
}

func (self *DirectorySync) AddChangeCallback(callback *DirectoryChangeFunction) {
	self.changeCallbacks.Add(callback)
}

func (self *DirectorySync) RemoveChangeCallback(callback *DirectoryChangeFunction) {
	self.changeCallbacks.Remove(callback)
}

func (self *DirectorySync) directoryChanged() {
	for _, callback := range self.changeCallbacks.Get() {
		func() {
			defer recover()
			(*callback)()
		}()
	}
}

func (self *DirectorySync) Close() {
	self.cancel()
	if self.unsubscribe != nil {
		self.unsubscribe()
	}
}
