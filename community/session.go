package community

import (
	"context"
	"fmt"
	"sync"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
)

// the local-only observer identity
const observerUserId = "admin"
const observerAvatarUrl = "https://cdn-icons-png.flaticon.com/512/2530/2530005.png"

func placeholderAvatarUrl(name string) string {
	return fmt.Sprintf("https://api.dicebear.com/7.x/avataaars/svg?seed=%s", name)
}

type User struct {
	Id       string
	Name     string
	Password string
	Avatar   string
	Unit     UnitId
	Admin    bool
}

func userAttrs(user *User) Attrs {
	return Attrs{
		"name":      user.Name,
		"password":  user.Password,
		"avatar":    user.Avatar,
		"apartment": user.Unit.Apartment,
		"room":      user.Unit.Room,
		"bed":       user.Unit.Bed,
		"isAdmin":   user.Admin,
	}
}

func userFromAttrs(userId string, attrs Attrs) *User {
	return &User{
		Id:       userId,
		Name:     attrs.String("name"),
		Password: attrs.String("password"),
		Avatar:   attrs.String("avatar"),
		Unit: UnitId{
			Apartment: int(attrs.Int64("apartment")),
			Room:      int(attrs.Int64("room")),
			Bed:       int(attrs.Int64("bed")),
		},
		Admin: attrs.Bool("isAdmin"),
	}
}

type SessionKind int

const (
	// no active session
	SessionGuest SessionKind = iota
	// a registered resident, full read/write
	SessionResident
	// reserved observer identity, read everything, write nothing,
	// never persisted to the store
	SessionObserver
)

func (self SessionKind) String() string {
	switch self {
	case SessionResident:
		return "resident"
	case SessionObserver:
		return "observer"
	default:
		return "guest"
	}
}

type Session struct {
	Kind SessionKind
	// nil for guest
	User *User
}

func (self *Session) CanWrite() bool {
	return self != nil && self.Kind == SessionResident
}

func (self *Session) UserId() string {
	if self == nil || self.User == nil {
		return ""
	}
	return self.User.Id
}

type SessionChangeFunction func(session *Session)

// Resolves a (name, password, unit) triple to a durable user record
// against the replicated store, registering on first use, and holds the
// locally active session. The unit index lookup and the registration
// insert are two separate puts with no atomicity between them; two
// clients racing to register the same unit can each create a user, and
// the index keeps whichever write lands last.
type SessionManager struct {
	store ReplicatedStore

	stateLock sync.Mutex
	session   *Session

	changeCallbacks CallbackList[*SessionChangeFunction]
}

func NewSessionManager(store ReplicatedStore) *SessionManager {
	return &SessionManager{
		store:   store,
		session: &Session{Kind: SessionGuest},
	}
}

func (self *SessionManager) Session() *Session {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.session
}

func (self *SessionManager) Authenticate(ctx context.Context, name string, password string, rawUnitId string) (*Session, error) {
	if name == "" || password == "" || rawUnitId == "" {
		return nil, NewValidationError("name, password and unit number are all required")
	}

	if rawUnitId == ObserverUnitLiteral {
		session := &Session{
			Kind: SessionObserver,
			User: &User{
				Id:     observerUserId,
				Name:   name,
				Avatar: observerAvatarUrl,
				Admin:  true,
			},
		}
		self.setSession(session)
		return session, nil
	}

	unit, err := ParseUnitId(rawUnitId)
	if err != nil {
		return nil, err
	}

	indexPath := AppPath(UnitIndexCollection, unit.Key())
	indexAttrs, ok, err := self.store.Get(ctx, indexPath)
	if err != nil {
		return nil, err
	}
	if ok && indexAttrs.String("userId") != "" {
		userId := indexAttrs.String("userId")
		userAttrs, ok, err := self.store.Get(ctx, AppPath(UsersCollection, userId))
		if err != nil {
			return nil, err
		}
		if !ok {
			// index points at a record that has not replicated here yet
			return nil, NewAuthorizationError("unit %s is registered but the record is unavailable", unit)
		}
		user := userFromAttrs(userId, userAttrs)
		if user.Name != name || user.Password != password {
			return nil, NewAuthorizationError("unit %s is registered to someone else or the name/password is incorrect", unit)
		}
		session := &Session{
			Kind: SessionResident,
			User: user,
		}
		self.setSession(session)
		return session, nil
	}

	// first-time registration. The two puts below are not atomic: a
	// concurrent registration for the same unit can interleave and one
	// user record ends up orphaned.
	user := &User{
		Id:       NewId().String(),
		Name:     name,
		Password: password,
		Avatar:   placeholderAvatarUrl(name),
		Unit:     unit,
	}
	self.store.Put(AppPath(UsersCollection, user.Id), userAttrs(user))
	self.store.Put(indexPath, Attrs{"userId": user.Id})
	glog.V(1).Infof("[session]registered %s for unit %s\n", user.Id, unit.Key())

	session := &Session{
		Kind: SessionResident,
		User: user,
	}
	self.setSession(session)
	return session, nil
}

// restore a session from a resume token issued by a previous
// authenticate. The token signature is the proof of the earlier
// password check.
func (self *SessionManager) Resume(ctx context.Context, token string, secret []byte) (*Session, error) {
	claims, err := ParseResumeToken(token, secret)
	if err != nil {
		return nil, err
	}
	if claims.UnitKey == ObserverUnitLiteral {
		session := &Session{
			Kind: SessionObserver,
			User: &User{
				Id:     observerUserId,
				Name:   claims.Name,
				Avatar: observerAvatarUrl,
				Admin:  true,
			},
		}
		self.setSession(session)
		return session, nil
	}

	attrs, ok, err := self.store.Get(ctx, AppPath(UsersCollection, claims.UserId))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NewAuthorizationError("user %s is not known here", claims.UserId)
	}
	user := userFromAttrs(claims.UserId, attrs)
	if user.Name != claims.Name {
		return nil, NewAuthorizationError("resume token does not match the stored record")
	}
	session := &Session{
		Kind: SessionResident,
		User: user,
	}
	self.setSession(session)
	return session, nil
}

// the avatar is the only user field mutated after registration,
// and only by its owner
func (self *SessionManager) UpdateAvatar(avatarUri string) error {
	self.stateLock.Lock()
	session := self.session
	self.stateLock.Unlock()

	if !session.CanWrite() {
		return NewAuthorizationError("no resident session")
	}
	self.store.Put(AppPath(UsersCollection, session.User.Id), Attrs{
		"avatar": avatarUri,
	})

	self.stateLock.Lock()
	user := *session.User
	user.Avatar = avatarUri
	next := &Session{
		Kind: session.Kind,
		User: &user,
	}
	self.session = next
	self.stateLock.Unlock()
	self.sessionChanged(next)
	return nil
}

func (self *SessionManager) Logout() {
	self.setSession(&Session{Kind: SessionGuest})
}

func (self *SessionManager) setSession(session *Session) {
	self.stateLock.Lock()
	self.session = session
	self.stateLock.Unlock()
	self.sessionChanged(session)
}

func (self *SessionManager) AddChangeCallback(callback *SessionChangeFunction) {
	self.changeCallbacks.Add(callback)
}

func (self *SessionManager) RemoveChangeCallback(callback *SessionChangeFunction) {
	self.changeCallbacks.Remove(callback)
}

func (self *SessionManager) sessionChanged(session *Session) {
	for _, callback := range self.changeCallbacks.Get() {
		func() {
			defer recover()
			(*callback)(session)
		}()
	}
}

type ResumeClaims struct {
	UserId  string
	Name    string
	UnitKey string
}

func NewResumeToken(session *Session, secret []byte) (string, error) {
	if session == nil || session.User == nil {
		return "", NewValidationError("no session to tokenize")
	}
	unitKey := session.User.Unit.Key()
	if session.Kind == SessionObserver {
		unitKey = ObserverUnitLiteral
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":  session.User.Id,
		"name":     session.User.Name,
		"unit_key": unitKey,
	})
	return token.SignedString(secret)
}

func ParseResumeToken(tokenStr string, secret []byte) (*ResumeClaims, error) {
	token, err := gojwt.Parse(tokenStr, func(token *gojwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, NewAuthorizationError("invalid resume token")
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, NewAuthorizationError("invalid resume token claims")
	}
	resumeClaims := &ResumeClaims{}
	if userId, ok := claims["user_id"].(string); ok {
		resumeClaims.UserId = userId
	}
	if name, ok := claims["name"].(string); ok {
		resumeClaims.Name = name
	}
	if unitKey, ok := claims["unit_key"].(string); ok {
		resumeClaims.UnitKey = unitKey
	}
	return resumeClaims, nil
}
