package community

import (
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
)

// top-level namespace for every path in the replicated graph
const AppNamespace = "snowed-in"

// well-known collections under the namespace
const (
	UsersCollection     = "users"
	UnitIndexCollection = "users_by_unitkey"
	PostsCollection     = "posts"
	MessagesCollection  = "messages"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	u, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// event timestamps are unix milliseconds everywhere,
// and double as post/message/comment ids
type Millis = int64

func NowMillis() Millis {
	return time.Now().UnixMilli()
}

func MillisId() string {
	return strconv.FormatInt(NowMillis(), 10)
}

type ValidationError struct {
	message string
}

func NewValidationError(format string, a ...any) *ValidationError {
	return &ValidationError{
		message: fmt.Sprintf(format, a...),
	}
}

func (self *ValidationError) Error() string {
	return self.message
}

type AuthorizationError struct {
	message string
}

func NewAuthorizationError(format string, a ...any) *AuthorizationError {
	return &AuthorizationError{
		message: fmt.Sprintf(format, a...),
	}
}

func (self *AuthorizationError) Error() string {
	return self.message
}
