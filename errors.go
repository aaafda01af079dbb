package pawchat

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrEmptyMessage         = errors.New("message is empty")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrRecipientNotFound    = errors.New("recipient not found")
	ErrInvalidRecipient     = errors.New("invalid recipient")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("not a participant of this conversation")
	ErrNoConversation       = errors.New("no conversation selected")
	ErrStaleResponse        = errors.New("response superseded by a newer request")
)

// Error codes used on the wire.
const (
	CodeEmptyMessage         = "EMPTY_MESSAGE"
	CodeUnauthenticated      = "UNAUTHENTICATED"
	CodeRecipientNotFound    = "RECIPIENT_NOT_FOUND"
	CodeInvalidRecipient     = "INVALID_RECIPIENT"
	CodeConversationNotFound = "CONVERSATION_NOT_FOUND"
	CodeNotParticipant       = "NOT_PARTICIPANT"
	CodeBadRequest           = "BAD_REQUEST"
	CodeInternal             = "INTERNAL"
)

var codeSentinels = map[string]error{
	CodeEmptyMessage:         ErrEmptyMessage,
	CodeUnauthenticated:      ErrNotAuthenticated,
	CodeRecipientNotFound:    ErrRecipientNotFound,
	CodeInvalidRecipient:     ErrInvalidRecipient,
	CodeConversationNotFound: ErrConversationNotFound,
	CodeNotParticipant:       ErrNotParticipant,
}

func sentinelForCode(code string) error {
	return codeSentinels[code]
}

// ErrorCode returns the wire code for err, CodeInternal when unknown.
func ErrorCode(err error) string {
	for code, sentinel := range codeSentinels {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// FetchError is a transient failure to list conversations or messages.
// The cache keeps its last known state.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SendError reports a failed send. Content holds the text that was rolled back
// so it can be restored into the composer.
type SendError struct {
	ConversationID string
	ClientID       string
	Content        string
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send message to %s: %v", e.ConversationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
