// Package chat keeps a client's view of its conversations and of the open
// conversation's message list in step with the gateway. It merges the initial
// fetch, optimistic sends, realtime inserts and updates, and read receipts.
package chat

import (
	"errors"
	"fmt"

	"chatsync/internal/gateway"
)

// NoticeKind tells the presentation layer how to surface a failure.
type NoticeKind int

// Notice kinds.
const (
	// NoticeTransient is a retryable failure; local state was left as it was.
	NoticeTransient NoticeKind = iota
	// NoticePermission means the gateway refused the operation.
	NoticePermission
	// NoticeInvalid means the request was rejected as malformed.
	NoticeInvalid
)

// Notice is a user-facing, non-fatal failure report.
type Notice struct {
	Kind NoticeKind
	Op   string
	Err  error
}

func (n Notice) String() string {
	switch n.Kind {
	case NoticePermission:
		return fmt.Sprintf("%s: not allowed", n.Op)
	case NoticeInvalid:
		return fmt.Sprintf("%s: rejected: %v", n.Op, n.Err)
	default:
		return fmt.Sprintf("%s failed, try again: %v", n.Op, n.Err)
	}
}

// NoticeFunc receives notices. It is called outside any internal lock.
type NoticeFunc func(Notice)

// Errors returned for calls made in the wrong state.
var (
	ErrNotSynced   = errors.New("chat: no conversation is synced")
	ErrEmptyBody   = errors.New("chat: message body is empty")
	ErrUnknownID   = errors.New("chat: message is not in the open conversation")
	ErrPending     = errors.New("chat: message is still being sent")
	ErrStaleResult = errors.New("chat: conversation changed while the call was in flight")

	ErrUnknownConversation = errors.New("chat: conversation not found")
)

// ErrStreamClosed is reported when the open conversation's realtime stream
// ends without the synchronizer closing it.
var ErrStreamClosed = errors.New("chat: realtime stream closed")

// noticeFor classifies err. Conflict and NotFound outcomes are treated as
// already satisfied and produce no notice.
func noticeFor(op string, err error) (Notice, bool) {
	if err == nil || gateway.IsCanceled(err) {
		return Notice{}, false
	}
	switch gateway.KindOf(err) {
	case gateway.Conflict, gateway.NotFound:
		return Notice{}, false
	case gateway.Forbidden:
		return Notice{Kind: NoticePermission, Op: op, Err: err}, true
	case gateway.Invalid:
		return Notice{Kind: NoticeInvalid, Op: op, Err: err}, true
	default:
		return Notice{Kind: NoticeTransient, Op: op, Err: err}, true
	}
}
