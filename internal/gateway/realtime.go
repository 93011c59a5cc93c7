package gateway

import (
	"fmt"
	"strings"
)

// FrameType names a realtime websocket frame.
type FrameType string

// Realtime frame types. Clients send subscribe and unsubscribe; the server
// answers with subscribed, change and error.
const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameSubscribed  FrameType = "subscribed"
	FrameChange      FrameType = "change"
	FrameError       FrameType = "error"
)

// Frame is one JSON message on the realtime websocket. Ref is chosen by the
// client and ties every server frame back to its subscription.
type Frame struct {
	Type    FrameType    `json:"type"`
	Ref     string       `json:"ref"`
	Table   string       `json:"table,omitempty"`
	Events  []ChangeType `json:"events,omitempty"`
	Filter  string       `json:"filter,omitempty"`
	Event   *ChangeEvent `json:"event,omitempty"`
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message,omitempty"`
}

// SubscribeFrame builds the frame that opens ch under ref.
func SubscribeFrame(ref string, ch Channel) Frame {
	f := Frame{Type: FrameSubscribe, Ref: ref, Table: ch.Table, Events: ch.Events}
	if ch.Filter != nil {
		f.Filter = ch.Filter.String()
	}
	return f
}

// Channel decodes the channel requested by a subscribe frame.
func (f Frame) Channel() (Channel, error) {
	if f.Table == "" {
		return Channel{}, NewError(Invalid, "RT400", "subscribe frame without table")
	}
	ch := Channel{Table: f.Table, Events: f.Events}
	for _, e := range f.Events {
		if e != ChangeInsert && e != ChangeUpdate && e != ChangeDelete {
			return Channel{}, NewError(Invalid, "RT400", fmt.Sprintf("unknown event %q", e))
		}
	}
	if f.Filter != "" {
		filter, err := ParseFilterExpr(f.Filter)
		if err != nil {
			return Channel{}, err
		}
		ch.Filter = &filter
	}
	return ch, nil
}

// Err converts an error frame into a gateway error.
func (f Frame) Err() error {
	kind := Transient
	switch f.Code {
	case "RT400":
		kind = Invalid
	case "RT403":
		kind = Forbidden
	case "RT404":
		kind = NotFound
	}
	return NewError(kind, f.Code, f.Message)
}

// ErrorFrame builds the frame reporting err for ref.
func ErrorFrame(ref string, err error) Frame {
	code := "RT500"
	switch KindOf(err) {
	case Invalid:
		code = "RT400"
	case Forbidden:
		code = "RT403"
	case NotFound:
		code = "RT404"
	}
	return Frame{Type: FrameError, Ref: ref, Code: code, Message: err.Error()}
}

// ParseFilterExpr decodes a "column=op.value" expression.
func ParseFilterExpr(expr string) (Filter, error) {
	column, raw, ok := strings.Cut(expr, "=")
	if !ok || column == "" {
		return Filter{}, NewError(Invalid, "PGRST100", fmt.Sprintf("malformed filter expression %q", expr))
	}
	return ParseFilter(column, raw)
}
