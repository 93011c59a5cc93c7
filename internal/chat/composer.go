package chat

import "sync"

// Composer holds the draft being typed and whether it is a reply to, or an
// edit of, an existing entry. Reply and edit are mutually exclusive. It makes
// no remote calls.
type Composer struct {
	mu      sync.Mutex
	draft   string
	replyTo *Entry
	editing *Entry
}

// NewComposer returns an empty composer.
func NewComposer() *Composer {
	return &Composer{}
}

// SetDraft replaces the draft text.
func (c *Composer) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
}

// Draft returns the current draft text.
func (c *Composer) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// SetReplyTarget sets the entry the next send replies to. Nil clears it.
// Setting a target leaves edit mode.
func (c *Composer) SetReplyTarget(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e == nil {
		c.replyTo = nil
		return
	}
	if c.editing != nil {
		c.editing = nil
		c.draft = ""
	}
	target := *e
	c.replyTo = &target
}

// ReplyTarget returns a copy of the reply target, or nil.
func (c *Composer) ReplyTarget() *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyEntry(c.replyTo)
}

// BeginEdit switches to editing e, loading its body into the draft and
// dropping any reply target.
func (c *Composer) BeginEdit(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.editing = &e
	c.replyTo = nil
	c.draft = e.Body
}

// CancelEdit leaves edit mode and discards the draft.
func (c *Composer) CancelEdit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.editing == nil {
		return
	}
	c.editing = nil
	c.draft = ""
}

// Editing returns a copy of the entry being edited, or nil.
func (c *Composer) Editing() *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyEntry(c.editing)
}

// ClearAfterSend resets the draft and reply target once a send has been issued.
func (c *Composer) ClearAfterSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft = ""
	c.replyTo = nil
}

// ClearAfterSave resets the draft and edit mode once an edit has been saved.
func (c *Composer) ClearAfterSave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft = ""
	c.editing = nil
}

// Reset clears everything, e.g. when switching conversations.
func (c *Composer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft = ""
	c.replyTo = nil
	c.editing = nil
}

func (c *Composer) snapshot() (draft string, replyTo, editing *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft, copyEntry(c.replyTo), copyEntry(c.editing)
}

func copyEntry(e *Entry) *Entry {
	if e == nil {
		return nil
	}
	out := *e
	return &out
}
