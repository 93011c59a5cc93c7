package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"

	"chatsync/internal/chat"
	"chatsync/internal/gateway"

	"github.com/spf13/cobra"
)

const chatHelp = `Type a message and press enter to send it.
  /reply <n>    reply to message n
  /edit <n>     edit your message n, the next line is the new text
  /cancel       drop the reply target or the edit
  /delete <n>   delete your message n
  /open <id>    switch to another conversation
  /list         show your conversations
  /show         print the whole conversation again
  /quit         leave`

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a conversation and chat interactively",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := connect(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		r := &room{userID: e.userID, out: cmd.OutOrStdout(), shown: make(map[string]string)}
		if r.session, err = e.session(r.out, func() { r.refresh(false) }); err != nil {
			return err
		}
		if err := r.session.Start(ctx); err != nil {
			return err
		}
		defer r.session.Stop()

		if err := r.open(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "/help lists commands")
		return r.run(ctx, cmd.InOrStdin())
	},
}

// room drives one chat.Session from terminal input and prints what changes.
type room struct {
	session *chat.Session
	userID  string
	out     io.Writer

	mu    sync.Mutex
	shown map[string]string
}

func (r *room) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := r.handle(ctx, line)
			if err != nil {
				r.printf("! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// handle runs one line of input and reports whether the user asked to quit.
func (r *room) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	name, arg, isCommand := parseCommand(line)
	if !isCommand {
		r.session.Composer.SetDraft(line)
		return false, quiet(r.session.Sync.Submit(ctx))
	}

	composer := r.session.Composer
	switch name {
	case "quit", "q":
		return true, nil
	case "help":
		r.printf("%s\n", chatHelp)
	case "cancel":
		composer.CancelEdit()
		composer.SetReplyTarget(nil)
		r.printf("cancelled\n")
	case "reply":
		e, err := r.entryAt(arg)
		if err != nil {
			return false, err
		}
		composer.SetReplyTarget(&e)
		r.printf("replying to %s\n", e.SenderName())
	case "edit":
		e, err := r.entryAt(arg)
		if err != nil {
			return false, err
		}
		if e.SenderID != r.userID {
			return false, errors.New("you can only edit your own messages")
		}
		composer.BeginEdit(e)
		r.printf("editing message %s, type the new text\n", arg)
	case "delete":
		e, err := r.entryAt(arg)
		if err != nil {
			return false, err
		}
		if e.SenderID != r.userID {
			return false, errors.New("you can only delete your own messages")
		}
		return false, quiet(r.session.Sync.DeleteLocal(ctx, e.ID))
	case "open":
		if arg == "" {
			return false, errors.New("usage: /open <conversation-id>")
		}
		return false, r.open(ctx, arg)
	case "list":
		printConversations(r.out, r.userID, r.session.Directory.Conversations())
	case "show":
		r.refresh(true)
	default:
		return false, fmt.Errorf("unknown command /%s, try /help", name)
	}
	return false, nil
}

func (r *room) open(ctx context.Context, id string) error {
	r.mu.Lock()
	r.shown = make(map[string]string)
	r.mu.Unlock()

	if err := r.session.Open(ctx, id); err != nil {
		return quiet(err)
	}
	for _, s := range r.session.Directory.Conversations() {
		if s.ID == id {
			r.printf("== %s ==\n", s.Title(r.userID))
			break
		}
	}
	r.refresh(true)
	return nil
}

// entryAt resolves the 1-based message number shown next to each line.
func (r *room) entryAt(arg string) (chat.Entry, error) {
	n, err := strconv.Atoi(arg)
	msgs := r.session.Sync.Messages()
	if err != nil || n < 1 || n > len(msgs) {
		return chat.Entry{}, fmt.Errorf("no message %q", arg)
	}
	e := msgs[n-1]
	if e.Pending {
		return chat.Entry{}, chat.ErrPending
	}
	return e, nil
}

// refresh prints entries that are new or changed since they were last shown,
// and notes the ones that disappeared. With all set it reprints everything.
func (r *room) refresh(all bool) {
	msgs := r.session.Sync.Messages()

	r.mu.Lock()
	defer r.mu.Unlock()
	if all {
		r.shown = make(map[string]string, len(msgs))
	}
	present := make(map[string]bool, len(msgs))
	for i, e := range msgs {
		if e.Pending {
			continue
		}
		present[e.ID] = true
		line := formatEntry(i+1, e, r.userID)
		if r.shown[e.ID] != line {
			r.shown[e.ID] = line
			fmt.Fprintln(r.out, line)
		}
	}
	for id := range r.shown {
		if !present[id] {
			delete(r.shown, id)
			fmt.Fprintln(r.out, "   (a message was deleted)")
		}
	}
}

func (r *room) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func parseCommand(line string) (name, arg string, ok bool) {
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return "", "", false
	}
	name, arg, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(arg), true
}

func formatEntry(n int, e chat.Entry, userID string) string {
	var b strings.Builder
	if e.Reply != nil {
		fmt.Fprintf(&b, "     > %s: %s\n", e.Reply.SenderName, truncate(e.Reply.Body, 40))
	}
	who := e.SenderName()
	if e.SenderID == userID {
		who = "you"
	}
	fmt.Fprintf(&b, "[%d] %s %s: %s", n, e.CreatedAt.Local().Format("15:04"), who, e.Body)
	if e.Edited {
		b.WriteString(" (edited)")
	}
	return b.String()
}

// quiet drops errors the session already reported as a notice.
func quiet(err error) error {
	var gerr *gateway.Error
	if errors.As(err, &gerr) {
		return nil
	}
	return err
}
