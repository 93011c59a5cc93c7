package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"chatsync/internal/chat"
	"chatsync/internal/chatstore"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(conversationsCmd, dmCmd, groupCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := connect(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		out := cmd.OutOrStdout()
		s, err := e.session(out, nil)
		if err != nil {
			return err
		}
		if err := s.Directory.Load(cmd.Context()); err != nil {
			return err
		}
		printConversations(out, e.userID, s.Directory.Conversations())
		return nil
	},
}

var dmCmd = &cobra.Command{
	Use:   "dm <username>",
	Short: "Start (or find) a direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := connect(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		ctx := cmd.Context()
		ids, err := resolveUsers(ctx, e.repo, args)
		if err != nil {
			return err
		}
		s, err := e.session(cmd.OutOrStdout(), nil)
		if err != nil {
			return err
		}
		summary, err := s.Directory.StartDirect(ctx, ids[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", summary.ID, summary.Title(e.userID))
		return nil
	},
}

var groupCmd = &cobra.Command{
	Use:   "group <name> <username>...",
	Short: "Create a group conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := connect(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		ctx := cmd.Context()
		ids, err := resolveUsers(ctx, e.repo, args[1:])
		if err != nil {
			return err
		}
		s, err := e.session(cmd.OutOrStdout(), nil)
		if err != nil {
			return err
		}
		summary, err := s.Directory.CreateGroup(ctx, args[0], ids)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d members\n", summary.ID, summary.Title(e.userID), len(summary.Participants))
		return nil
	},
}

func resolveUsers(ctx context.Context, repo chatstore.Repository, usernames []string) ([]string, error) {
	ids := make([]string, 0, len(usernames))
	for _, name := range usernames {
		p, err := repo.FindProfileByUsername(ctx, strings.TrimPrefix(name, "@"))
		if err != nil {
			return nil, fmt.Errorf("look up %s: %w", name, err)
		}
		if p == nil {
			return nil, fmt.Errorf("no user named %s", name)
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func printConversations(out io.Writer, userID string, list []chat.Summary) {
	if len(list) == 0 {
		fmt.Fprintln(out, "no conversations yet")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCONVERSATION\tUNREAD\tLAST MESSAGE")
	for _, s := range list {
		last := ""
		if s.LastMessage != nil {
			last = truncate(s.LastMessage.Body, 48)
		}
		unread := ""
		if s.Unread > 0 {
			unread = fmt.Sprint(s.Unread)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Title(userID), unread, last)
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
