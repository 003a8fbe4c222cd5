package cmd

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ThatCatDev/tanrenai/pocket/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List chat sessions grouped by date",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(cmd.Context()))

		printSessionGroups(a.sessions.GroupedSessions(time.Now()))
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a session transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(cmd.Context()))

		sess, err := a.sessions.Session(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n\n", sess.Title)
		printTranscript(sess.Messages)
		return nil
	},
}

var sessionsRmCmd = &cobra.Command{
	Use:   "rm <session-id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(cmd.Context()))

		if err := a.sessions.DeleteSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

func printSessionGroups(groups []session.Group) {
	if len(groups) == 0 {
		fmt.Println("No sessions.")
		return
	}
	for _, g := range groups {
		fmt.Println(g.Label)
		for _, s := range g.Sessions {
			fmt.Printf("  %s  %-42s %3d msgs  %s\n", s.ID, s.Title, len(s.Messages), humanize.Time(s.CreatedAt))
		}
	}
}

// printTranscript prints newest-first messages in reading order, numbering
// the user turns so they can be edited.
func printTranscript(msgs []session.Message) {
	turn := 0
	for _, m := range slices.Backward(msgs) {
		switch {
		case m.IsSystem():
			fmt.Printf("   ! %s\n", m.Text)
		case m.Author == session.AuthorUser:
			turn++
			fmt.Printf("[%d] you: %s\n", turn, m.Text)
		default:
			fmt.Printf("     %s\n", m.Text)
		}
	}
}

func init() {
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsRmCmd)
	rootCmd.AddCommand(sessionsCmd)
}
