package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ThatCatDev/tanrenai/pocket/internal/inference"
	"github.com/ThatCatDev/tanrenai/pocket/internal/session"
)

const replHelp = `Commands:
  /edit N      rewrite your N-th message (the next message replaces it and everything after)
  /commit      drop the edited message and everything after it without sending
  /cancel      leave edit mode
  /history     print the current session
  /new         start a new session
  /sessions    list sessions
  /open ID     switch to a session
  /quit        exit
Ctrl+C stops a running reply.`

var runCmd = &cobra.Command{
	Use:   "run [model-id]",
	Short: "Load a model and start an interactive chat",
	Long:  "Load a model (default: the last used one) and chat with it. Conversations are saved as sessions.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(ctx))

		modelID := ""
		if len(args) == 1 {
			modelID = args[0]
		} else if modelID, err = a.manager.LastUsedModel(ctx); err != nil {
			return errors.New("no model given and none used before")
		}

		if sessionID, _ := cmd.Flags().GetString("session"); sessionID != "" {
			if err := a.sessions.SetActiveSession(sessionID); err != nil {
				return err
			}
		}
		if pal, _ := cmd.Flags().GetString("pal"); pal != "" {
			a.sessions.SetActivePal(pal)
		}

		fmt.Printf("Loading model %s...\n", modelID)
		if err := a.manager.Load(ctx, modelID); err != nil {
			return err
		}
		a.chat.Calibrate(ctx)

		system, _ := cmd.Flags().GetString("system")
		if m, ok := a.manager.ActiveModel(); ok && system == "" {
			system = m.ChatTemplate.SystemPrompt
		}
		a.chat.SetSystemPrompt(system)

		fmt.Println("Type /help for commands.")
		return repl(ctx, a)
	},
}

func repl(ctx context.Context, a *app) error {
	defer watchAppState(ctx, a.manager, logger)()

	var generating atomic.Bool
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-sigs:
				if generating.Load() {
					a.chat.Stop()
				} else {
					fmt.Println("\n(use /quit to exit)")
				}
			case <-done:
				return
			}
		}
	}()

	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		if a.sessions.IsEditMode() {
			fmt.Print("edit> ")
		} else {
			fmt.Print("> ")
		}
		if !in.Scan() {
			return in.Err()
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := command(ctx, a, line)
			if err != nil {
				fmt.Printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		generating.Store(true)
		reply, err := a.chat.Send(ctx, line, func(tok string) { fmt.Print(tok) })
		generating.Store(false)
		fmt.Println()

		switch {
		case errors.Is(err, inference.ErrNoContext):
			fmt.Println("No model loaded.")
		case err != nil:
			logger.Error("generation failed", zap.Error(err))
			fmt.Printf("error: %v\n", err)
		case reply.Failed:
			fmt.Printf("! %s\n", reply.Notice)
		case reply.Stopped:
			fmt.Println("[stopped]")
		default:
			logger.Debug("reply finished",
				zap.Int("tokens", reply.Timings.PredictedTokens),
				zap.Float64("tokens_per_second", reply.Timings.PredictedPerSecond))
		}
	}
}

func command(ctx context.Context, a *app, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Println(replHelp)
	case "/edit":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return false, fmt.Errorf("usage: /edit N")
		}
		msg, ok := userTurn(a.sessions.CurrentMessages(), n)
		if !ok {
			return false, fmt.Errorf("no message %d", n)
		}
		if err := a.sessions.EnterEditMode(msg.ID); err != nil {
			return false, err
		}
		fmt.Printf("Editing: %s\n", msg.Text)
	case "/commit":
		return false, a.sessions.CommitEdit(ctx)
	case "/cancel":
		a.sessions.ExitEditMode()
	case "/history":
		printTranscript(a.sessions.CurrentMessages())
	case "/new":
		a.sessions.ResetActiveSession()
		fmt.Println("New session.")
	case "/sessions":
		printSessionGroups(a.sessions.GroupedSessions(time.Now()))
	case "/open":
		if err := a.sessions.SetActiveSession(arg); err != nil {
			return false, err
		}
		printTranscript(a.sessions.CurrentMessages())
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

// userTurn returns the n-th (1-based, oldest first) user message.
func userTurn(msgs []session.Message, n int) (session.Message, bool) {
	turn := 0
	for _, m := range slices.Backward(msgs) {
		if m.Author != session.AuthorUser || m.IsSystem() {
			continue
		}
		turn++
		if turn == n {
			return m, true
		}
	}
	return session.Message{}, false
}

func init() {
	runCmd.Flags().String("system", "", "system prompt (default: the model's)")
	runCmd.Flags().String("session", "", "resume a session by id")
	runCmd.Flags().String("pal", "", "pal id new sessions are tagged with")
	rootCmd.AddCommand(runCmd)
}
