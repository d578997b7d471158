package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"Parley/internal/connection"
	"Parley/internal/conversation"
	"Parley/internal/errs"
	"Parley/internal/model"
)

func init() {
	rootCmd.AddCommand(openCmd)
}

var openCmd = &cobra.Command{
	Use:   "open <partner-id>",
	Short: "Open the conversation with a partner",
	Long: `Open the conversation with a partner. Lines read from stdin are sent as
messages; lines starting with / are commands (type /help).`,
	Args: cobra.ExactArgs(1),
	RunE: runOpen,
}

const openHelp = `commands:
  /delete <id>      delete a message for yourself
  /delete-all <id>  delete a message for everyone
  /read             mark everything read
  /typing           tell your partner you are typing
  /access           show the access state
  /reconnect        reconnect after the connection gave up
  /quit             leave`

func runOpen(cmd *cobra.Command, args []string) error {
	env, err := newClientEnv()
	if err != nil {
		return err
	}
	partner := args[0]
	if _, err := uuid.Parse(partner); err != nil {
		return fmt.Errorf("partner must be a user id (uuid)")
	}
	defer env.logger.Sync() //nolint:errcheck

	p := newPrinter(cmd.OutOrStdout(), flags.viewer)
	sess := conversation.NewSession(env.api, env.api, env.subscriber, conversation.Config{
		ViewerID:  flags.viewer,
		PartnerID: partner,
		Policy:    env.policy,
		Logger:    env.logger,
		Listeners: conversation.Listeners{
			Messages:   p.messages,
			Access:     p.access,
			Connection: p.connection,
			Typing: func(typing bool) {
				if typing {
					p.line("… partner is typing")
				}
			},
			Presence: func(online bool) {
				p.line("● partner is %s", map[bool]string{true: "online", false: "offline"}[online])
			},
		},
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Open(ctx); err != nil {
		return err
	}
	defer sess.Close()
	p.access(sess.AccessState())

	lines := readLines(ctx, cmd.InOrStdin())
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, sess, p, line); quit {
				return nil
			}
		}
	}
}

func readLines(ctx context.Context, r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// handleLine runs one line of input and reports whether the user asked to quit.
func handleLine(ctx context.Context, sess *conversation.Session, p *printer, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := sess.Send(ctx, line); err != nil {
			p.failure("send", err)
		}
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		p.line(openHelp)
	case "/read":
		p.line("marked %d read", sess.MarkRead(ctx))
	case "/typing":
		sess.Typing(true)
	case "/access":
		p.access(sess.AccessState())
	case "/reconnect":
		sess.Reconnect()
	case "/delete", "/delete-all":
		if len(fields) != 2 {
			p.line("usage: %s <id>", fields[0])
			return false
		}
		id, ok := resolveID(sess.Messages(), fields[1])
		if !ok {
			p.line("no single message matches %q", fields[1])
			return false
		}
		if err := sess.Delete(ctx, id, fields[0] == "/delete-all"); err != nil {
			p.failure("delete", err)
		}
	default:
		p.line("unknown command %s, try /help", fields[0])
	}
	return false
}

// resolveID accepts a full id or an unambiguous prefix of one.
func resolveID(msgs []model.Message, prefix string) (string, bool) {
	match := ""
	for _, m := range msgs {
		if m.ID == prefix {
			return m.ID, true
		}
		if strings.HasPrefix(m.ID, prefix) {
			if match != "" {
				return "", false
			}
			match = m.ID
		}
	}
	return match, match != ""
}

func describeFailure(err error) string {
	switch {
	case errs.IsAccessDenied(err):
		return "not allowed right now: " + errs.Reason(err)
	case errs.IsValidation(err), errs.IsPermission(err):
		return errs.Reason(err)
	default:
		return err.Error()
	}
}

func describeConnection(change connection.StateChange) string {
	switch {
	case change.Terminal():
		return "connection lost, type /reconnect"
	case change.State == connection.StateRetrying:
		return fmt.Sprintf("reconnecting in %s (attempt %d)", change.Delay, change.Attempt)
	default:
		return change.State.String()
	}
}
