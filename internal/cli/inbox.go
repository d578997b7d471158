package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"Parley/internal/connection"
	"Parley/internal/inbox"
	"Parley/internal/model"
)

func init() {
	inboxCmd.Flags().Bool("once", false, "print the list once and exit")
	rootCmd.AddCommand(inboxCmd)
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Show your conversations, updating live",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newClientEnv()
		if err != nil {
			return err
		}
		defer env.logger.Sync() //nolint:errcheck
		once, _ := cmd.Flags().GetBool("once")
		out := cmd.OutOrStdout()

		if once {
			msgs, err := env.api.FetchInbox(cmd.Context(), flags.viewer)
			if err != nil {
				return err
			}
			agg := inbox.New(env.api, env.subscriber, inbox.Config{ViewerID: flags.viewer})
			agg.Load(msgs)
			printInbox(out, agg.Conversations())
			return nil
		}

		var mu sync.Mutex
		agg := inbox.New(env.api, env.subscriber, inbox.Config{
			ViewerID: flags.viewer,
			Logger:   env.logger,
			OnChange: func(list []model.ConversationSummary) {
				mu.Lock()
				defer mu.Unlock()
				printInbox(out, list)
			},
			OnConnection: func(change connection.StateChange) {
				mu.Lock()
				defer mu.Unlock()
				fmt.Fprintf(out, "» %s\n", describeConnection(change))
			},
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := agg.Open(ctx); err != nil {
			return err
		}
		defer agg.Close()

		<-ctx.Done()
		return nil
	},
}

func printInbox(w io.Writer, list []model.ConversationSummary) {
	fmt.Fprintf(w, "── %d conversation(s) ──\n", len(list))
	for _, c := range list {
		last := c.LastMessage.Content
		if len(last) > 60 {
			last = last[:57] + "..."
		}
		marker := " "
		if c.UnreadCount > 0 {
			marker = "*"
		}
		origin := ""
		if c.FromReservation {
			origin = " [booking]"
		}
		fmt.Fprintf(w, "%s %s%s  %s  (%d unread)  %s\n",
			marker, c.PartnerID, origin,
			c.LastMessage.CreatedAt.Local().Format(time.DateTime),
			c.UnreadCount, last)
	}
}
