// Package cli is the parley command line client.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"Parley/internal/access"
	"Parley/internal/remote"
)

var version = "dev"

type globalFlags struct {
	server            string
	socket            string
	viewer            string
	timeZone          string
	paymentAuthorizes bool
	verbose           bool
}

var flags globalFlags

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley chat client",
	Long: `parley talks to a Parley server: open a conversation with the user you
booked with, or watch your conversation list update live.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	// Disable completion command
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.server, "server", envOr("PARLEY_SERVER", "http://localhost:8080"), "REST API base url")
	pf.StringVar(&flags.socket, "socket", envOr("PARLEY_SOCKET", "ws://localhost:8081/ws"), "websocket endpoint")
	pf.StringVar(&flags.viewer, "viewer", os.Getenv("PARLEY_VIEWER"), "your user id")
	pf.StringVar(&flags.timeZone, "tz", "Local", "time zone reservation times are written in")
	pf.BoolVar(&flags.paymentAuthorizes, "payment-authorizes", true, "let a linked payment open the chat before confirmation")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "enable verbose output")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// clientEnv is what every command builds from the global flags.
type clientEnv struct {
	logger     *zap.Logger
	api        *remote.Client
	subscriber *remote.Subscriber
	policy     access.Policy
}

func newClientEnv() (*clientEnv, error) {
	if _, err := uuid.Parse(flags.viewer); err != nil {
		return nil, fmt.Errorf("--viewer must be your user id (uuid)")
	}
	loc, err := time.LoadLocation(flags.timeZone)
	if err != nil {
		return nil, fmt.Errorf("--tz: %w", err)
	}

	logger := zap.NewNop()
	if flags.verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return nil, err
		}
	}

	return &clientEnv{
		logger:     logger,
		api:        remote.NewClient(flags.server, remote.WithLogger(logger)),
		subscriber: remote.NewSubscriber(flags.socket, logger),
		policy:     access.Policy{PaymentAuthorizes: flags.paymentAuthorizes, Location: loc},
	}, nil
}
