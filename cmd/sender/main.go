// Command sender streams H.264 files to an airfire receiver, either as
// length-prefixed access units or as /play requests on the control port.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/matst80/airfire/internal/obs"
)

var (
	dialTimeout time.Duration
	debugFlag   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "sender",
		Short:         "Test sender for the airfire receiver",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			obs.EnableDebug(debugFlag)
		},
	}
	rootCmd.PersistentFlags().DurationVar(&dialTimeout, "timeout", 5*time.Second, "dial timeout")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logs")

	rootCmd.AddCommand(
		streamCmd(),
		playCmd(),
		infoCmd(),
		stopCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		obs.Error("sender.exit", obs.Fields{"err": err.Error()})
		stop()
		os.Exit(1)
	}
}
