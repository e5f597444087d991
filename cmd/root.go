package cmd

import (
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/ljdmx/SilentLink/internal/logging"
	"github.com/ljdmx/SilentLink/internal/session"
	"github.com/ljdmx/SilentLink/internal/ui"
	"github.com/ljdmx/SilentLink/internal/version"
	"github.com/spf13/cobra"
)

var flagLogFile string

// activeSession is whichever call is currently running, so the
// interrupt handler can close it cleanly.
var activeSession atomic.Pointer[session.Session]

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "silentlink",
	Short:   "Serverless end-to-end encrypted calls between two peers, over WebRTC",
	Long:    `SilentLink is a command-line tool for private two-party calls without any server in the middle. Peers exchange a single offer and answer by hand (copy/paste or an invite link), then chat, share files and stream camera audio/video over one encrypted channel. A privacy filter (blur, mosaic or hidden) is applied to every video frame before it leaves the machine.`,
	Version: version.Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(flagLogFile)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		if s := activeSession.Load(); s != nil {
			s.Exit()
		}
		os.Exit(0)
	}()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "Write logs to this file instead of stderr")
}
