// Command netfs-server runs a single netfs storage backend: a TCP
// listener serving the upload/download/prepare/commit/rollback protocol
// against one persistent store directory.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/score-framework/netfs/server"
)

var (
	listenAddr string
	storeRoot  string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "netfs-server",
	Short: "Serve a netfs storage backend over TCP",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(level).
			With().Timestamp().Logger()

		srv, err := server.New(listenAddr, storeRoot, log)
		if err != nil {
			return err
		}
		return srv.ListenAndServe()
	},
}

func init() {
	var flags *pflag.FlagSet = rootCmd.Flags()
	flags.StringVarP(&listenAddr, "listen", "l", ":9131", "address to listen on")
	flags.StringVarP(&storeRoot, "root", "r", "./netfs-data", "persistent store root directory")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
