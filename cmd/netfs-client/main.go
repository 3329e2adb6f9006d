// Command netfs-client is a thin put/get CLI over the proxy package,
// the Go counterpart of original_source/score/netfs/cli.py — exercising
// the redundant multi-backend client from a command line instead of from
// library code.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/score-framework/netfs/proxy"
)

var backendsFlag string

var rootCmd = &cobra.Command{
	Use:   "netfs-client",
	Short: "Put and get files against a redundant set of netfs backends",
}

var putCmd = &cobra.Command{
	Use:   "put <local-path> <remote-name>",
	Short: "Upload a local file to every reachable backend",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newProxyClient()
		if err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		n, err := c.Put(args[1], f)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "uploaded %q to %d backend(s)\n", args[1], n)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <remote-name> <local-path>",
	Short: "Download a file, trying backends until one succeeds",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newProxyClient()
		if err != nil {
			return err
		}
		f, err := os.Create(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		mtime, err := c.Get(args[0], f)
		if err != nil {
			return err
		}
		if err := os.Chtimes(args[1], mtime, mtime); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "downloaded %q (mtime %s)\n", args[0], mtime)
		return nil
	},
}

func newProxyClient() (*proxy.Client, error) {
	addrs := splitAddrs(backendsFlag)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no backends given, set --backends")
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	return proxy.New(addrs, log), nil
}

func splitAddrs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func init() {
	rootCmd.PersistentFlags().StringVar(&backendsFlag, "backends", "", "comma-separated host:port list of netfs backends")
	rootCmd.AddCommand(putCmd, getCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
