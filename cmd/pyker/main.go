package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/pyker"
	"github.com/loykin/pyker/pkg/client"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, formatError(err))
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

// buildRoot creates the root command with all subcommands attached.
func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	cmd := command{flags: flags}
	root.AddCommand(
		createServeCommand(flags),
		createStartCommand(cmd),
		createStopCommand(cmd),
		createRestartCommand(cmd),
		createDeleteCommand(cmd),
		createListCommand(cmd),
		createLogsCommand(cmd),
		createInfoCommand(cmd),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "pyker",
		Short: "Supervise long-running scripts",
		Long: `Pyker runs scripts in the background, captures their output into rotated
log files and restarts them when they fail.

Examples:
  pyker serve                                  # Start the daemon
  pyker start bot ./bot.py --auto-restart      # Supervise a script
  pyker list
  pyker logs bot --follow`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (default ~/.pyker/config.toml)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (default derived from [server] in config)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return root
}

// formatError renders err as "<Kind>: <message>".
func formatError(err error) string {
	if k := client.KindOf(err); k != "" {
		return err.Error()
	}
	var ae *client.APIError
	if errors.As(err, &ae) {
		return "Error: " + ae.Error()
	}
	if k := pyker.KindOf(err); k != "Internal" {
		return k + ": " + err.Error()
	}
	return "Error: " + err.Error()
}

// apiURL picks the daemon address: the flag when given, otherwise the
// listen address and base path from the config file.
func apiURL(flags *GlobalFlags) (string, error) {
	if flags.APIUrl != "" {
		return strings.TrimRight(flags.APIUrl, "/"), nil
	}
	cfg, err := pyker.LoadConfig(flags.ConfigPath)
	if err != nil {
		return "", err
	}
	return urlFromListen(cfg.Server.Listen, cfg.Server.BasePath), nil
}

func urlFromListen(listen, base string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen + base
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + base
}

// command carries what every client-side subcommand needs.
type command struct {
	flags *GlobalFlags
}

func (c command) client() (*client.Client, error) {
	base, err := apiURL(c.flags)
	if err != nil {
		return nil, err
	}
	return client.New(client.Config{BaseURL: base, Timeout: c.flags.APITimeout}), nil
}
