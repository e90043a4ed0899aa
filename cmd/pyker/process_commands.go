package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/pyker/pkg/client"
)

// StartFlags holds flags for the start command
type StartFlags struct {
	AutoRestart bool
	MaxRestarts int
}

// LogsFlags holds flags for the logs command
type LogsFlags struct {
	Lines  int
	Follow bool
}

func createStartCommand(c command) *cobra.Command {
	f := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start <name> <script>",
		Short: "Start supervising a script",
		Long: `Start a script under supervision. The script path is resolved to an
absolute path before it is sent to the daemon.

Examples:
  pyker start bot ./bot.py
  pyker start worker /srv/worker.py --auto-restart --max-restarts=5`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), cmd.OutOrStdout(), args[0], args[1], *f)
		},
	}
	cmd.Flags().BoolVar(&f.AutoRestart, "auto-restart", false, "restart the script when it exits with a non-zero code")
	cmd.Flags().IntVar(&f.MaxRestarts, "max-restarts", 0, "restart budget (0 uses max_restarts from config)")
	return cmd
}

func createStopCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id|name>",
		Short: "Stop a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func createRestartCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <id|name>",
		Short: "Restart a process with a fresh restart budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func createDeleteCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id|name>",
		Short: "Stop a process and remove it with its logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Delete(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func createListCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List processes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.List(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func createLogsCommand(c command) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs <id|name>",
		Short: "Show process output",
		Long: `Show the last lines of a process's output, optionally following new lines.

Examples:
  pyker logs bot
  pyker logs bot -n 200
  pyker logs bot --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logs(cmd.Context(), cmd.OutOrStdout(), args[0], *f)
		},
	}
	cmd.Flags().IntVarP(&f.Lines, "lines", "n", 50, "number of lines to show")
	cmd.Flags().BoolVarP(&f.Follow, "follow", "f", false, "keep printing new lines")
	return cmd
}

func createInfoCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "info [id|name]",
		Short: "Show daemon or process details",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := ""
			if len(args) == 1 {
				ref = args[0]
			}
			return c.Info(cmd.Context(), cmd.OutOrStdout(), ref)
		},
	}
}

func (c command) Start(ctx context.Context, w io.Writer, name, script string, f StartFlags) error {
	abs, err := filepath.Abs(script)
	if err != nil {
		return err
	}
	api, err := c.client()
	if err != nil {
		return err
	}
	p, err := api.Start(ctx, client.StartRequest{Name: name, ScriptPath: abs, AutoRestart: f.AutoRestart, MaxRestarts: f.MaxRestarts})
	if err != nil {
		return err
	}
	printSuccess(w, fmt.Sprintf("Process '%s' started (id %s)", p.Name, p.ID))
	return nil
}

func (c command) Stop(ctx context.Context, w io.Writer, ref string) error {
	api, err := c.client()
	if err != nil {
		return err
	}
	p, err := api.Stop(ctx, ref)
	if err != nil {
		return err
	}
	printSuccess(w, fmt.Sprintf("Process '%s' stopped", p.ID))
	return nil
}

func (c command) Restart(ctx context.Context, w io.Writer, ref string) error {
	api, err := c.client()
	if err != nil {
		return err
	}
	p, err := api.Restart(ctx, ref)
	if err != nil {
		return err
	}
	printSuccess(w, fmt.Sprintf("Process '%s' restarted", p.ID))
	return nil
}

func (c command) Delete(ctx context.Context, w io.Writer, ref string) error {
	api, err := c.client()
	if err != nil {
		return err
	}
	if err := api.Delete(ctx, ref); err != nil {
		return err
	}
	printSuccess(w, fmt.Sprintf("Process '%s' deleted", ref))
	return nil
}

func (c command) List(ctx context.Context, w io.Writer) error {
	api, err := c.client()
	if err != nil {
		return err
	}
	procs, err := api.List(ctx)
	if err != nil {
		return err
	}
	printProcessTable(w, procs)
	return nil
}

func (c command) Logs(ctx context.Context, w io.Writer, ref string, f LogsFlags) error {
	api, err := c.client()
	if err != nil {
		return err
	}
	if !f.Follow {
		lines, err := api.Logs(ctx, ref, f.Lines)
		if err != nil {
			return err
		}
		for _, l := range lines {
			_, _ = fmt.Fprintln(w, l)
		}
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return api.FollowLogs(ctx, ref, f.Lines, func(l string) {
		_, _ = fmt.Fprintln(w, l)
	})
}

func (c command) Info(ctx context.Context, w io.Writer, ref string) error {
	api, err := c.client()
	if err != nil {
		return err
	}
	if ref != "" {
		p, err := api.Get(ctx, ref)
		if err != nil {
			return err
		}
		printProcessInfo(w, p)
		return nil
	}
	in, err := api.Info(ctx)
	if err != nil {
		return err
	}
	printSystemInfo(w, in)
	return nil
}
