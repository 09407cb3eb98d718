package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/danmuck/edgeproxy/internal/admin"
	"github.com/danmuck/edgeproxy/internal/config"
	"github.com/danmuck/edgeproxy/internal/daemon"
	"github.com/danmuck/edgeproxy/internal/logging"
	"github.com/danmuck/edgeproxy/internal/supervisor"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	adminAddr  string
	token      string
	output     string
	timeout    time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "proxyctl",
		Short:         "Run and control the embedded streaming proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.ConfigureRuntime()
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "proxy config file (toml)")
	flags.StringVar(&opts.adminAddr, "admin", "", "admin control address (default from config or 127.0.0.1:7011)")
	flags.StringVar(&opts.token, "token", "", "admin token")
	flags.StringVar(&opts.output, "output", "table", "output format: table or json")
	flags.DurationVar(&opts.timeout, "timeout", 20*time.Second, "admin request timeout")

	root.AddCommand(
		newRunCommand(opts),
		newStatusCommand(opts),
		newStartCommand(opts),
		newStopCommand(opts),
		newURLCommand(opts),
	)
	return root
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Host the proxy until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.serviceConfig()
			if err != nil {
				return err
			}
			return daemon.NewServiceWithConfig(cfg).Run()
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show supervisor state and status notices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, ctx, cancel, err := opts.client()
			if err != nil {
				return err
			}
			defer cancel()
			report, err := client.Status(ctx)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			if err := renderSnapshot(cmd.OutOrStdout(), report.Supervisor); err != nil {
				return err
			}
			if len(report.Notices) == 0 {
				return nil
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("Channel", "Title", "Text", "Ongoing", "Updated")
			for _, n := range report.Notices {
				if err := table.Append([]string{
					n.ChannelID,
					n.Title,
					n.Text,
					fmt.Sprintf("%t", n.Ongoing),
					n.UpdatedAt.Format(time.RFC3339),
				}); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}
}

func newStartCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the proxy and wait until it is ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, ctx, cancel, err := opts.client()
			if err != nil {
				return err
			}
			defer cancel()
			snap, err := client.Start(ctx)
			if err != nil {
				return err
			}
			return opts.writeSnapshot(cmd.OutOrStdout(), snap)
		},
	}
}

func newStopCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, ctx, cancel, err := opts.client()
			if err != nil {
				return err
			}
			defer cancel()
			snap, err := client.Stop(ctx)
			if err != nil {
				return err
			}
			return opts.writeSnapshot(cmd.OutOrStdout(), snap)
		},
	}
}

func newURLCommand(opts *rootOptions) *cobra.Command {
	var headerFlags []string
	cmd := &cobra.Command{
		Use:   "url <remote>",
		Short: "Print the proxy URL for a remote stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			headers, err := parseHeaders(headerFlags)
			if err != nil {
				return err
			}
			client, ctx, cancel, err := opts.client()
			if err != nil {
				return err
			}
			defer cancel()
			out, err := client.ProxyURL(ctx, args[0], headers)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().StringArrayVarP(&headerFlags, "header", "H", nil, "upstream header as key=value (repeatable)")
	return cmd
}

func (o *rootOptions) serviceConfig() (daemon.ServiceConfig, error) {
	path := strings.TrimSpace(o.configPath)
	if path == "" {
		cfg := daemon.DefaultServiceConfig()
		if o.adminAddr != "" {
			cfg.AdminListenAddr = o.adminAddr
		}
		return cfg, nil
	}
	if _, err := config.Load(path); err != nil {
		return daemon.ServiceConfig{}, err
	}
	cfg, err := loadServiceConfig(path)
	if err != nil {
		return daemon.ServiceConfig{}, err
	}
	if o.adminAddr != "" {
		cfg.AdminListenAddr = o.adminAddr
	}
	if o.token != "" {
		cfg.AdminToken = o.token
	}
	return cfg, nil
}

func (o *rootOptions) client() (*admin.Client, context.Context, context.CancelFunc, error) {
	cfg, err := o.serviceConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	if strings.TrimSpace(cfg.AdminListenAddr) == "" {
		return nil, nil, nil, fmt.Errorf("admin address not configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	token := o.token
	if token == "" {
		token = cfg.AdminToken
	}
	return admin.NewClient(cfg.AdminListenAddr, token, o.timeout), ctx, cancel, nil
}

func (o *rootOptions) writeSnapshot(w io.Writer, snap supervisor.Snapshot) error {
	if o.output == "json" {
		return writeJSON(w, snap)
	}
	return renderSnapshot(w, snap)
}

func renderSnapshot(w io.Writer, snap supervisor.Snapshot) error {
	table := tablewriter.NewWriter(w)
	table.Header("Property", "Value")
	rows := [][]string{
		{"State", snap.State},
		{"Handle", snap.HandleID},
		{"Address", snap.Address},
		{"URL", snap.URL},
	}
	if snap.Process != nil {
		rows = append(rows,
			[]string{"Process", snap.Process.ProcessID},
			[]string{"Phase", string(snap.Process.Phase)},
			[]string{"Bound", fmt.Sprintf("%t", snap.Process.Bound)},
		)
	}
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseHeaders reads repeated key=value flags.
func parseHeaders(in []string) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for _, raw := range in {
		key, value, ok := strings.Cut(raw, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q: want key=value", raw)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}
