package main

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/pvagate/internal/client"
	"github.com/danmuck/pvagate/internal/logging"
	"github.com/danmuck/pvagate/internal/observability"
	"github.com/danmuck/pvagate/internal/settings"
	"github.com/spf13/cobra"
)

// app carries the resolved configuration from the root command to its
// subcommands.
type app struct {
	configPath string
	cfg        cliConfig
	settings   *settings.Settings
}

func newRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "pvactl",
		Short:         "Search, read, write and monitor process variables, or serve them",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # read two channels found through the default address list
  pvactl get ring:current ring:lifetime

  # search a specific subnet and write a value
  pvactl --set addr_list=10.0.0.255 --set auto_addr_list=NO put X 42

  # serve two channels with an admin endpoint
  pvactl serve --pv X=1 --pv Y='"text"' --admin :9180
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.resolve(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "TOML config file")
	flags.StringArray("set", nil, "setting override KEY=VALUE (repeatable)")
	flags.String("admin", "", "serve health, status and metrics on this address")
	flags.StringSlice("cors-origin", nil, "allowed CORS origins for the admin endpoint")
	flags.Duration("timeout", 5*time.Second, "per request timeout")
	flags.Duration("wait", 2*time.Second, "how long search and list collect replies")

	cmd.AddCommand(
		newGetCommand(a),
		newPutCommand(a),
		newMonitorCommand(a),
		newSearchCommand(a),
		newListCommand(a),
		newServeCommand(a),
	)
	return cmd
}

func (a *app) resolve(cmd *cobra.Command) error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(&cfg, cmd.Flags()); err != nil {
		return err
	}
	s, err := settings.Resolve(cfg.Overrides)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.settings = s
	return nil
}

func (a *app) openClient(ctx context.Context) (*client.Client, error) {
	c, err := client.Open(ctx, a.settings)
	if err != nil {
		return nil, fmt.Errorf("open client: %w", err)
	}
	return c, nil
}

// startAdmin serves the admin router in the background when --admin is set.
// The returned channel receives the serve result once; it is nil when no
// admin address is configured.
func (a *app) startAdmin(ctx context.Context, id, kind string, status observability.StatusFunc) <-chan error {
	if a.cfg.Admin == "" {
		return nil
	}
	logger := logging.For("admin")
	admin := observability.NewAdmin(id, kind, a.cfg.CorsOrigins, status, logger)
	done := make(chan error, 1)
	go func() {
		err := admin.Serve(ctx, a.cfg.Admin)
		if err != nil {
			logger.Error().Err(err).Str("addr", a.cfg.Admin).Msg("admin stopped")
		}
		done <- err
	}()
	return done
}

func (a *app) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.cfg.Timeout)
}
