package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/danmuck/pvagate/internal/client"
	"github.com/danmuck/pvagate/internal/logging"
	"github.com/danmuck/pvagate/internal/protocol/value"
	"github.com/danmuck/pvagate/internal/server"
	"github.com/rs/xid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get NAME...",
		Short: "Read the current value of one or more channels",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.openClient(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			channels := searchAll(c, args)
			values := make([]any, len(channels))
			g, gctx := errgroup.WithContext(ctx)
			for i, ch := range channels {
				g.Go(func() error {
					rctx, cancel := a.requestContext(gctx)
					defer cancel()
					v, err := ch.Get(rctx)
					if err != nil {
						return fmt.Errorf("get %s: %w", ch.Name(), err)
					}
					values[i] = v
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			for i, ch := range channels {
				printValue(cmd.OutOrStdout(), ch.Name(), values[i], a.settings.MaxArrayFormatting)
			}
			return nil
		},
	}
}

func newPutCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "put NAME VALUE",
		Short: "Write a value to a channel",
		Long:  "Write a value to a channel. VALUE is an integer, float, true/false, null, a [a, b] list, or a string.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.openClient(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			v := parseValue(args[1])
			ch := c.Search(args[0])
			rctx, cancel := a.requestContext(ctx)
			defer cancel()
			if err := ch.Put(rctx, v); err != nil {
				return fmt.Errorf("put %s: %w", args[0], err)
			}
			printValue(cmd.OutOrStdout(), args[0], v, a.settings.MaxArrayFormatting)
			return nil
		},
	}
}

func newMonitorCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor NAME...",
		Short: "Print every update of one or more channels until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.openClient(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			a.startAdmin(ctx, xid.New().String(), "client", func() any {
				return map[string]any{"channels": c.Channels(), "sessions": c.Sessions()}
			})

			var mu sync.Mutex
			out := cmd.OutOrStdout()
			g, gctx := errgroup.WithContext(ctx)
			for _, ch := range searchAll(c, args) {
				sub, err := ch.Subscribe(gctx)
				if err != nil {
					return fmt.Errorf("monitor %s: %w", ch.Name(), err)
				}
				g.Go(func() error {
					defer sub.Cancel()
					for {
						select {
						case ev, ok := <-sub.C():
							if !ok {
								return nil
							}
							mu.Lock()
							printEvent(out, ch.Name(), ev, a.settings.MaxArrayFormatting)
							mu.Unlock()
						case <-gctx.Done():
							return nil
						}
					}
				})
			}
			return g.Wait()
		},
	}
}

func newSearchCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "search NAME...",
		Short: "Report which server hosts each channel",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.openClient(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			wctx, cancel := context.WithTimeout(ctx, a.cfg.Wait)
			defer cancel()
			channels := searchAll(c, args)
			var wg sync.WaitGroup
			for _, ch := range channels {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = ch.WaitConnected(wctx)
				}()
			}
			wg.Wait()

			missing := 0
			for _, ch := range channels {
				info := ch.Info()
				if info.State != client.StateConnected {
					missing++
					fmt.Fprintf(cmd.OutOrStdout(), "%s not found\n", info.Name)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", info.Name, info.Endpoint)
			}
			if missing > 0 {
				return fmt.Errorf("%d of %d channels not found", missing, len(channels))
			}
			return nil
		},
	}
}

func newListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the servers that answer a server-list search",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.openClient(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			servers, err := c.ServerList(ctx, a.cfg.Wait)
			if err != nil {
				return err
			}
			for _, s := range servers {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", s.GUID, s.Server, s.Protocol)
			}
			return nil
		},
	}
}

func newServeCommand(a *app) *cobra.Command {
	var pvs []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve in-memory channels until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			values := make(map[string]any, len(a.cfg.PVs)+len(pvs))
			for name, v := range a.cfg.PVs {
				values[name] = v
			}
			for _, kv := range pvs {
				name, v, err := parsePV(kv)
				if err != nil {
					return err
				}
				values[name] = v
			}
			if len(values) == 0 {
				return fmt.Errorf("serve: no channels, pass --pv NAME=VALUE or a [pvs] table")
			}

			a.settings.Log(logging.For("settings"))
			srv := server.New(a.settings, server.NewMemoryBackend(values))
			if err := srv.Listen(ctx); err != nil {
				return err
			}
			a.startAdmin(ctx, srv.GUID().String(), "server", func() any { return srv.Info() })

			logger := logging.For("serve")
			logger.Info().
				Str("guid", srv.GUID().String()).
				Str("tcp", srv.TCPAddr().String()).
				Strs("channels", sortedNames(values)).
				Msg("serving")
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringArrayVar(&pvs, "pv", nil, "channel to serve as NAME=VALUE (repeatable)")
	return cmd
}

func searchAll(c *client.Client, names []string) []*client.Channel {
	out := make([]*client.Channel, len(names))
	for i, name := range names {
		out[i] = c.Search(name)
	}
	return out
}

func printValue(w io.Writer, name string, v any, maxArray int) {
	fmt.Fprintf(w, "%s %s\n", name, value.Format(v, maxArray))
}

func printEvent(w io.Writer, name string, ev client.Event, maxArray int) {
	stamp := time.Now().Format("15:04:05.000")
	switch {
	case ev.Disconnected:
		fmt.Fprintf(w, "%s %s <disconnected>\n", stamp, name)
	case ev.Err != nil:
		fmt.Fprintf(w, "%s %s <error: %v>\n", stamp, name, ev.Err)
	default:
		suffix := ""
		if ev.Overrun {
			suffix = " <overrun>"
		}
		fmt.Fprintf(w, "%s %s %s%s\n", stamp, name, value.Format(ev.Value, maxArray), suffix)
	}
}
