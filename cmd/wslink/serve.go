package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/tokmz/wslink/pkg/link"
	"github.com/tokmz/wslink/pkg/relay"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var (
		addr    string
		origins []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a relay that echoes every message on both transports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, cleanup, err := opts.env(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			// --log-level 优先于配置文件，此时不跟随文件变化
			if opts.configFile != "" && opts.logLevel == "" {
				stopWatch, err := link.WatchLogLevel(opts.configFile, rt.log)
				if err != nil {
					return err
				}
				defer stopWatch()
			}

			gin.SetMode(gin.ReleaseMode)
			s := rt.settings
			if addr == "" {
				addr = s.Addr()
			}
			relayOpts := []relay.Option{
				relay.WithAddr(addr),
				relay.WithResource(s.Resource, s.Fallback.Suffix),
				relay.WithTracing(s.Tracing.Enabled),
				relay.WithLogger(rt.log),
			}
			if len(origins) > 0 {
				relayOpts = append(relayOpts, relay.WithCheckOriginWhitelist(origins))
			}
			if rt.registry != nil {
				rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
				relayOpts = append(relayOpts,
					relay.WithMetrics(rt.metrics),
					relay.WithMetricsEndpoint(s.Metrics.Path, rt.registry),
				)
			}

			srv, err := relay.New(relayOpts...)
			if err != nil {
				return err
			}
			if err := srv.HandleDefault(echo); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, defaults to host:port")
	cmd.Flags().StringSliceVar(&origins, "allow-origin", nil, "allowed origins, empty accepts same-origin requests")
	return cmd
}

func echo(_ context.Context, msg *relay.Message) ([]byte, error) {
	return msg.Reply(msg.Value), nil
}
