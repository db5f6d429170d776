package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tokmz/wslink/pkg/conn"
)

func pingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Connect, send one PING and wait for the PONG",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, cleanup, err := opts.env(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			cc := rt.settings.ConnConfig(rt.log)
			if rt.metrics != nil {
				cc.Metrics = rt.metrics
			}
			c, err := conn.NewWithConfig(cc)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.writeMetrics(cmd.ErrOrStderr()); err != nil {
					rt.log.Warn("write metrics", zap.Error(err))
				}
			}()
			ctx := cmd.Context()
			if err := c.Connect(ctx, rt.settings.Target()); err != nil {
				return err
			}
			defer c.Disconnect()

			start := time.Now()
			if err := c.CheckLiveness(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pong from %s in %v\n", rt.settings.Addr(), time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
}
