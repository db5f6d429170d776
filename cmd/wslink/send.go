package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tokmz/wslink/pkg/link"
	"github.com/tokmz/wslink/pkg/router"
)

func sendCmd(opts *rootOptions) *cobra.Command {
	var (
		typ   string
		data  string
		wait  time.Duration
		quiet bool
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one type=value message and print the first reply",
		Example: `  wslink send --type chat --data hello
  wslink send -c wslink.yaml --type logout --wait 0`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, cleanup, err := opts.env(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			replies := make(chan []byte, 1)
			failures := make(chan error, 1)
			l, err := link.New(rt.settings, link.Handler{
				OnMessage: func(p []byte) {
					select {
					case replies <- p:
					default:
					}
				},
				OnError: func(err error) {
					select {
					case failures <- err:
					default:
					}
				},
			}, rt.linkOptions()...)
			if err != nil {
				return err
			}
			defer func() {
				_ = l.Close()
				if err := rt.writeMetrics(cmd.ErrOrStderr()); err != nil {
					rt.log.Warn("write metrics", zap.Error(err))
				}
			}()

			ctx := cmd.Context()
			if err := l.Open(ctx); err != nil && !rt.settings.Fallback.Enabled {
				return err
			}
			var path router.Path
			if cmd.Flags().Changed("data") {
				path, err = l.Send(ctx, typ, data)
			} else {
				path, err = l.SendType(ctx, typ)
			}
			if err != nil {
				return err
			}
			rt.log.Debug("message sent", zap.String("path", path.String()))
			if wait <= 0 {
				return nil
			}

			select {
			case p := <-replies:
				if !quiet {
					fmt.Fprintln(cmd.OutOrStdout(), string(p))
				}
				return nil
			case err := <-failures:
				return err
			case <-time.After(wait):
				return errors.New("no reply within " + wait.String())
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", "", "message type")
	cmd.Flags().StringVarP(&data, "data", "d", "", "message value, omit to send the bare type")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to wait for a reply, 0 to not wait")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print the reply")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}
