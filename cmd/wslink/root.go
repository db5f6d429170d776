package main

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tokmz/wslink/pkg/link"
	"github.com/tokmz/wslink/pkg/logger"
	"github.com/tokmz/wslink/pkg/metrics"
	"github.com/tokmz/wslink/pkg/tracing"
)

// settingFlags 同名映射到配置键的标志
var settingFlags = []string{"host", "port", "resource"}

type rootOptions struct {
	configFile string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "wslink",
		Short: "WebSocket client with HTTP fallback",
		Long: `wslink exchanges type=value messages with a backend over a WebSocket,
falling back to one HTTP POST per message when the socket is unavailable.

Settings are read from --config, then WSLINK_* environment variables,
then command line flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configFile, "config", "c", "", "config file (yaml, json or toml)")
	pf.String("host", "127.0.0.1", "server host")
	pf.Int("port", 8080, "server port")
	pf.String("resource", "/ws", "resource path of the socket endpoint")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		sendCmd(opts),
		pingCmd(opts),
		serveCmd(opts),
		configCmd(opts),
		versionCmd(),
	)
	return cmd
}

// settings 加载配置并应用 --log-level
func (o *rootOptions) settings(cmd *cobra.Command) (*link.Settings, error) {
	fs := pflag.NewFlagSet("settings", pflag.ContinueOnError)
	for _, name := range settingFlags {
		if f := cmd.Flags().Lookup(name); f != nil {
			fs.AddFlag(f)
		}
	}

	s, err := link.LoadSettings(o.configFile, fs)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if o.logLevel != "" {
		if _, err := logger.ParseLevel(o.logLevel); err != nil {
			return nil, err
		}
		s.Log.Level = o.logLevel
	}
	return s, nil
}

// cmdEnv 命令运行期间共享的配置、日志与指标
type cmdEnv struct {
	settings *link.Settings
	log      logger.Logger
	registry *prometheus.Registry // 未启用指标时为 nil
	metrics  *metrics.Collector
}

// linkOptions 链路选项，启用指标时带上收集器
func (e *cmdEnv) linkOptions() []link.Option {
	opts := []link.Option{link.WithLogger(e.log)}
	if e.metrics != nil {
		opts = append(opts, link.WithMetrics(e.metrics))
	}
	return opts
}

// writeMetrics 以文本格式输出本次命令的客户端指标，未启用时什么也不写
func (e *cmdEnv) writeMetrics(w io.Writer) error {
	if e.registry == nil {
		return nil
	}
	families, err := e.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func (o *rootOptions) env(cmd *cobra.Command) (*cmdEnv, func(), error) {
	s, err := o.settings(cmd)
	if err != nil {
		return nil, nil, err
	}
	env := &cmdEnv{settings: s}
	var hooks []logger.Hook
	if s.Metrics.Enabled {
		env.registry = prometheus.NewRegistry()
		env.metrics = metrics.New(metrics.WithNamespace(s.Metrics.Namespace), metrics.WithRegistry(env.registry))
		hooks = append(hooks, env.metrics.LogHook)
	}
	log, err := link.NewLogger(s.Log, hooks...)
	if err != nil {
		return nil, nil, err
	}
	env.log = log

	cleanup := func() { _ = log.Sync() }
	if s.Tracing.Enabled {
		if _, err := tracing.NewTracerProvider(cmd.Context(), &s.Tracing); err != nil {
			return nil, nil, fmt.Errorf("tracing: %w", err)
		}
		cleanup = func() {
			_ = tracing.Shutdown(context.Background())
			_ = log.Sync()
		}
	}
	return env, cleanup, nil
}
