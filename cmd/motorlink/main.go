// Package main is the motorlink entrypoint. It connects a motor to a control
// server and keeps the link alive until the server stops it, the retry budget
// runs out or the process is interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cyberinferno/motorlink/actuator"
	"github.com/cyberinferno/motorlink/config"
	"github.com/cyberinferno/motorlink/device"
	"github.com/cyberinferno/motorlink/endpoint"
	"github.com/cyberinferno/motorlink/logger"
	"github.com/cyberinferno/motorlink/session"
	"github.com/cyberinferno/motorlink/status"
)

var (
	flags struct {
		config    string
		address   string
		logLevel  string
		logDir    string
		redisAddr string
		dryRun    bool
	}

	rootCmd = &cobra.Command{
		Use:          "motorlink",
		Short:        "Connects a motor to a control server over websocket.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         run,
	}
)

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&flags.config, "config", "c", "", "HCL config file")
	f.StringVarP(&flags.address, "address", "a", "", "control server URL, e.g. ws://192.168.1.1:7651 (prompted when empty)")
	f.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	f.StringVar(&flags.logDir, "log-dir", "", "also write daily log files to this directory")
	f.StringVar(&flags.redisAddr, "redis-addr", "", "publish session status to this redis server")
	f.BoolVar(&flags.dryRun, "dry-run", false, "log actuator levels instead of driving the motor")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deviceID, resolver, err := resolveDeviceID(ctx, cfg, log)
	if err != nil {
		return err
	}

	address := cfg.Endpoint.Address
	if address == "" {
		address, err = promptAddress(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		if errors.Is(err, context.Canceled) {
			log.Info("Program has closed", logger.F("reason", session.StopCanceled.String()))
			return nil
		}
		if err != nil {
			return err
		}
	}

	var opts []session.Option
	if resolver != nil {
		opts = append(opts, session.WithIdentity(resolver))
	}
	if redisOpts := cfg.RedisOptions(); redisOpts != nil {
		reporter := status.NewRedisReporter(redis.NewClient(redisOpts), cfg.StatusKey(deviceID), cfg.StatusTTL())
		defer reporter.Close()
		opts = append(opts, session.WithReporter(reporter))
		log.Info("status reporting enabled", logger.F("redis", redisOpts.Addr), logger.F("key", reporter.Key()))
	}

	ep := endpoint.New(cfg.EndpointConfig(), log)
	sess, err := session.New(cfg.SessionConfig(address, deviceID), ep, newGateway(cfg.Actuator, log), log, opts...)
	if err != nil {
		ep.Shutdown()
		return err
	}
	ep.OnEvent(sess.HandleEvent)

	runErr := sess.Run(ctx)
	ep.Shutdown()

	for _, md := range ep.Connections() {
		log.Debug("connection metadata", logger.F("metadata", md.String()))
	}

	switch {
	case runErr == nil:
	case errors.Is(runErr, session.ErrRetriesExhausted):
		log.Warn("giving up on the control server", logger.F("max_retries", cfg.Session.MaxRetries))
	default:
		return runErr
	}

	log.Info("Program has closed", logger.F("reason", sess.StopReason().String()))
	return nil
}

// loadConfig reads the config file and applies flags the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(flags.config)
	if err != nil {
		return cfg, err
	}

	changed := cmd.Flags().Changed
	if changed("address") {
		cfg.Endpoint.Address = flags.address
	}
	if changed("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	if changed("log-dir") {
		cfg.Log.Dir = flags.logDir
	}
	if changed("redis-addr") {
		cfg.Redis.Addr = flags.redisAddr
	}
	if changed("dry-run") {
		cfg.Actuator.DryRun = flags.dryRun
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func newLogger(c config.LogSection) (logger.Logger, error) {
	level := logger.ParseLevel(c.Level)
	if c.Dir == "" {
		return logger.NewConsoleLogger(c.Service, level), nil
	}

	log, err := logger.NewZerologFileLogger(c.Service, c.Dir, level)
	if err != nil {
		return nil, fmt.Errorf("open log dir %s: %w", c.Dir, err)
	}

	return log, nil
}

// resolveDeviceID returns the identifier for the first handshake and, unless
// it is configured statically, the resolver that refreshes it on reconnects.
func resolveDeviceID(ctx context.Context, cfg config.Config, log logger.Logger) (string, *device.Resolver, error) {
	if cfg.Device.ID != "" {
		return cfg.Device.ID, nil, nil
	}

	resolver := device.NewResolver(cfg.DeviceConfig(), log)
	id, err := resolver.Resolve(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("resolve device id: %w", err)
	}

	return id, resolver, nil
}

func newGateway(c config.ActuatorSection, log logger.Logger) actuator.Gateway {
	if c.DryRun {
		return actuator.NewDryRunGateway(log)
	}

	return actuator.NewExecGateway(c.Command, c.Args, log)
}
