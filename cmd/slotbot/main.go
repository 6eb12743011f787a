package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"slotbot/internal/clock"
	"slotbot/internal/config"
	"slotbot/internal/creds"
	"slotbot/internal/dispatch"
	"slotbot/internal/gateway"
	appLog "slotbot/internal/log"
	"slotbot/internal/schedule"
	"slotbot/internal/session"
	"slotbot/internal/sheets"
	"slotbot/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values that override the config file.
type flagConfig struct {
	configPath string
	listen     string
	logLevel   string
}

func main() {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(flags); err != nil {
		appLog.Error("slotbot failed", err)
		os.Exit(1)
	}
}

func run(flags flagConfig) error {
	appLog.Info("slotbot starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", flags.configPath, err)
	}
	// CLI flags override the config file when set.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	level, ok := appLog.ParseLevel(conf.LogLevel)
	if !ok {
		appLog.Warn("unknown log level, using info", "log_level", conf.LogLevel)
	}
	appLog.SetLevel(level)

	for _, problem := range conf.Validate() {
		appLog.Error("session skipped", problem)
	}
	usable := conf.UsableSessions()

	appLog.Info("effective config",
		"listen", conf.Listen,
		"state_dir", conf.StateDir,
		"gateway", conf.Gateway.URL,
		"relogin_delay", conf.Reconnect.ReloginDelay,
		"retry_delay", conf.Reconnect.RetryDelay,
		"sessions", len(usable),
		"configured_sessions", len(conf.Sessions),
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	store, err := newCredentialStore(conf)
	if err != nil {
		return err
	}

	source, err := sheets.Open(ctx, conf.Sheets)
	if err != nil {
		appLog.Error("sheets unavailable, schedule replies will report an error", err)
	}
	scheduler := schedule.New(source)

	registry := session.NewRegistry()
	dispatcher := dispatch.New(conf, usable, registry, scheduler, clock.Real())
	dialer := gateway.NewDialer(conf.Gateway)
	versions := &session.VersionCache{}

	for _, sc := range usable {
		m := session.NewManager(session.Options{
			Identity:     sc.ID,
			Name:         sc.DisplayName(),
			Browser:      fmt.Sprintf("%s %s (%s)", conf.Gateway.Browser, sc.DisplayName(), sc.ID),
			Dialer:       dialer,
			Versions:     versions,
			Store:        store,
			Clock:        clock.Real(),
			ReloginDelay: conf.Reconnect.ReloginDelay,
			RetryDelay:   conf.Reconnect.RetryDelay,
			OnMessage:    dispatcher.Handle,
		})
		if err := registry.Add(m); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	// A session that cannot start is reported; the others keep running.
	if err := registry.StartAll(gctx); err != nil {
		appLog.Error("some sessions failed to start", err)
	}

	g.Go(func() error {
		return web.NewServer(conf, registry).Serve(gctx)
	})
	g.Go(func() error {
		runStatusReport(gctx, conf.StatusCron, registry)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		registry.Wait()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	appLog.Info("slotbot exiting")
	return nil
}

func parseFlags(args []string) (flagConfig, error) {
	var cfg flagConfig

	flagSet := pflag.NewFlagSet("slotbot", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.configPath, "config", "/etc/slotbot/config.yaml", "path to config file")
	flagSet.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flagSet.StringVar(&cfg.logLevel, "log-level", "", "debug, info, warn or error (overrides config if set)")

	err := flagSet.Parse(args)
	return cfg, err
}

// newCredentialStore seals bundles with age when the configured passphrase
// variable is set.
func newCredentialStore(conf *config.Config) (*creds.Store, error) {
	if conf.CredentialKeyEnv == "" {
		return creds.NewStore(conf.StateDir, nil), nil
	}
	passphrase := os.Getenv(conf.CredentialKeyEnv)
	if passphrase == "" {
		appLog.Warn("credential passphrase not set, storing bundles unsealed", "env", conf.CredentialKeyEnv)
		return creds.NewStore(conf.StateDir, nil), nil
	}
	sealer, err := creds.NewPassphraseSealer(passphrase, 0)
	if err != nil {
		return nil, err
	}
	appLog.Info("credential bundles sealed", "env", conf.CredentialKeyEnv)
	return creds.NewStore(conf.StateDir, sealer), nil
}

// runStatusReport logs every session's status on the cron schedule until
// ctx is done. An invalid schedule only disables the report.
func runStatusReport(ctx context.Context, spec string, registry *session.Registry) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		for _, st := range registry.Statuses() {
			appLog.Info("session status",
				"identity", st.Identity,
				"state", st.State,
				"status", st.Text,
				"since", st.Since.Format(time.RFC3339),
				"reconnects", st.Reconnects,
			)
		}
	})
	if err != nil {
		appLog.Error("status report disabled", err, "status_cron", spec)
		<-ctx.Done()
		return
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}
