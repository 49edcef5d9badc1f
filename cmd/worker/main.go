package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/whatsapp-automation/waweb/internal/api"
	"github.com/whatsapp-automation/waweb/internal/config"
	"github.com/whatsapp-automation/waweb/internal/contacts"
	"github.com/whatsapp-automation/waweb/internal/driver/whatsmeow"
	"github.com/whatsapp-automation/waweb/internal/events"
	"github.com/whatsapp-automation/waweb/internal/jobs"
	"github.com/whatsapp-automation/waweb/internal/logging"
	"github.com/whatsapp-automation/waweb/internal/messaging"
	"github.com/whatsapp-automation/waweb/internal/notify"
	"github.com/whatsapp-automation/waweb/internal/session"
	"github.com/whatsapp-automation/waweb/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:           "worker",
		Short:         "WhatsApp Web session worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), v, cfgFile)
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml, json or toml)")
	root.PersistentFlags().String("auth-dir", "", "directory holding per-session auth state")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = v.BindPFlag("whatsapp.auth_dir", root.PersistentFlags().Lookup("auth-dir"))
	_ = v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Restore sessions and serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), v, cfgFile)
		},
	}
	serveCmd.Flags().String("addr", "", "listen address")
	serveCmd.Flags().String("worker-id", "", "worker id reported in health and alerts")
	_ = v.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("worker_id", serveCmd.Flags().Lookup("worker-id"))

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions that would be restored at startup",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listSessions(cmd, v, cfgFile)
		},
	}

	root.AddCommand(serveCmd, sessionsCmd)
	return root
}

func sessionConfig(cfg *config.Config) session.Config {
	sc := session.DefaultConfig()
	sc.AuthDir = cfg.WhatsApp.AuthDir
	sc.AuthPrefix = cfg.WhatsApp.AuthPrefix
	sc.InitTimeout = cfg.Lifecycle.InitTimeout
	sc.LogoutTimeout = cfg.Lifecycle.LogoutTimeout
	sc.KeepAliveInterval = cfg.Lifecycle.KeepAliveInterval
	sc.ReconnectDelay = cfg.Lifecycle.ReconnectDelay
	sc.LivenessTimeout = cfg.Lifecycle.LivenessTimeout
	if cfg.Lifecycle.ProbeConcurrency > 0 {
		sc.ProbeConcurrency = cfg.Lifecycle.ProbeConcurrency
	}
	if cfg.Lifecycle.RestoreWorkers > 0 {
		sc.RestoreWorkers = cfg.Lifecycle.RestoreWorkers
	}
	return sc
}

func listSessions(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	log := logrus.New()
	log.SetOutput(cmd.ErrOrStderr())
	m := session.NewManager(sessionConfig(cfg), session.NewStore(), nil, nil, logrus.NewEntry(log))
	defer m.Shutdown(context.Background())

	ids, err := m.Discover()
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}

func serve(ctx context.Context, v *viper.Viper, cfgFile string) error {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	log, logCloser, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   true,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	log.Info("=== WhatsApp Worker Starting ===")
	log.WithFields(logrus.Fields{
		"worker":   cfg.WorkerID,
		"addr":     cfg.Server.Addr,
		"auth_dir": cfg.WhatsApp.AuthDir,
		"database": cfg.Database.Driver,
	}).Info("configuration loaded")

	db, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN, log.WithField("component", "storage"))
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "database handle")
	}
	defer sqlDB.Close()

	proxies, err := config.ParseProxyList(cfg.WhatsApp.ProxyList, cfg.WhatsApp.ProxyType)
	if err != nil {
		return err
	}
	pool := config.NewProxyPool(proxies, log)

	hub := events.NewHub(log.WithField("component", "hub"))
	defer hub.Close()

	factory := whatsmeow.NewFactory(whatsmeow.Config{
		OSName:  cfg.WhatsApp.OSName,
		PrintQR: cfg.WhatsApp.PrintQR,
		Proxies: pool,
	})
	sessions := session.NewManager(sessionConfig(cfg), session.NewStore(), factory, hub, log.WithField("component", "session"))

	ccfg := contacts.DefaultConfig()
	ccfg.FetchTimeout = cfg.Contacts.FetchTimeout
	ccfg.HomePrefix = cfg.Contacts.HomePrefix
	ccfg.TenantPrefixes = cfg.Contacts.TenantPrefixes
	if cfg.Contacts.SyncWorkers > 0 {
		ccfg.SyncWorkers = cfg.Contacts.SyncWorkers
	}
	cm, err := contacts.NewManager(ccfg, sessions, storage.NewContactRepository(db), hub, log.WithField("component", "contacts"))
	if err != nil {
		return err
	}
	defer cm.Close()

	mcfg := messaging.DefaultConfig()
	mcfg.DefaultDelay = cfg.Messaging.DefaultDelay
	mcfg.HistorySize = cfg.Messaging.HistorySize
	mcfg.MediaTimeout = cfg.Messaging.MediaTimeout
	mcfg.SendTimeout = cfg.Messaging.SendTimeout
	mcfg.DownloadMedia = cfg.WhatsApp.DownloadMedia
	mh := messaging.NewHandler(mcfg, sessions, hub, log.WithField("component", "messaging"))
	defer mh.Close()

	sessions.AddObserver(cm)
	sessions.AddObserver(mh)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	notifier := notify.New(notify.Config{
		BotToken: cfg.Telegram.BotToken,
		ChatID:   cfg.Telegram.ChatID,
		WorkerID: cfg.WorkerID,
		Cooldown: cfg.Telegram.Cooldown,
	}, log)
	go notifier.Run(ctx, hub)

	sched := jobs.NewScheduler(log)
	if err := sched.AddIdleSweep(cfg.Lifecycle.IdleSweep, cfg.Lifecycle.IdleThreshold, sessions); err != nil {
		return err
	}

	restored, failed, err := sessions.Restore(ctx)
	if err != nil {
		log.WithError(err).Error("[startup] session restore failed")
	} else {
		log.WithFields(logrus.Fields{"restored": restored, "failed": failed}).Info("[startup] restore finished")
	}
	sessions.Start()
	sched.Start()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewServer(cfg.WorkerID, sessions, cm, mh, hub, log).Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Infof("Worker %s listening on %s", cfg.WorkerID, cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.WithError(err).Error("HTTP server failed")
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown")
	}
	if err := sched.Stop(sctx); err != nil {
		log.WithError(err).Warn("scheduler shutdown")
	}
	if err := sessions.Shutdown(sctx); err != nil {
		log.WithError(err).Warn("session shutdown")
	}
	log.Info("worker stopped")
	return nil
}
