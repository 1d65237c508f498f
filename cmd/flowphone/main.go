package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/flowpbx/flowphone/internal/api"
	"github.com/flowpbx/flowphone/internal/api/middleware"
	"github.com/flowpbx/flowphone/internal/auth"
	"github.com/flowpbx/flowphone/internal/config"
	"github.com/flowpbx/flowphone/internal/database"
	"github.com/flowpbx/flowphone/internal/database/pgstore"
	"github.com/flowpbx/flowphone/internal/events"
	"github.com/flowpbx/flowphone/internal/history"
	"github.com/flowpbx/flowphone/internal/media"
	"github.com/flowpbx/flowphone/internal/metrics"
	"github.com/flowpbx/flowphone/internal/phone"
	"github.com/flowpbx/flowphone/internal/push"
	sipua "github.com/flowpbx/flowphone/internal/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "hash-password":
			if err := hashPassword(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			return
		case "version":
			fmt.Println(version)
			return
		}
	}

	if err := run(os.Args[1:]); err != nil {
		slog.Error("flowphone exited with error", "error", err)
		os.Exit(1)
	}
}

// hashPassword prints the argon2id hash for the api-password-hash setting.
// The password is read from the argument or, if absent, from stdin.
func hashPassword(args []string) error {
	var password string
	if len(args) > 0 {
		password = args[0]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("reading password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return errors.New("password must not be empty")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	logger := slog.New(cfg.SlogHandler(os.Stderr))
	slog.SetDefault(logger)

	slog.Info("starting flowphone",
		"version", version,
		"sip_server", cfg.SIPServer,
		"username", cfg.SIPUsername,
		"transport", cfg.SIPTransport,
		"http_addr", cfg.HTTPListenAddr(),
	)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Call history store.
	calls, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	history.NewRetention(calls, cfg.HistoryDays, logger).StartCleanupTicker(appCtx, time.Hour)

	// Local audio and RTP.
	deviceOpts := media.DeviceOptions{}
	if cfg.RingbackFile != "" {
		codec, frames, err := media.LoadWAV(cfg.RingbackFile)
		if err != nil {
			return fmt.Errorf("loading ringback file: %w", err)
		}
		deviceOpts.Ringback = media.NewPlayer(codec, frames, logger)
	}
	device := media.NewDevice(deviceOpts, logger)

	pool, err := media.NewPortPool(net.IPv4zero, cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		return fmt.Errorf("creating rtp port pool: %w", err)
	}
	mediaMgr := media.NewManager(pool, media.ManagerOptions{
		Advertise: cfg.MediaIP(),
		Output:    device,
		OnDigit: func(callID, digit string) {
			slog.Debug("dtmf received", "subsystem", "media", "call_id", callID, "digit", digit)
		},
	}, logger)

	ua, err := sipua.New(sipua.Config{
		Transport:      cfg.SIPTransport,
		ListenAddr:     cfg.SIPListenAddr(),
		Hostname:       cfg.ExternalIP,
		Registrar:      cfg.SIPServer,
		Expiry:         cfg.RegisterExpiry,
		UserAgent:      "FlowPhone/" + version,
		AllowedSources: cfg.AllowedSourceList(),
		Trace:          cfg.SIPTrace,
	}, mediaMgr, logger)
	if err != nil {
		return fmt.Errorf("creating sip user agent: %w", err)
	}

	ph := phone.New(ua, phone.Options{
		Output:      device,
		RingTimeout: cfg.RingTimeout,
	}, logger)
	// Releases the line and media when run returns early. Shutdown is a
	// no-op after the graceful path below.
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ph.Shutdown(ctx); err != nil {
			slog.Error("phone shutdown error", "error", err)
		}
		mediaMgr.StopAll()
	}()

	// Event consumers each hold their own subscription so a slow one never
	// holds up the others.
	var consumers sync.WaitGroup
	consume := func(name string, fn func(ctx context.Context, ch <-chan phone.Event)) {
		ch, cancel := ph.Subscribe()
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			defer cancel()
			fn(appCtx, ch)
			slog.Debug("event consumer stopped", "consumer", name)
		}()
	}

	consume("history", history.NewRecorder(calls, logger).Run)

	var publisher events.Publisher
	if cfg.MQTTBroker != "" {
		publisher, err = events.NewMQTTPublisher(events.MQTTOptions{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			QoS:         1,
			OnlineTopic: events.OnlineTopic(cfg.MQTTTopicPrefix),
		}, logger)
		if err != nil {
			return fmt.Errorf("connecting to mqtt broker: %w", err)
		}
		consume("mqtt", events.NewBridge(publisher, cfg.MQTTTopicPrefix, logger).Run)
	}

	if cfg.PushEnabled() {
		sender, err := push.NewFCMSender(appCtx, cfg.FCMCredentials, cfg.FCMToken, logger)
		if err != nil {
			return fmt.Errorf("creating push sender: %w", err)
		}
		consume("push", push.NewNotifier(sender, logger).Run)
	}

	// Metrics.
	startTime := time.Now()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(metrics.Providers{
			Phone:   ph,
			Dialogs: ua,
			Media:   mediaMgr,
			Frames:  device,
			Calls:   calls,
		}, startTime, logger),
	)

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		return err
	}

	handler := api.NewServer(ph, calls, api.Options{
		PasswordHash: cfg.APIPasswordHash,
		JWTSecret:    jwtSecret,
		CORSOrigins:  middleware.ParseCORSOrigins(cfg.CORSOrigins),
		Metrics:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Version:      version,
	}, logger)
	defer handler.Close()

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-appCtx.Done():
				return
			case <-ticker.C:
				handler.CleanupGuard()
				ua.CleanupGuard()
			}
		}
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: the event stream is long-lived.
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// A signal during the first registration cancels it and goes straight
	// to shutdown.
	sigCtx, stopSignals := signal.NotifyContext(appCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	// Registration failures are reported through the phone status and the
	// user agent keeps retrying, so they do not stop the process.
	if err := ph.Initialize(sigCtx, phone.Credentials{
		Username:    cfg.SIPUsername,
		Password:    cfg.SIPPassword,
		Domain:      cfg.SIPDomain,
		DisplayName: cfg.DisplayName,
	}); err != nil {
		slog.Error("phone initialization failed", "error", err)
	}

	var runErr error
	select {
	case <-sigCtx.Done():
		slog.Info("received shutdown signal")
	case err := <-errCh:
		runErr = fmt.Errorf("http server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	if err := ph.Shutdown(ctx); err != nil {
		slog.Error("phone shutdown error", "error", err)
	}
	mediaMgr.StopAll()
	stopSignals()

	// Shutdown closed every subscription; the consumers drain and return.
	consumers.Wait()
	appCancel()
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			slog.Error("mqtt publisher close error", "error", err)
		}
	}

	slog.Info("flowphone stopped")
	return runErr
}

// openStore opens Postgres when a DSN is configured and the local SQLite
// database otherwise.
func openStore(cfg *config.Config) (database.CallHistoryRepository, func(), error) {
	if cfg.DatabaseURL != "" {
		store, err := pgstore.New(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgresql store: %w", err)
		}
		return store, func() { store.Close() }, nil
	}

	db, err := database.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return database.NewCallHistoryRepository(db), func() { db.Close() }, nil
}
