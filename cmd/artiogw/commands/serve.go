package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/renanleonellocastro/artio/internal/config"
	"github.com/renanleonellocastro/artio/internal/engine"
	"github.com/renanleonellocastro/artio/internal/fixp"
	"github.com/renanleonellocastro/artio/internal/ilink3"
	gwmetrics "github.com/renanleonellocastro/artio/internal/metrics"
	"github.com/renanleonellocastro/artio/internal/session"
	"github.com/renanleonellocastro/artio/internal/store"
	appversion "github.com/renanleonellocastro/artio/internal/version"
)

// httpShutdownTimeout is the maximum time to wait for the metrics server
// to drain active connections during graceful shutdown.
const httpShutdownTimeout = 10 * time.Second

// newServeCmd builds the serve subcommand.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runServe is the daemon entry point: config, logger, metrics, store,
// engine, declarative sessions, signal-aware run group.
func runServe(parent context.Context) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return err
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("artiogw starting",
		slog.String("version", appversion.Version),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.String("log_file_dir", cfg.Engine.LogFileDir),
	)

	reg := prometheus.NewRegistry()
	collector := gwmetrics.NewCollector(reg)

	seqs, err := store.Open(cfg.Engine.LogFileDir, logger)
	if err != nil {
		return fmt.Errorf("open sequence store: %w", err)
	}

	registry := engine.NewRegistry(collector, logger)
	eng := engine.New(registry, session.SystemClock{}, logger,
		engine.WithShutdownTimeout(cfg.Engine.ShutdownTimeout),
	)

	if err := createSessions(cfg, registry, seqs, collector, logger); err != nil {
		return fmt.Errorf("create declarative sessions: %w", err)
	}

	return runGroup(parent, cfg, eng, reg, logger)
}

// runGroup runs the framer and the metrics server under a signal-aware
// errgroup, with systemd readiness notifications.
func runGroup(
	parent context.Context,
	cfg *config.Config,
	eng *engine.Engine,
	reg *prometheus.Registry,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(gCtx)
	})

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		lc := net.ListenConfig{}
		ln, err := lc.Listen(gCtx, "tcp", cfg.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.Metrics.Addr, err)
		}
		if err := metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve metrics: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		notifyStopping(logger)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), httpShutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	})

	notifyReady(logger)

	if err := g.Wait(); err != nil {
		logger.Error("artiogw exited with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("artiogw stopped")
	return nil
}

// createSessions builds every declarative session from the config and
// registers it. The uuid nonce for fresh ILink3 epochs is derived from
// the clock and a per-process counter.
func createSessions(
	cfg *config.Config,
	registry *engine.Registry,
	seqs *store.Store,
	metrics session.MetricsReporter,
	logger *slog.Logger,
) error {
	clock := session.SystemClock{}
	var nonceCounter uint64

	for i, sc := range cfg.Sessions {
		key := session.CompositeKey{
			SenderCompID:     sc.SenderCompID,
			SenderSubID:      sc.SenderSubID,
			SenderLocationID: sc.SenderLocationID,
			TargetCompID:     sc.TargetCompID,
		}
		persisted, found, err := seqs.Load(key)
		if err != nil {
			return fmt.Errorf("sessions[%d] load sequence state: %w", i, err)
		}
		if !found {
			persisted = session.NewSequenceState()
		}

		pub, err := session.NewPublication(cfg.Engine.PublicationCapacity)
		if err != nil {
			return fmt.Errorf("sessions[%d] publication: %w", i, err)
		}

		hostProfile := sc.HostProfile
		if sc.UseBackupHost && hostProfile != "" {
			hostProfile += "-backup"
		}

		factory := func(id session.ID) (engine.PolledSession, error) {
			switch sc.Protocol {
			case "fix":
				role := fixp.RoleInitiator
				if sc.Role == "acceptor" {
					role = fixp.RoleAcceptor
				}
				return fixp.NewSession(id, fixp.Config{
					Key:                        key,
					Role:                       role,
					BeginString:                sc.BeginString,
					HeartbeatInterval:          cfg.Engine.HeartbeatInterval,
					ReasonableTransmissionTime: cfg.Engine.ReasonableTransmissionTime,
					SendingTimeWindow:          cfg.Engine.SendingTimeWindow,
					ReplyTimeout:               cfg.Engine.ReplyTimeout,
					ResetSeqNum:                sc.ResetSeqNum,
					Username:                   sc.Username,
					Password:                   sc.Password,
				}, persisted, pub, seqs, noopHandler{logger: logger}, metrics, logger)
			case "ilink3":
				nonceCounter++
				return ilink3.NewSession(id, ilink3.Config{
					Key:                key,
					HostProfile:        hostProfile,
					UUID:               uint64(clock.NowMillis())<<16 | nonceCounter,
					AccessKeyID:        sc.AccessKeyID,
					FirmID:             sc.FirmID,
					KeepAliveInterval:  cfg.Engine.KeepAliveInterval,
					NegotiateTimeout:   cfg.Engine.NegotiateTimeout,
					ReplyTimeout:       cfg.Engine.ReplyTimeout,
					RetransmitBatchMax: uint64(cfg.Engine.RetransmitBatchMax),
					ReEstablish:        sc.ReEstablishLastConnection,
				}, persisted, pub, seqs, noopHandler{logger: logger}, metrics, logger)
			default:
				return nil, fmt.Errorf("sessions[%d] protocol %q: %w", i, sc.Protocol, config.ErrInvalidProtocol)
			}
		}

		if _, _, err := registry.LookupOrCreate(key, hostProfile, factory); err != nil {
			return err
		}
	}
	return nil
}

// noopHandler is the default application handler until a library client
// attaches. It logs and chooses gap-fill for every NotApplied.
type noopHandler struct {
	logger *slog.Logger
}

func (h noopHandler) OnMessage(id session.ID, seqNo uint64, templateID uint16, _ []byte) {
	h.logger.Debug("message with no library attached",
		slog.Int64("session_id", int64(id)),
		slog.Uint64("seq", seqNo),
		slog.Int("template_id", int(templateID)),
	)
}

func (h noopHandler) OnNotApplied(session.ID, uint64, uint64) session.NotAppliedAction {
	return session.ActionGapFill
}

func (h noopHandler) OnRetransmitReject(id session.ID, reason string, from, count uint64, codes uint16) {
	h.logger.Warn("retransmit rejected",
		slog.Int64("session_id", int64(id)),
		slog.String("reason", reason),
		slog.Uint64("from", from),
		slog.Uint64("count", count),
		slog.Int("error_codes", int(codes)),
	)
}

func (h noopHandler) OnSessionReady(id session.ID) {
	h.logger.Info("session ready", slog.Int64("session_id", int64(id)))
}

func (h noopHandler) OnDisconnect(id session.ID, reason session.DisconnectReason) {
	h.logger.Info("session disconnected",
		slog.Int64("session_id", int64(id)),
		slog.String("reason", reason.String()),
	)
}

func (h noopHandler) OnError(id session.ID, err error) {
	h.logger.Error("session error",
		slog.Int64("session_id", int64(id)),
		slog.String("error", err.Error()),
	)
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// -------------------------------------------------------------------------
// Setup helpers
// -------------------------------------------------------------------------

// newMetricsServer creates an HTTP server for the Prometheus endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// so the level can change at runtime.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
