package main

import (
	"bytes"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"PerpVault/internal/command"
	"PerpVault/internal/config"
	"PerpVault/internal/core"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"
	"PerpVault/internal/persistence"
	"PerpVault/internal/query"
	"PerpVault/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional; env overrides apply)")
	flag.Parse()

	logger := observability.NewLogger("perpvault")
	logger.Info().Msg("PerpVault starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxConnections)
	db.SetMaxIdleConns(cfg.Postgres.MaxConnections / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}
	logger.Info().Msg("migrations applied")

	snapMgr := persistence.NewSnapshotManager(db)

	// --- Recovery: load snapshot + replay ---
	startSequence := int64(0)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("load snapshot failed")
	}
	if snap != nil {
		startSequence = snap.Sequence + 1
		logger.Info().Int64("sequence", snap.Sequence).Msg("loaded snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	// --- Core output channels ---
	// Persist channel blocks (backpressure), publish channel drops.
	persistCoreChan := make(chan core.Output, cfg.Channels.PersistSize)
	publishCoreChan := make(chan core.Output, cfg.Channels.PublishSize)

	eng := core.NewCore(core.Params{
		StartSequence: startSequence,
		Admin:         cfg.AdminID(),
		Relayer:       cfg.RelayerID(),
		AdminFeeShare: cfg.Vault.AdminFeeShare,
		EpochDuration: cfg.Vault.EpochDuration,
		GenesisTime:   cfg.Vault.GenesisTime,
		LRUCapacity:   cfg.Persist.LRUCapacity,
		Verifier:      oracle.JSONVerifier{},
		DBChecker:     dbChecker,
		Metrics:       metrics,
		PersistChan:   persistCoreChan,
		PublishChan:   publishCoreChan,
	})

	if snap != nil {
		eng.RestoreFromSnapshot(snap)
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored state from snapshot")
		if len(snap.IdempotencyKeys) > 0 {
			eng.WarmLRU(snap.IdempotencyKeys)
			logger.Info().Int("keys", len(snap.IdempotencyKeys)).Msg("warmed idempotency LRU")
		}
	}

	replayCount, err := replayCommandLog(ctx, snapMgr, eng, startSequence, metrics, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("command replay failed")
	}
	if replayCount > 0 {
		logger.Info().
			Int64("commands", replayCount).
			Int64("sequence", eng.GetSequence()).
			Msg("replay complete")
	}

	if err := verifyStateHash(ctx, snapMgr, eng); err != nil {
		logger.Fatal().Err(err).Msg("state hash verification failed")
	}
	logger.Info().Msg("state hash verified against journal")

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	logger.Info().Msg("NATS connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure NATS streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream")
	}

	rawChan := make(chan ingestion.RawCommand, cfg.Channels.CommandSize)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawChan)
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	outboundChan := make(chan ingestion.PublishableCommand, cfg.Channels.PublishSize)
	outboundPublisher := ingestion.NewOutboundPublisher(js, outboundChan)

	// --- Persistence worker ---
	persistWorkerChan := make(chan persistence.CommandRow, cfg.Channels.PersistSize)
	persistWorker := persistence.NewWorker(
		db, persistWorkerChan, cfg.Persist.BatchSize, cfg.Persist.FlushTimeout, metrics)

	// --- Query service + API server ---
	queryService := query.NewService(db, metrics)
	queryService.PublishView(query.BuildStateView(eng))

	apiServer := server.NewServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.Deps{
		QueryService:  queryService,
		HealthChecker: healthChecker,
	})

	// --- Start goroutines ---
	errChan := make(chan error, 8)

	// 1. Persistence worker
	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	// 2. Outbound publisher
	go func() {
		errChan <- outboundPublisher.Run(ctx)
	}()

	// 3. Core output bridge (core.Output to persistence/publisher formats)
	go bridgeOutputs(ctx, persistCoreChan, publishCoreChan, persistWorkerChan, outboundChan, metrics)

	// 4. NATS -> core command loop (owns the core after startup)
	snapshotRequests := make(chan *core.SnapshotState, 1)
	go runCommandLoop(ctx, rawChan, eng, queryService, snapshotRequests,
		cfg.Persist.SnapshotInterval, metrics, logger)

	// 5. Snapshot writer
	go runSnapshotWriter(ctx, snapshotRequests, snapMgr, metrics, logger)

	// 6. gRPC server (health + reflection)
	go func() {
		errChan <- apiServer.StartGRPC(ctx)
	}()

	// 7. HTTP/JSON query API
	go func() {
		errChan <- apiServer.StartHTTP(ctx)
	}()

	// 8. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    cfg.Server.MetricsAddr,
			Handler: metricsMux,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// 9. Channel depth gauges
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetChannelMetrics("persist", len(persistCoreChan), cap(persistCoreChan))
				metrics.SetChannelMetrics("publish", len(publishCoreChan), cap(publishCoreChan))
				metrics.SetChannelMetrics("command", len(rawChan), cap(rawChan))
			}
		}
	}()

	healthChecker.SetReady(true)

	logger.Info().
		Int64("sequence", eng.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("PerpVault ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	cancel()
	natsSubscriber.Stop()

	// Give the workers a moment to drain, then take a final snapshot.
	// The command loop has exited on ctx.Done, so the core is quiescent.
	time.Sleep(500 * time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	finalSnap := eng.CreateSnapshotState()
	if err := saveSnapshot(shutdownCtx, snapMgr, finalSnap, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", finalSnap.Sequence).Msg("final snapshot saved")
	}

	logger.Info().Msg("PerpVault shutdown complete")
}

// bridgeOutputs converts core.Output into the persistence row and the
// outbound publish formats. Keeps core decoupled from both packages.
func bridgeOutputs(
	ctx context.Context,
	persistIn <-chan core.Output,
	publishIn <-chan core.Output,
	persistOut chan<- persistence.CommandRow,
	publishOut chan<- ingestion.PublishableCommand,
	metrics *observability.Metrics,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case output, ok := <-persistIn:
			if !ok {
				return
			}
			env := output.Envelope
			persistOut <- persistence.CommandRow{
				Sequence:       env.Sequence,
				CommandType:    env.CommandType.String(),
				IdempotencyKey: env.IdempotencyKey,
				Payload:        env.Payload,
				StateHash:      env.StateHash[:],
				PrevHash:       env.PrevHash[:],
				Timestamp:      time.Unix(env.Timestamp, 0).UTC(),
			}
			if metrics != nil && len(persistIn) == cap(persistIn) {
				metrics.PersistBackpressure.Inc()
			}

		case output, ok := <-publishIn:
			if !ok {
				return
			}
			env := output.Envelope
			select {
			case publishOut <- ingestion.PublishableCommand{
				Sequence:       env.Sequence,
				CommandType:    env.CommandType.String(),
				IdempotencyKey: env.IdempotencyKey,
				Payload:        env.Payload,
				StateHash:      env.StateHash[:],
				Timestamp:      env.Timestamp,
			}:
			default:
				// Outbound is best-effort; journal is the durable record
			}
		}
	}
}

// runCommandLoop is the single goroutine that owns the core. It decodes
// NATS messages, acks after the parse+enqueue step, applies commands, and
// publishes fresh query views and snapshot requests.
func runCommandLoop(
	ctx context.Context,
	rawChan <-chan ingestion.RawCommand,
	eng *core.Core,
	queries *query.Service,
	snapshotRequests chan<- *core.SnapshotState,
	snapshotInterval int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	subjectToType := subjectPrefixMap()
	typedChan := make(chan command.Command, cap(rawChan))

	// Parse goroutine: raw NATS bytes to typed commands, ack after the
	// channel send so AckWait cannot expire during slow core processing.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-rawChan:
				if !ok {
					close(typedChan)
					return
				}

				commandType := resolveCommandType(raw.Subject, subjectToType)
				if metrics != nil {
					metrics.NATSMessagesReceived.WithLabelValues(raw.Subject).Inc()
				}
				if commandType == "" {
					logger.Warn().Str("subject", raw.Subject).Msg("unknown NATS subject")
					raw.AckFunc()
					continue
				}

				cmd, err := ingestion.ParseRawCommand(raw, commandType)
				if err != nil {
					logger.Warn().Err(err).Str("subject", raw.Subject).Msg("command decode failed")
					if metrics != nil {
						metrics.NATSParseErrors.WithLabelValues(raw.Subject).Inc()
					}
					raw.AckFunc() // ack unparseable input to avoid redelivery loops
					continue
				}

				select {
				case typedChan <- cmd:
					raw.AckFunc()
				case <-ctx.Done():
					raw.NakFunc()
					return
				}
			}
		}
	}()

	lastSnapshotSeq := eng.GetSequence()
	lastView := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-typedChan:
			if !ok {
				return
			}

			if err := eng.Apply(cmd); err != nil {
				logger.Warn().
					Err(err).
					Str("type", cmd.CommandType().String()).
					Str("key", cmd.IdempotencyKey()).
					Msg("command rejected")
			}

			// Refresh the lock-free query view, throttled.
			if time.Since(lastView) >= 250*time.Millisecond {
				queries.PublishView(query.BuildStateView(eng))
				lastView = time.Now()
			}

			// Snapshots are created here because only this goroutine may
			// read the core; writing them to Postgres happens elsewhere.
			if seq := eng.GetSequence(); seq-lastSnapshotSeq >= snapshotInterval {
				select {
				case snapshotRequests <- eng.CreateSnapshotState():
					lastSnapshotSeq = seq
				default:
					// Writer still busy with the previous one; retry later
				}
			}
		}
	}
}

// runSnapshotWriter persists snapshot states produced by the command loop.
func runSnapshotWriter(
	ctx context.Context,
	requests <-chan *core.SnapshotState,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-requests:
			if !ok {
				return
			}
			if err := saveSnapshot(ctx, snapMgr, snap, metrics); err != nil {
				logger.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("snapshot failed")
			} else {
				logger.Info().Int64("sequence", snap.Sequence).Msg("snapshot saved")
			}
		}
	}
}

func saveSnapshot(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	snap *core.SnapshotState,
	metrics *observability.Metrics,
) error {
	start := time.Now()

	if err := snapMgr.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	// Created from live state, so verified by construction
	if err := snapMgr.MarkVerified(ctx, snap.Sequence); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return nil
}

// replayCommandLog replays journal rows from fromSequence to the head.
// The journal payload is the same wire format NATS delivers, so the
// ingestion parser decodes both.
func replayCommandLog(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	eng *core.Core,
	fromSequence int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (int64, error) {
	const batchSize = 1000
	var totalReplayed int64

	eng.SetReplaying(true)
	defer eng.SetReplaying(false)

	for {
		rows, err := snapMgr.LoadCommandsFrom(ctx, fromSequence, batchSize)
		if err != nil {
			return totalReplayed, fmt.Errorf("load commands from seq %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			raw := ingestion.RawCommand{
				Subject: row.CommandType,
				Data:    row.Payload,
			}

			cmd, err := ingestion.ParseRawCommand(raw, row.CommandType)
			if err != nil {
				return totalReplayed, fmt.Errorf("decode journal row seq=%d type=%s: %w",
					row.Sequence, row.CommandType, err)
			}

			if err := eng.Apply(cmd); err != nil {
				// The journal only holds commands that applied cleanly once
				return totalReplayed, fmt.Errorf("replay seq=%d type=%s: %w",
					row.Sequence, row.CommandType, err)
			}

			totalReplayed++
			if metrics != nil {
				metrics.ReplayTotal.Inc()
			}
		}

		fromSequence = rows[len(rows)-1].Sequence + 1
	}

	return totalReplayed, nil
}

// verifyStateHash compares the core's hash against the journal tail.
func verifyStateHash(ctx context.Context, snapMgr *persistence.SnapshotManager, eng *core.Core) error {
	lastSeq, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("journal tail: %w", err)
	}
	if lastSeq == 0 && eng.GetSequence() == 0 {
		return nil // empty journal, genesis state
	}

	rows, err := snapMgr.LoadCommandsFrom(ctx, lastSeq, 1)
	if err != nil {
		return fmt.Errorf("load journal tail: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	actual := eng.GetStateHash()
	if !bytes.Equal(rows[0].StateHash, actual[:]) {
		return fmt.Errorf("state hash mismatch at seq %d: journal %x, core %x",
			lastSeq, rows[0].StateHash, actual)
	}
	return nil
}

// subjectPrefixMap maps NATS subject prefixes to command type names.
func subjectPrefixMap() map[string]string {
	m := make(map[string]string)
	for _, sc := range ingestion.DefaultSubjects() {
		prefix := sc.Subject
		if len(prefix) > 2 && prefix[len(prefix)-2:] == ".>" {
			prefix = prefix[:len(prefix)-2]
		}
		m[prefix] = sc.CommandType
	}
	return m
}

// resolveCommandType finds the command type for a subject by longest
// prefix match.
func resolveCommandType(subject string, prefixMap map[string]string) string {
	bestMatch := ""
	bestType := ""
	for prefix, cmdType := range prefixMap {
		if len(subject) >= len(prefix) && subject[:len(prefix)] == prefix {
			if len(prefix) > len(bestMatch) {
				bestMatch = prefix
				bestType = cmdType
			}
		}
	}
	return bestType
}
