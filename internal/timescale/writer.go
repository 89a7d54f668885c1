package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"spread-grid-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// SpreadSample is one observed relative spread between the legs.
type SpreadSample struct {
	Time   time.Time
	LegA   string
	LegB   string
	MidA   float64
	MidB   float64
	Spread float64
}

// ExposureSnapshot records the ledger view alongside what the exchange
// reports, taken on the reconciliation cadence.
type ExposureSnapshot struct {
	Time              time.Time
	ConfirmedNotional float64
	PendingNotional   float64
	LegANotional      float64
	LegBNotional      float64
	OccupiedLevels    int
	ActiveAttempts    int
	Halted            bool
}

// Writer persists spread samples and exposure snapshots to TimescaleDB
// without ever blocking the engine: enqueues drop on a full queue.
type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	spreads   chan SpreadSample
	exposures chan ExposureSnapshot
	started   atomic.Bool
	dropSprd  atomic.Uint64
	dropExpo  atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		spreads:   make(chan SpreadSample, queueSize),
		exposures: make(chan ExposureSnapshot, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueSpread(sample SpreadSample) {
	if w == nil {
		return
	}
	select {
	case w.spreads <- sample:
		return
	default:
		if w.dropSprd.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale spread queue full")
		}
	}
}

func (w *Writer) EnqueueExposure(snapshot ExposureSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.exposures <- snapshot:
		return
	default:
		if w.dropExpo.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale exposure queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-w.spreads:
			w.writeSpread(ctx, sample)
		case snapshot := <-w.exposures:
			w.writeExposure(ctx, snapshot)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		leg_a TEXT NOT NULL,
		leg_b TEXT NOT NULL,
		mid_a DOUBLE PRECISION NOT NULL,
		mid_b DOUBLE PRECISION NOT NULL,
		spread DOUBLE PRECISION NOT NULL
	)`, w.table("spread_samples"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		confirmed_notional DOUBLE PRECISION NOT NULL,
		pending_notional DOUBLE PRECISION NOT NULL,
		leg_a_notional DOUBLE PRECISION NOT NULL,
		leg_b_notional DOUBLE PRECISION NOT NULL,
		occupied_levels INTEGER NOT NULL,
		active_attempts INTEGER NOT NULL,
		halted BOOLEAN NOT NULL
	)`, w.table("exposure_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("spread_samples"))); err != nil && w.log != nil {
		w.log.Warn("timescale spread_samples hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("exposure_snapshots"))); err != nil && w.log != nil {
		w.log.Warn("timescale exposure_snapshots hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeSpread(ctx context.Context, sample SpreadSample) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, leg_a, leg_b, mid_a, mid_b, spread
	) VALUES ($1,$2,$3,$4,$5,$6)`, w.table("spread_samples"))
	if _, err := w.db.ExecContext(ctx, query,
		sample.Time,
		sample.LegA,
		sample.LegB,
		sample.MidA,
		sample.MidB,
		sample.Spread,
	); err != nil && w.log != nil {
		w.log.Warn("timescale spread insert failed", zap.Error(err))
	}
}

func (w *Writer) writeExposure(ctx context.Context, snapshot ExposureSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, confirmed_notional, pending_notional, leg_a_notional, leg_b_notional,
		occupied_levels, active_attempts, halted
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, w.table("exposure_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snapshot.Time,
		snapshot.ConfirmedNotional,
		snapshot.PendingNotional,
		snapshot.LegANotional,
		snapshot.LegBNotional,
		snapshot.OccupiedLevels,
		snapshot.ActiveAttempts,
		snapshot.Halted,
	); err != nil && w.log != nil {
		w.log.Warn("timescale exposure insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
