package export

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperlicked/pkg/maas"
)

// Exporter owns the relational connection used to write simulation
// snapshots. Grounded on gurre-prime-fix-md-go's MarketDataDb: open once,
// initialize schema once, run every export inside its own transaction.
type Exporter struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// Open connects to cfg.DSN via cfg.Driver and ensures the schema exists.
func Open(cfg Config, log *zap.SugaredLogger) (*Exporter, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite3"
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, maas.WrapError(maas.ErrExportFailed, err, "open relational store")
	}
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, maas.WrapError(maas.ErrExportFailed, err, "initialize schema")
		}
	}
	return &Exporter{db: db, log: log}, nil
}

func (e *Exporter) Close() error { return e.db.Close() }

// Export writes snap in full within one transaction (spec.md §4.E). A
// prior run with the same runId fails with DuplicateRun unless
// cfg.Overwrite, in which case its subtree is deleted first, in the same
// transaction as the new write.
func (e *Exporter) Export(ctx context.Context, snap Snapshot, cfg Config) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return maas.WrapError(maas.ErrExportFailed, err, "begin transaction")
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM run WHERE run_id = ?`, snap.RunID).Scan(&existing); err != nil {
		return maas.WrapError(maas.ErrExportFailed, err, "check existing run")
	}
	if existing > 0 {
		if !cfg.Overwrite {
			return maas.NewError(maas.ErrDuplicateRun, "run %s already exported; pass overwrite=true to replace it", snap.RunID)
		}
		for _, stmt := range deleteRunSubtreeStatements {
			if _, err := tx.ExecContext(ctx, stmt, snap.RunID); err != nil {
				return maas.WrapError(maas.ErrExportFailed, err, "delete prior run subtree")
			}
		}
	}

	if err := e.writeRun(ctx, tx, snap); err != nil {
		return err
	}
	if err := e.writeAgents(ctx, tx, snap); err != nil {
		return err
	}
	if err := e.writeRequests(ctx, tx, snap); err != nil {
		return err
	}
	if err := e.writeSegments(ctx, tx, snap); err != nil {
		return err
	}
	if err := e.writeBundles(ctx, tx, snap); err != nil {
		return err
	}
	if err := e.writeReservations(ctx, tx, snap); err != nil {
		return err
	}
	if err := e.writeMatches(ctx, tx, snap); err != nil {
		return err
	}
	if err := e.writeTickAggregates(ctx, tx, snap); err != nil {
		return err
	}
	if err := e.writeLedgerAggregates(ctx, tx, snap); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return maas.WrapError(maas.ErrExportFailed, err, "commit export transaction")
	}
	committed = true
	e.log.Infow("simulation exported", "runId", snap.RunID, "requests", len(snap.Requests), "segments", len(snap.Segments), "reservations", len(snap.Reservations))
	return nil
}

func wrapExec(step string, err error) error {
	if err != nil {
		return maas.WrapError(maas.ErrExportFailed, err, "write %s", step)
	}
	return nil
}

func (e *Exporter) writeRun(ctx context.Context, tx *sql.Tx, snap Snapshot) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO run(run_id, started_at, ended_at, request_count, segment_count, reservation_count) VALUES (?,?,?,?,?,?)`,
		snap.RunID, snap.StartedAtUnix, snap.EndedAtUnix, len(snap.Requests), len(snap.Segments), len(snap.Reservations))
	return wrapExec("run", err)
}

func (e *Exporter) writeAgents(ctx context.Context, tx *sql.Tx, snap Snapshot) error {
	for _, a := range snap.Agents {
		if _, err := tx.ExecContext(ctx, `INSERT INTO agents(run_id, agent_id, role, mode) VALUES (?,?,?,?)`,
			snap.RunID, string(a.ID), string(a.Role), a.Mode); err != nil {
			return wrapExec("agents", err)
		}
	}
	return nil
}

func (e *Exporter) writeRequests(ctx context.Context, tx *sql.Tx, snap Snapshot) error {
	for _, r := range snap.Requests {
		if _, err := tx.ExecContext(ctx, `INSERT INTO requests(run_id, request_id, commuter_id, origin_x, origin_y, dest_x, dest_y, start_time, max_price, has_max_price, created_tick, expires_tick, status) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			snap.RunID, r.RequestID, string(r.CommuterID), r.Origin.X, r.Origin.Y, r.Destination.X, r.Destination.Y,
			int64(r.StartTime), r.MaxPrice, boolToInt(r.HasMaxPrice), int64(r.CreatedTick), int64(r.ExpiresTick), string(r.Status)); err != nil {
			return wrapExec("requests", err)
		}
	}
	return nil
}

func (e *Exporter) writeSegments(ctx context.Context, tx *sql.Tx, snap Snapshot) error {
	for _, s := range snap.Segments {
		if _, err := tx.ExecContext(ctx, `INSERT INTO segments(run_id, segment_id, provider_id, mode, depart_time, arrive_time, price, capacity, remaining, status, source, target_request_id) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			snap.RunID, s.SegmentID, string(s.ProviderID), s.Mode, int64(s.DepartTime), int64(s.ArriveTime),
			s.Price, s.Capacity, s.Remaining, string(s.Status), string(s.Source), s.TargetRequestID); err != nil {
			return wrapExec("segments", err)
		}
	}
	return nil
}

func (e *Exporter) writeBundles(ctx context.Context, tx *sql.Tx, snap Snapshot) error {
	for _, b := range snap.Bundles {
		bundle := b.Bundle
		if _, err := tx.ExecContext(ctx, `INSERT INTO bundles(run_id, bundle_id, base_price, discount, final_price, utility_score, num_segments) VALUES (?,?,?,?,?,?,?)`,
			snap.RunID, bundle.BundleID, bundle.BasePrice, bundle.Discount, bundle.FinalPrice, bundle.UtilityScore, bundle.NumSegments); err != nil {
			return wrapExec("bundles", err)
		}
		for i, segID := range bundle.Segments {
			if _, err := tx.ExecContext(ctx, `INSERT INTO bundle_segments(run_id, bundle_id, segment_id, ordinal) VALUES (?,?,?,?)`,
				snap.RunID, bundle.BundleID, segID, i); err != nil {
				return wrapExec("bundle_segments", err)
			}
		}
	}
	return nil
}

func (e *Exporter) writeReservations(ctx context.Context, tx *sql.Tx, snap Snapshot) error {
	for _, r := range snap.Reservations {
		if _, err := tx.ExecContext(ctx, `INSERT INTO reservations(run_id, reservation_id, commuter_id, request_id, bundle_id, cleared_price, created_tick, settlement_state, tx_hash, failure_reason) VALUES (?,?,?,?,?,?,?,?,?,?)`,
			snap.RunID, r.ReservationID, string(r.CommuterID), r.RequestID, r.BundleID, r.ClearedPrice, int64(r.CreatedTick),
			string(r.SettlementState), r.TxHash, r.FailureReason); err != nil {
			return wrapExec("reservations", err)
		}
		for _, segID := range r.SegmentIDs {
			if _, err := tx.ExecContext(ctx, `INSERT INTO segment_reservations(run_id, reservation_id, segment_id) VALUES (?,?,?)`,
				snap.RunID, r.ReservationID, segID); err != nil {
				return wrapExec("segment_reservations", err)
			}
		}
	}
	return nil
}

func (e *Exporter) writeMatches(ctx context.Context, tx *sql.Tx, snap Snapshot) error {
	for _, m := range snap.Matches {
		if _, err := tx.ExecContext(ctx, `INSERT INTO matches(run_id, request_id, provider_id, offer_id, final_price, reservation_id, recorded_tick, tx_hash) VALUES (?,?,?,?,?,?,?,?)`,
			snap.RunID, m.RequestID, string(m.ProviderID), m.OfferID, m.FinalPrice, m.ReservationID, int64(m.RecordedTick), m.TxHash); err != nil {
			return wrapExec("matches", err)
		}
	}
	return nil
}

func (e *Exporter) writeTickAggregates(ctx context.Context, tx *sql.Tx, snap Snapshot) error {
	for _, agg := range snap.TickAggregates {
		histJSON, err := json.Marshal(agg.ModeHistogram)
		if err != nil {
			return wrapExec("tick_aggregates", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO tick_aggregates(run_id, tick, request_count, segment_count, mean_price, mode_histogram_json) VALUES (?,?,?,?,?,?)`,
			snap.RunID, int64(agg.Tick), agg.RequestCount, agg.SegmentCount, agg.MeanPrice, string(histJSON)); err != nil {
			return wrapExec("tick_aggregates", err)
		}
	}
	return nil
}

func (e *Exporter) writeLedgerAggregates(ctx context.Context, tx *sql.Tx, snap Snapshot) error {
	stats := snap.LedgerStats
	_, err := tx.ExecContext(ctx, `INSERT INTO ledger_aggregates(run_id, submitted, confirmed, failed, total_gas_used, avg_confirm_time_ns) VALUES (?,?,?,?,?,?)`,
		snap.RunID, stats.Submitted, stats.Confirmed, stats.Failed, stats.TotalGasUsed, stats.AvgConfirmTime.Nanoseconds())
	return wrapExec("ledger_aggregates", err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
