package export

// schemaStatements creates the logical tables of spec.md §6.4: primary
// key `run(runId)`, everything else keyed by `(runId, localId)` with
// cascading foreign keys on runId. Matches the teacher pack's habit
// (gurre-prime-fix-md-go's database package) of initializing schema
// idempotently with IF NOT EXISTS rather than a migration framework.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS run (
		run_id      TEXT PRIMARY KEY,
		started_at  INTEGER NOT NULL,
		ended_at    INTEGER NOT NULL,
		request_count INTEGER NOT NULL,
		segment_count INTEGER NOT NULL,
		reservation_count INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		run_id TEXT NOT NULL REFERENCES run(run_id) ON DELETE CASCADE,
		agent_id TEXT NOT NULL,
		role TEXT NOT NULL,
		mode TEXT,
		PRIMARY KEY (run_id, agent_id)
	)`,
	`CREATE TABLE IF NOT EXISTS requests (
		run_id TEXT NOT NULL REFERENCES run(run_id) ON DELETE CASCADE,
		request_id TEXT NOT NULL,
		commuter_id TEXT NOT NULL,
		origin_x REAL, origin_y REAL,
		dest_x REAL, dest_y REAL,
		start_time INTEGER, max_price REAL, has_max_price INTEGER,
		created_tick INTEGER, expires_tick INTEGER, status TEXT,
		PRIMARY KEY (run_id, request_id)
	)`,
	`CREATE TABLE IF NOT EXISTS segments (
		run_id TEXT NOT NULL REFERENCES run(run_id) ON DELETE CASCADE,
		segment_id TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		mode TEXT,
		depart_time INTEGER, arrive_time INTEGER,
		price REAL, capacity INTEGER, remaining INTEGER,
		status TEXT, source TEXT, target_request_id TEXT,
		PRIMARY KEY (run_id, segment_id)
	)`,
	`CREATE TABLE IF NOT EXISTS bundles (
		run_id TEXT NOT NULL REFERENCES run(run_id) ON DELETE CASCADE,
		bundle_id TEXT NOT NULL,
		base_price REAL, discount REAL, final_price REAL,
		utility_score REAL, num_segments INTEGER,
		PRIMARY KEY (run_id, bundle_id)
	)`,
	`CREATE TABLE IF NOT EXISTS bundle_segments (
		run_id TEXT NOT NULL REFERENCES run(run_id) ON DELETE CASCADE,
		bundle_id TEXT NOT NULL,
		segment_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		PRIMARY KEY (run_id, bundle_id, ordinal)
	)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		run_id TEXT NOT NULL REFERENCES run(run_id) ON DELETE CASCADE,
		reservation_id TEXT NOT NULL,
		commuter_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		bundle_id TEXT,
		cleared_price REAL, created_tick INTEGER,
		settlement_state TEXT, tx_hash TEXT, failure_reason TEXT,
		PRIMARY KEY (run_id, reservation_id)
	)`,
	`CREATE TABLE IF NOT EXISTS segment_reservations (
		run_id TEXT NOT NULL REFERENCES run(run_id) ON DELETE CASCADE,
		reservation_id TEXT NOT NULL,
		segment_id TEXT NOT NULL,
		PRIMARY KEY (run_id, reservation_id, segment_id)
	)`,
	`CREATE TABLE IF NOT EXISTS matches (
		run_id TEXT NOT NULL REFERENCES run(run_id) ON DELETE CASCADE,
		request_id TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		offer_id TEXT,
		final_price REAL, reservation_id TEXT,
		recorded_tick INTEGER, tx_hash TEXT,
		PRIMARY KEY (run_id, request_id)
	)`,
	`CREATE TABLE IF NOT EXISTS tick_aggregates (
		run_id TEXT NOT NULL REFERENCES run(run_id) ON DELETE CASCADE,
		tick INTEGER NOT NULL,
		request_count INTEGER, segment_count INTEGER, mean_price REAL,
		mode_histogram_json TEXT,
		PRIMARY KEY (run_id, tick)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_aggregates (
		run_id TEXT PRIMARY KEY REFERENCES run(run_id) ON DELETE CASCADE,
		submitted INTEGER, confirmed INTEGER, failed INTEGER,
		total_gas_used INTEGER, avg_confirm_time_ns INTEGER
	)`,
}

// deleteRunSubtreeStatements removes a prior run's rows before an
// overwrite export, in reverse dependency order. ON DELETE CASCADE makes
// the child deletes redundant on engines that enforce FKs (e.g. Postgres
// with FKs on), but sqlite3 only enforces them when PRAGMA foreign_keys=ON
// is set per-connection, so the exporter deletes explicitly to stay
// correct regardless of the underlying engine's FK enforcement.
var deleteRunSubtreeStatements = []string{
	`DELETE FROM ledger_aggregates WHERE run_id = ?`,
	`DELETE FROM tick_aggregates WHERE run_id = ?`,
	`DELETE FROM matches WHERE run_id = ?`,
	`DELETE FROM segment_reservations WHERE run_id = ?`,
	`DELETE FROM reservations WHERE run_id = ?`,
	`DELETE FROM bundle_segments WHERE run_id = ?`,
	`DELETE FROM bundles WHERE run_id = ?`,
	`DELETE FROM segments WHERE run_id = ?`,
	`DELETE FROM requests WHERE run_id = ?`,
	`DELETE FROM agents WHERE run_id = ?`,
	`DELETE FROM run WHERE run_id = ?`,
}
