// Package export implements the Analytical Exporter (spec.md §4.E): a
// single-transaction, all-or-nothing bulk write of a completed
// simulation's state to a relational store, grounded on the prepared
// statement / transaction idiom used for market data ingestion elsewhere
// in the pack (adapted here for a one-shot snapshot instead of a
// streaming feed).
package export

import (
	"github.com/uhyunpark/hyperlicked/pkg/ledger"
	"github.com/uhyunpark/hyperlicked/pkg/maas"
)

// AgentRecord is one row of the commuters/providers partition (spec.md
// §4.E step 2).
type AgentRecord struct {
	ID   maas.AgentId
	Role maas.AgentRole
	Mode string // providers only
}

// BundleRecord pairs a router-computed Bundle with the ordered segment
// edges persisted to bundle_segments.
type BundleRecord struct {
	Bundle maas.Bundle
}

// TickAggregate is one row of the per-tick aggregate table (spec.md §4.E
// step 8): counts, mean price, and a mode histogram for one simulated tick.
type TickAggregate struct {
	Tick          maas.Tick
	RequestCount  int
	SegmentCount  int
	MeanPrice     float64
	ModeHistogram map[string]int
}

// Snapshot is the immutable input to Export: everything the exporter
// needs to reconstruct one simulation run's cross-referenced state.
type Snapshot struct {
	RunID         string
	StartedAtUnix int64
	EndedAtUnix   int64
	Agents        []AgentRecord
	Requests      []maas.Request
	Segments      []maas.Segment
	Bundles       []BundleRecord
	Reservations  []maas.Reservation
	Matches       []maas.Match
	TickAggregates []TickAggregate
	LedgerStats   ledger.Stats
}

// Config selects the target relational engine and run semantics. DSN is a
// database/sql data source name; the exporter works identically against a
// file-based engine (sqlite3) or a server-based one, per spec.md §4.E's
// schema-portability clause — only the driver name and DSN change.
type Config struct {
	Driver    string // e.g. "sqlite3"
	DSN       string
	Overwrite bool
}
