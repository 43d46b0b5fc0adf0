// Package coordinator implements the Coordinator facade (spec.md §4.D):
// the single entry point agents call, orchestrating the Marketplace
// Store, the Bundle Router, and the Ledger Client so that a commitment
// like reserveBundle is atomic off-chain and eventually consistent
// on-chain.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperlicked/pkg/export"
	"github.com/uhyunpark/hyperlicked/pkg/ledger"
	"github.com/uhyunpark/hyperlicked/pkg/maas"
	"github.com/uhyunpark/hyperlicked/pkg/market"
	"github.com/uhyunpark/hyperlicked/pkg/router"
)

// Stats is the aggregated cross-subsystem read model of stats().
type Stats struct {
	Requests     map[maas.RequestStatus]int
	Segments     map[maas.SegmentStatus]int
	Reservations map[maas.SettlementState]int
	Ledger       ledger.Stats
}

// Coordinator is the facade; it is the only component allowed to mutate
// the store, and it never holds the store lock across ledger I/O
// (spec.md §5).
type Coordinator struct {
	store  *market.Store
	ledger *ledger.Client
	log    *zap.SugaredLogger

	mu        sync.Mutex
	requestTTL maas.Tick

	bgWg sync.WaitGroup
}

// New wires a Coordinator over an already-constructed store and ledger
// client, the way the teacher's cmd/node/main.go assembles app, bridge,
// and storage in sequence.
func New(store *market.Store, ledgerClient *ledger.Client, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{store: store, ledger: ledgerClient, log: log, requestTTL: 200}
}

func encodeCall(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}

// RegisterCommuter upserts the agent locally and submits an on-chain
// registration call, returning the ledger txId as the operation's handle.
func (c *Coordinator) RegisterCommuter(ctx context.Context, id maas.AgentId, profile map[string]string) (string, error) {
	if err := c.store.UpsertAgent(id, maas.RoleCommuter, profile); err != nil {
		return "", err
	}
	txID, err := c.ledger.Submit(ctx, ledger.Call{
		Method:        "registerCommuter",
		EncodedParams: encodeCall(map[string]interface{}{"id": id}),
		Origin:        maas.OriginRegister,
	})
	if err != nil {
		return "", err
	}
	return txID, nil
}

// RegisterProvider upserts the agent locally and submits an on-chain
// registration call, recording the provider's mode.
func (c *Coordinator) RegisterProvider(ctx context.Context, id maas.AgentId, profile map[string]string, mode string) (string, error) {
	merged := map[string]string{"mode": mode}
	for k, v := range profile {
		merged[k] = v
	}
	if err := c.store.UpsertAgent(id, maas.RoleProvider, merged); err != nil {
		return "", err
	}
	txID, err := c.ledger.Submit(ctx, ledger.Call{
		Method:        "registerProvider",
		EncodedParams: encodeCall(map[string]interface{}{"id": id, "mode": mode}),
		Origin:        maas.OriginRegister,
	})
	if err != nil {
		return "", err
	}
	return txID, nil
}

// CreateRequest opens a request in the store and mints its content hash
// on-chain.
func (c *Coordinator) CreateRequest(ctx context.Context, req maas.Request, now maas.Tick) (string, error) {
	stored, err := c.store.CreateRequest(req, now, c.requestTTL)
	if err != nil {
		return "", err
	}
	if _, err := c.ledger.Submit(ctx, ledger.Call{
		Method:        "createRequestHash",
		EncodedParams: encodeCall(map[string]interface{}{"id": stored.RequestID, "commuterId": stored.CommuterID}),
		Origin:        maas.OriginRequest,
	}); err != nil {
		return "", err
	}
	return stored.RequestID, nil
}

// PublishSegment admits a proactively-published segment and mints it
// on-chain.
func (c *Coordinator) PublishSegment(ctx context.Context, seg maas.Segment, now maas.Tick) (string, error) {
	stored, err := c.store.PublishSegment(seg, now)
	if err != nil {
		return "", err
	}
	if _, err := c.ledger.Submit(ctx, ledger.Call{
		Method:        "mintSegment",
		EncodedParams: encodeCall(map[string]interface{}{"id": stored.SegmentID, "providerId": stored.ProviderID}),
		Origin:        maas.OriginSegment,
	}); err != nil {
		return "", err
	}
	return stored.SegmentID, nil
}

// CancelSegment lets a provider withdraw a still-open segment it owns
// (spec.md's cancelled lifecycle state), minting the cancellation
// on-chain alongside the store transition.
func (c *Coordinator) CancelSegment(ctx context.Context, providerID maas.AgentId, segmentID string) (string, error) {
	seg, ok := c.store.Segment(segmentID)
	if !ok {
		return "", maas.NewError(maas.ErrNotFound, "segment %s not found", segmentID)
	}
	if seg.ProviderID != providerID {
		return "", maas.NewError(maas.ErrInvalidArgument, "provider %s does not own segment %s", providerID, segmentID)
	}
	if err := c.store.CancelSegment(segmentID); err != nil {
		return "", err
	}
	txID, err := c.ledger.Submit(ctx, ledger.Call{
		Method:        "cancelSegment",
		EncodedParams: encodeCall(map[string]interface{}{"id": segmentID, "providerId": providerID}),
		Origin:        maas.OriginSegment,
	})
	if err != nil {
		return "", err
	}
	return txID, nil
}

// SubmitOffer admits an offer pinned to a request and mints it on-chain.
func (c *Coordinator) SubmitOffer(ctx context.Context, offer maas.Offer, now maas.Tick) (string, error) {
	stored, err := c.store.SubmitOffer(offer, now)
	if err != nil {
		return "", err
	}
	if _, err := c.ledger.Submit(ctx, ledger.Call{
		Method:        "submitOfferHash",
		EncodedParams: encodeCall(map[string]interface{}{"requestId": stored.RequestID, "providerId": stored.ProviderID, "segmentId": stored.SegmentID}),
		Origin:        maas.OriginOffer,
	}); err != nil {
		return "", err
	}
	return stored.SegmentID, nil
}

// BuildBundles is a thin pass-through to the pure Bundle Router over a
// fresh snapshot of currently open/held segments.
func (c *Coordinator) BuildBundles(ctx context.Context, origin, destination maas.Point, startTime maas.Tick, opts router.Options) []maas.Bundle {
	opts = opts.WithDefaults()
	lo := startTime
	hi := startTime + opts.TimeWindow
	if opts.TimeWindow == 0 {
		hi = startTime + 10_000
	}
	snapshot := c.store.SnapshotSegments(lo, hi, map[maas.SegmentStatus]bool{maas.SegmentOpen: true, maas.SegmentHeld: true})
	return router.Build(ctx, snapshot, origin, destination, startTime, opts)
}

// ReserveBundle is the atomic commit point of spec.md §4.D: hold segments
// and record the reservation/match under the store lock, then release
// the lock before touching the ledger, and finally watch for on-chain
// confirmation in the background.
func (c *Coordinator) ReserveBundle(ctx context.Context, commuterID maas.AgentId, requestID string, bundle maas.Bundle) (string, error) {
	req, ok := c.store.Request(requestID)
	if !ok {
		return "", maas.NewError(maas.ErrNotFound, "request %s not found", requestID)
	}
	if req.Status != maas.RequestOpen {
		return "", maas.NewError(maas.ErrWrongStatus, "request %s is %s, not open", requestID, req.Status)
	}
	if req.CommuterID != commuterID {
		return "", maas.NewError(maas.ErrInvalidArgument, "commuter %s does not own request %s", commuterID, requestID)
	}
	if req.HasMaxPrice && bundle.FinalPrice > req.MaxPrice {
		return "", maas.NewError(maas.ErrInvalidArgument, "bundle price %.2f exceeds request max %.2f", bundle.FinalPrice, req.MaxPrice)
	}
	for _, segID := range bundle.Segments {
		seg, ok := c.store.Segment(segID)
		if !ok {
			return "", maas.NewError(maas.ErrBundleStale, "segment %s no longer exists", segID)
		}
		if seg.Status != maas.SegmentOpen && seg.Status != maas.SegmentHeld {
			return "", maas.NewError(maas.ErrBundleStale, "segment %s is %s", segID, seg.Status)
		}
	}

	// Step 2: hold segments atomically.
	reservationID := uuid.NewString()
	if err := c.store.HoldSegments(bundle.Segments, 1, reservationID); err != nil {
		if kind, ok := maas.KindOf(err); ok && kind == maas.ErrCapacityDenied {
			return "", maas.NewError(maas.ErrBundleStale, "capacity changed before commit: %v", err)
		}
		return "", err
	}

	// Step 3: record reservation + match, still conceptually under the
	// same logical commit (each store call takes its own write lock;
	// the store never does I/O while locked, so nothing blocks here).
	res := maas.Reservation{
		ReservationID:   reservationID,
		CommuterID:      commuterID,
		RequestID:       requestID,
		BundleID:        bundle.BundleID,
		SegmentIDs:      bundle.Segments,
		ClearedPrice:    bundle.FinalPrice,
		SettlementState: maas.SettlementPending,
	}
	if err := c.store.RecordReservation(res); err != nil {
		c.store.ReleaseSegments(bundle.Segments, 1)
		return "", err
	}
	if err := c.store.RecordMatch(requestID, bundle.PrimaryOfferID, bundle.RepresentativeProvider, bundle.FinalPrice, reservationID, 0); err != nil {
		c.store.ReleaseSegments(bundle.Segments, 1)
		return "", err
	}

	// Step 4: release the lock (implicit: each store call above already
	// released it), then submit to the ledger — I/O, out of lock.
	txID, err := c.ledger.Submit(ctx, ledger.Call{
		Method:        "recordMatch",
		EncodedParams: encodeCall(map[string]interface{}{"requestId": requestID, "offerId": bundle.PrimaryOfferID, "providerId": bundle.RepresentativeProvider, "price": bundle.FinalPrice}),
		Origin:        maas.OriginMatch,
	})
	if err != nil {
		c.store.UpdateReservationState(reservationID, maas.SettlementFailed, "", err.Error())
		c.store.ReleaseSegments(bundle.Segments, 1)
		return "", err
	}

	// Step 5: mark submitted.
	if err := c.store.UpdateReservationState(reservationID, maas.SettlementSubmitted, "", ""); err != nil {
		c.log.Errorw("reservation state transition failed after submit", "reservationId", reservationID, "err", err)
	}

	// Step 6: background confirmation handler.
	c.bgWg.Add(1)
	go c.watchConfirmation(reservationID, requestID, bundle.Segments, txID)

	return reservationID, nil
}

func (c *Coordinator) watchConfirmation(reservationID, requestID string, segmentIDs []string, txID string) {
	defer c.bgWg.Done()

	awaitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	receipt, err := c.ledger.Await(awaitCtx, txID)
	if err != nil {
		c.log.Warnw("confirmation watch cancelled/errored", "reservationId", reservationID, "err", err)
		return
	}

	switch receipt.State {
	case maas.TxConfirmed:
		c.store.SetMatchTxHash(requestID, receipt.TxHash)
		if err := c.store.UpdateReservationState(reservationID, maas.SettlementConfirmed, receipt.TxHash, ""); err != nil {
			c.log.Errorw("confirm transition failed", "reservationId", reservationID, "err", err)
		}
	case maas.TxFailed:
		reason := receipt.Error
		if reason == "" {
			reason = "ledger reported failure"
		}
		if err := c.store.ReleaseSegments(segmentIDs, 1); err != nil {
			c.log.Errorw("release segments after failed settlement", "reservationId", reservationID, "err", err)
		}
		if err := c.store.ReopenRequestAfterFailedSettlement(requestID); err != nil {
			c.log.Errorw("reopen request after failed settlement", "reservationId", reservationID, "err", err)
		}
		if err := c.store.UpdateReservationState(reservationID, maas.SettlementFailed, "", reason); err != nil {
			c.log.Errorw("fail transition rejected", "reservationId", reservationID, "err", err)
		}
	default:
		c.log.Warnw("confirmation watch returned non-terminal state", "reservationId", reservationID, "state", receipt.State)
	}
}

// MintDirectSegmentFor broadcasts a notification to providers so they can
// respond with submitOffer; it enqueues and returns without blocking.
func (c *Coordinator) MintDirectSegmentFor(req maas.Request, now maas.Tick) error {
	c.store.BroadcastToProviders("direct-ask", req.RequestID, fmt.Sprintf("origin=%v dest=%v", req.Origin, req.Destination), now)
	return nil
}

// ListProviderNotifications is a pass-through to the store's pub-sub log.
func (c *Coordinator) ListProviderNotifications(providerID maas.AgentId, since uint64) []maas.Notification {
	return c.store.ListProviderNotifications(providerID, since)
}

// Segment, Request and Reservation are read-only pass-throughs to the
// Marketplace Store, exposed so callers of the facade never need direct
// access to the store (spec.md §6.1's agent-facing query surface).
func (c *Coordinator) Segment(id string) (maas.Segment, bool) { return c.store.Segment(id) }

func (c *Coordinator) Request(id string) (maas.Request, bool) { return c.store.Request(id) }

func (c *Coordinator) Reservation(id string) (maas.Reservation, bool) { return c.store.Reservation(id) }

// Tick drains expirations; it is the only entry point for advancing
// simulated time, and never performs ledger I/O itself.
func (c *Coordinator) Tick(now maas.Tick) error {
	c.store.ExpireTick(now)
	return nil
}

// Stats aggregates counts across the store and the ledger client
// (SPEC_FULL.md §C.1).
func (c *Coordinator) Stats() Stats {
	return Stats{
		Requests:     c.store.CountRequestsByStatus(),
		Segments:     c.store.CountSegmentsByStatus(),
		Reservations: c.store.CountReservationsByState(),
		Ledger:       c.ledger.Stats(),
	}
}

// ExportSimulation snapshots the store and ledger stats and hands them to
// exp for a transactional write (spec.md §4.D, §4.E). bundles carries the
// router-computed Bundle values that were actually reserved during the
// run, since Bundles themselves are ephemeral router output, never
// persisted in the store.
func (c *Coordinator) ExportSimulation(ctx context.Context, exp *export.Exporter, runID string, startedAtUnix, endedAtUnix int64, bundles []maas.Bundle, tickAggregates []export.TickAggregate, overwrite bool) error {
	var agentRecords []export.AgentRecord
	for _, a := range c.store.AllAgents() {
		mode := ""
		if a.Role == maas.RoleProvider {
			mode = a.Metadata["mode"]
		}
		agentRecords = append(agentRecords, export.AgentRecord{ID: a.ID, Role: a.Role, Mode: mode})
	}

	var bundleRecords []export.BundleRecord
	for _, b := range bundles {
		bundleRecords = append(bundleRecords, export.BundleRecord{Bundle: b})
	}

	snap := export.Snapshot{
		RunID:          runID,
		StartedAtUnix:  startedAtUnix,
		EndedAtUnix:    endedAtUnix,
		Agents:         agentRecords,
		Requests:       c.store.AllRequests(),
		Segments:       c.store.AllSegments(),
		Bundles:        bundleRecords,
		Reservations:   c.store.AllReservations(),
		Matches:        c.store.AllMatches(),
		TickAggregates: tickAggregates,
		LedgerStats:    c.ledger.Stats(),
	}
	return exp.Export(ctx, snap, export.Config{Overwrite: overwrite})
}

// Shutdown waits for background confirmation watchers to drain.
func (c *Coordinator) Shutdown() {
	c.bgWg.Wait()
}
