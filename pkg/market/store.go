// Package market implements the Marketplace Store (spec.md §4.B): the
// single in-memory source of truth for requests, segments, offers,
// reservations, matches and provider notifications. All mutations are
// serialized at the granularity of a logical record via a single
// reader-writer mutex, the way the teacher's account.AccountManager and
// market.MarketRegistry guard their maps.
package market

import (
	"sync"

	"github.com/uhyunpark/hyperlicked/pkg/maas"
	"go.uber.org/zap"
)

// Agent is a registered commuter or provider.
type Agent struct {
	ID       maas.AgentId
	Role     maas.AgentRole
	Metadata map[string]string
}

// Store is the authoritative off-chain marketplace state.
type Store struct {
	mu sync.RWMutex

	log *zap.SugaredLogger

	agents       map[maas.AgentId]*Agent
	requests     map[string]*maas.Request
	segments     map[string]*maas.Segment
	offers       map[string]*maas.Offer // keyed by segmentId
	reservations map[string]*maas.Reservation
	matches      map[string]*maas.Match // keyed by requestId

	// holderOf records, per segmentId, the most recent holder of its
	// seats, so ExpireTick can fail that reservation when the segment
	// expires; ReleaseSegments drops the entry.
	holderOf map[string]string

	notifications map[maas.AgentId][]maas.Notification
	notifySeq     uint64
}

// New constructs an empty Store.
func New(log *zap.SugaredLogger) *Store {
	return &Store{
		log:           log,
		agents:        make(map[maas.AgentId]*Agent),
		requests:      make(map[string]*maas.Request),
		segments:      make(map[string]*maas.Segment),
		offers:        make(map[string]*maas.Offer),
		reservations:  make(map[string]*maas.Reservation),
		matches:       make(map[string]*maas.Match),
		holderOf:      make(map[string]string),
		notifications: make(map[maas.AgentId][]maas.Notification),
	}
}

// UpsertAgent registers an agent idempotently; the second call for the
// same id must not change its role.
func (s *Store) UpsertAgent(id maas.AgentId, role maas.AgentRole, metadata map[string]string) error {
	if id == "" {
		return maas.NewError(maas.ErrInvalidArgument, "agent id must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.agents[id]; ok {
		if existing.Role != role {
			return maas.NewError(maas.ErrInvalidArgument, "agent %s already registered with role %s", id, existing.Role)
		}
		existing.Metadata = metadata
		return nil
	}
	s.agents[id] = &Agent{ID: id, Role: role, Metadata: metadata}
	return nil
}

// Agent returns a copy of the registered agent, if any.
func (s *Store) Agent(id maas.AgentId) (Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// CreateRequest rejects a duplicate requestId, otherwise opens the request.
func (s *Store) CreateRequest(req maas.Request, now maas.Tick, ttl maas.Tick) (maas.Request, error) {
	if req.RequestID == "" {
		return maas.Request{}, maas.NewError(maas.ErrInvalidArgument, "requestId must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.RequestID]; exists {
		return maas.Request{}, maas.NewError(maas.ErrDuplicate, "request %s already exists", req.RequestID)
	}

	req.Status = maas.RequestOpen
	req.CreatedTick = now
	if req.ExpiresTick == 0 {
		req.ExpiresTick = now + ttl
	}
	stored := req
	s.requests[req.RequestID] = &stored
	return stored, nil
}

// Request returns a copy of a request by id.
func (s *Store) Request(id string) (maas.Request, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return maas.Request{}, false
	}
	return *r, true
}

// PublishSegment rejects a duplicate segmentId and enforces the segment's
// structural invariants before admitting it, then posts a
// "segment-published" notification (see postNotificationLocked).
func (s *Store) PublishSegment(seg maas.Segment, now maas.Tick) (maas.Segment, error) {
	if err := validateSegmentShape(seg); err != nil {
		return maas.Segment{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.segments[seg.SegmentID]; exists {
		return maas.Segment{}, maas.NewError(maas.ErrDuplicate, "segment %s already exists", seg.SegmentID)
	}

	seg.Remaining = seg.Capacity
	seg.Status = maas.SegmentOpen
	seg.CreatedTick = now
	if seg.Source == "" {
		seg.Source = maas.SourceProactive
	}
	stored := seg
	s.segments[seg.SegmentID] = &stored

	s.postNotificationLocked(seg.TargetRequestID, "segment-published", seg.SegmentID, now)
	return stored, nil
}

// SubmitOffer behaves like PublishSegment but is pinned to an open request.
func (s *Store) SubmitOffer(offer maas.Offer, now maas.Tick) (maas.Offer, error) {
	if err := validateSegmentShape(offer.Segment); err != nil {
		return maas.Offer{}, err
	}
	if offer.RequestID == "" {
		return maas.Offer{}, maas.NewError(maas.ErrInvalidArgument, "offer must reference a requestId")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[offer.RequestID]
	if !ok {
		return maas.Offer{}, maas.NewError(maas.ErrNotFound, "request %s not found", offer.RequestID)
	}
	if req.Status != maas.RequestOpen {
		return maas.Offer{}, maas.NewError(maas.ErrWrongStatus, "request %s is %s, not open", offer.RequestID, req.Status)
	}
	if _, exists := s.segments[offer.SegmentID]; exists {
		return maas.Offer{}, maas.NewError(maas.ErrDuplicate, "offer %s already exists", offer.SegmentID)
	}

	offer.Remaining = offer.Capacity
	offer.Status = maas.SegmentOpen
	offer.CreatedTick = now
	offer.Source = maas.SourceResponseToAsk
	offer.TargetRequestID = offer.RequestID

	stored := offer
	s.segments[offer.SegmentID] = &stored.Segment
	s.offers[offer.SegmentID] = &stored

	s.postNotificationLocked(offer.RequestID, "offer-submitted", offer.SegmentID, now)
	return stored, nil
}

func validateSegmentShape(seg maas.Segment) error {
	if seg.SegmentID == "" {
		return maas.NewError(maas.ErrInvalidArgument, "segmentId must not be empty")
	}
	if seg.ArriveTime <= seg.DepartTime {
		return maas.NewError(maas.ErrInvalidArgument, "arriveTime must be strictly after departTime")
	}
	if seg.Capacity < 1 {
		return maas.NewError(maas.ErrInvalidArgument, "capacity must be >= 1")
	}
	return nil
}

// postNotificationLocked appends a notification to every known provider's
// log. With a non-empty target the notification carries that requestId and
// is posted only if the request exists. Caller must hold the write lock.
func (s *Store) postNotificationLocked(targetRequestID, kind, payload string, now maas.Tick) {
	s.notifySeq++
	n := maas.Notification{Seq: s.notifySeq, Kind: kind, RequestID: targetRequestID, Payload: payload, CreatedTick: now}

	if targetRequestID == "" {
		for id, a := range s.agents {
			if a.Role != maas.RoleProvider {
				continue
			}
			n2 := n
			n2.ProviderID = id
			s.notifications[id] = append(s.notifications[id], n2)
		}
		return
	}

	if _, ok := s.requests[targetRequestID]; !ok {
		return
	}
	for id, a := range s.agents {
		if a.Role != maas.RoleProvider {
			continue
		}
		n2 := n
		n2.ProviderID = id
		s.notifications[id] = append(s.notifications[id], n2)
	}
}

// BroadcastToProviders posts a notification to every registered provider,
// used by mintDirectSegmentFor (spec.md §4.D) to solicit offers.
func (s *Store) BroadcastToProviders(kind, requestID, payload string, now maas.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifySeq++
	n := maas.Notification{Seq: s.notifySeq, Kind: kind, RequestID: requestID, Payload: payload, CreatedTick: now}
	for id, a := range s.agents {
		if a.Role != maas.RoleProvider {
			continue
		}
		n2 := n
		n2.ProviderID = id
		s.notifications[id] = append(s.notifications[id], n2)
	}
}

// ListProviderNotifications returns notifications with Seq > since for a
// provider. Delivery is at-least-once; there is no durable ack.
func (s *Store) ListProviderNotifications(providerID maas.AgentId, since uint64) []maas.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []maas.Notification
	for _, n := range s.notifications[providerID] {
		if n.Seq > since {
			out = append(out, n)
		}
	}
	return out
}

// SnapshotSegments returns a deep-enough copy of segments whose depart
// time falls in [lo,hi] and whose status is in statusFilter, so the
// Bundle Router can operate without holding the store lock.
func (s *Store) SnapshotSegments(lo, hi maas.Tick, statusFilter map[maas.SegmentStatus]bool) []maas.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]maas.Segment, 0, len(s.segments))
	for _, seg := range s.segments {
		if seg.DepartTime < lo || seg.DepartTime > hi {
			continue
		}
		if statusFilter != nil && !statusFilter[seg.Status] {
			continue
		}
		out = append(out, *seg)
	}
	return out
}

// Segment returns a copy of a single segment.
func (s *Store) Segment(id string) (maas.Segment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, ok := s.segments[id]
	if !ok {
		return maas.Segment{}, false
	}
	return *seg, true
}

// HoldSegments atomically decrements remaining by seatsEach for every id,
// rejecting the whole operation (CapacityDenied) if any would go negative
// or any segment is not open|held.
func (s *Store) HoldSegments(segmentIDs []string, seatsEach int, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	segs := make([]*maas.Segment, 0, len(segmentIDs))
	for _, id := range segmentIDs {
		seg, ok := s.segments[id]
		if !ok {
			return maas.NewError(maas.ErrNotFound, "segment %s not found", id)
		}
		if seg.Status != maas.SegmentOpen && seg.Status != maas.SegmentHeld {
			return maas.NewError(maas.ErrCapacityDenied, "segment %s is %s", id, seg.Status)
		}
		if seg.Remaining < seatsEach {
			return maas.NewError(maas.ErrCapacityDenied, "segment %s has %d remaining, need %d", id, seg.Remaining, seatsEach)
		}
		segs = append(segs, seg)
	}

	for _, seg := range segs {
		seg.Remaining -= seatsEach
		if seg.Remaining == 0 {
			seg.Status = maas.SegmentConsumed
		} else {
			seg.Status = maas.SegmentHeld
		}
		s.holderOf[seg.SegmentID] = holderID
	}
	return nil
}

// ReleaseSegments restores seatsEach to each segment, reopening it if it
// returns to full capacity.
func (s *Store) ReleaseSegments(segmentIDs []string, seatsEach int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range segmentIDs {
		seg, ok := s.segments[id]
		if !ok {
			continue
		}
		seg.Remaining += seatsEach
		if seg.Remaining > seg.Capacity {
			seg.Remaining = seg.Capacity
		}
		if seg.Status == maas.SegmentConsumed || seg.Status == maas.SegmentHeld {
			if seg.Remaining == seg.Capacity {
				seg.Status = maas.SegmentOpen
			} else {
				seg.Status = maas.SegmentHeld
			}
		}
		delete(s.holderOf, id)
	}
	return nil
}

// CancelSegment transitions an open segment to cancelled (provider cancel).
func (s *Store) CancelSegment(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, ok := s.segments[id]
	if !ok {
		return maas.NewError(maas.ErrNotFound, "segment %s not found", id)
	}
	if seg.Status != maas.SegmentOpen {
		return maas.NewError(maas.ErrWrongStatus, "segment %s is %s, not open", id, seg.Status)
	}
	seg.Status = maas.SegmentCancelled
	return nil
}

// RecordMatch rejects a request that is not open or already matched, then
// records the single authoritative Match for that request.
func (s *Store) RecordMatch(requestID, offerID string, providerID maas.AgentId, finalPrice float64, reservationID string, now maas.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return maas.NewError(maas.ErrNotFound, "request %s not found", requestID)
	}
	if req.Status != maas.RequestOpen {
		return maas.NewError(maas.ErrWrongStatus, "request %s is %s, not open", requestID, req.Status)
	}
	if _, exists := s.matches[requestID]; exists {
		return maas.NewError(maas.ErrDuplicate, "request %s already matched", requestID)
	}

	s.matches[requestID] = &maas.Match{
		RequestID:     requestID,
		ProviderID:    providerID,
		OfferID:       offerID,
		FinalPrice:    finalPrice,
		ReservationID: reservationID,
		RecordedTick:  now,
	}
	req.Status = maas.RequestMatched
	return nil
}

// Match returns the authoritative match for a request, if any.
func (s *Store) Match(requestID string) (maas.Match, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[requestID]
	if !ok {
		return maas.Match{}, false
	}
	return *m, true
}

// SetMatchTxHash attaches the settlement tx hash to a recorded match.
func (s *Store) SetMatchTxHash(requestID, txHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.matches[requestID]; ok {
		m.TxHash = txHash
	}
}

// RecordReservation stores a new reservation, rejecting duplicates.
func (s *Store) RecordReservation(res maas.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reservations[res.ReservationID]; exists {
		return maas.NewError(maas.ErrDuplicate, "reservation %s already exists", res.ReservationID)
	}
	stored := res
	s.reservations[res.ReservationID] = &stored
	return nil
}

// Reservation returns a copy of a reservation by id.
func (s *Store) Reservation(id string) (maas.Reservation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[id]
	if !ok {
		return maas.Reservation{}, false
	}
	return *r, true
}

var reservationTransitions = map[maas.SettlementState]map[maas.SettlementState]bool{
	maas.SettlementPending:   {maas.SettlementSubmitted: true, maas.SettlementFailed: true},
	maas.SettlementSubmitted: {maas.SettlementConfirmed: true, maas.SettlementFailed: true},
	maas.SettlementConfirmed: {maas.SettlementReverted: true},
	maas.SettlementFailed:    {},
	maas.SettlementReverted:  {},
}

// UpdateReservationState enforces the settlement state machine of
// spec.md §3.2: pending -> submitted -> (confirmed|failed) | reverted.
// A pending reservation may also fail directly when its ledger submit is
// rejected.
func (s *Store) UpdateReservationState(reservationID string, newState maas.SettlementState, txHash, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[reservationID]
	if !ok {
		return maas.NewError(maas.ErrNotFound, "reservation %s not found", reservationID)
	}
	if res.SettlementState == newState {
		return nil // idempotent resubmission
	}
	allowed := reservationTransitions[res.SettlementState]
	if !allowed[newState] {
		return maas.NewError(maas.ErrWrongStatus, "reservation %s cannot go from %s to %s", reservationID, res.SettlementState, newState)
	}

	res.SettlementState = newState
	if txHash != "" {
		res.TxHash = txHash
	}
	if reason != "" {
		res.FailureReason = reason
	}
	return nil
}

// ReopenRequestAfterFailedSettlement reverts a matched request back to
// open and clears its match record, so a reservation that fails (e.g. a
// ledger revert) leaves the request eligible for a fresh bundle search.
func (s *Store) ReopenRequestAfterFailedSettlement(requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return maas.NewError(maas.ErrNotFound, "request %s not found", requestID)
	}
	if req.Status == maas.RequestMatched {
		req.Status = maas.RequestOpen
	}
	delete(s.matches, requestID)
	return nil
}

// AllAgents returns a copy of every registered agent, for the exporter.
func (s *Store) AllAgents() []Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	return out
}

// AllRequests returns a copy of every request, for the exporter.
func (s *Store) AllRequests() []maas.Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]maas.Request, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, *r)
	}
	return out
}

// AllSegments returns a copy of every segment, for the exporter.
func (s *Store) AllSegments() []maas.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]maas.Segment, 0, len(s.segments))
	for _, seg := range s.segments {
		out = append(out, *seg)
	}
	return out
}

// AllReservations returns a copy of every reservation, for the exporter.
func (s *Store) AllReservations() []maas.Reservation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]maas.Reservation, 0, len(s.reservations))
	for _, r := range s.reservations {
		out = append(out, *r)
	}
	return out
}

// AllMatches returns a copy of every recorded match, for the exporter.
func (s *Store) AllMatches() []maas.Match {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]maas.Match, 0, len(s.matches))
	for _, m := range s.matches {
		out = append(out, *m)
	}
	return out
}

// CountRequestsByStatus powers Stats() (SPEC_FULL.md §C.1).
func (s *Store) CountRequestsByStatus() map[maas.RequestStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[maas.RequestStatus]int)
	for _, r := range s.requests {
		out[r.Status]++
	}
	return out
}

// CountSegmentsByStatus powers Stats() (SPEC_FULL.md §C.1).
func (s *Store) CountSegmentsByStatus() map[maas.SegmentStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[maas.SegmentStatus]int)
	for _, seg := range s.segments {
		out[seg.Status]++
	}
	return out
}

// CountReservationsByState powers Stats() (SPEC_FULL.md §C.1).
func (s *Store) CountReservationsByState() map[maas.SettlementState]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[maas.SettlementState]int)
	for _, r := range s.reservations {
		out[r.SettlementState]++
	}
	return out
}

// ExpireTick expires stale open requests and stale open/held segments.
// Held segments release their holds and fail the owning reservation.
// Idempotent: calling with the same `now` twice has the same effect as once.
func (s *Store) ExpireTick(now maas.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, req := range s.requests {
		if req.Status == maas.RequestOpen && req.ExpiresTick <= now {
			req.Status = maas.RequestExpired
		}
	}

	for id, seg := range s.segments {
		if (seg.Status == maas.SegmentOpen || seg.Status == maas.SegmentHeld) && seg.DepartTime < now {
			wasHeld := seg.Status == maas.SegmentHeld
			seg.Status = maas.SegmentExpired
			seg.Remaining = 0

			if wasHeld {
				if holderID, ok := s.holderOf[id]; ok {
					if res, ok := s.reservations[holderID]; ok && res.SettlementState != maas.SettlementFailed && res.SettlementState != maas.SettlementReverted {
						res.SettlementState = maas.SettlementFailed
						res.FailureReason = "segment expired before settlement"
					}
					delete(s.holderOf, id)
				}
			}
		}
	}
}
