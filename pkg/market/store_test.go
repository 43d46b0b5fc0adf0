package market

import (
	"testing"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperlicked/pkg/maas"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(zap.NewNop().Sugar())
}

func TestUpsertAgent(t *testing.T) {
	tests := []struct {
		name      string
		id        maas.AgentId
		role      maas.AgentRole
		secondRole maas.AgentRole
		wantErr   bool
	}{
		{name: "new commuter", id: "c1", role: maas.RoleCommuter, secondRole: maas.RoleCommuter, wantErr: false},
		{name: "role mismatch on re-register", id: "c2", role: maas.RoleCommuter, secondRole: maas.RoleProvider, wantErr: true},
		{name: "empty id rejected", id: "", role: maas.RoleCommuter, secondRole: maas.RoleCommuter, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			err := s.UpsertAgent(tt.id, tt.role, nil)
			if tt.id == "" {
				if err == nil {
					t.Fatalf("expected error for empty id")
				}
				return
			}
			if err != nil {
				t.Fatalf("first upsert: %v", err)
			}
			err = s.UpsertAgent(tt.id, tt.secondRole, nil)
			if tt.wantErr && err == nil {
				t.Fatalf("expected error re-registering %s with different role", tt.id)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCreateRequest_DuplicateRejected(t *testing.T) {
	s := newTestStore(t)
	req := maas.Request{RequestID: "r1", CommuterID: "c1"}
	if _, err := s.CreateRequest(req, 0, 100); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := s.CreateRequest(req, 0, 100)
	if err == nil {
		t.Fatalf("expected duplicate rejection")
	}
	kind, ok := maas.KindOf(err)
	if !ok || kind != maas.ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", kind)
	}
}

func TestCreateRequest_DefaultExpiry(t *testing.T) {
	s := newTestStore(t)
	stored, err := s.CreateRequest(maas.Request{RequestID: "r1", CommuterID: "c1"}, 10, 50)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if stored.ExpiresTick != 60 {
		t.Fatalf("expected default expiry now+ttl = 60, got %d", stored.ExpiresTick)
	}
	if stored.Status != maas.RequestOpen {
		t.Fatalf("expected open status, got %s", stored.Status)
	}
}

func TestPublishSegment_ValidatesShape(t *testing.T) {
	tests := []struct {
		name    string
		seg     maas.Segment
		wantErr maas.ErrorKind
	}{
		{
			name:    "arrive before depart",
			seg:     maas.Segment{SegmentID: "s1", DepartTime: 10, ArriveTime: 5, Capacity: 1},
			wantErr: maas.ErrInvalidArgument,
		},
		{
			name:    "zero capacity",
			seg:     maas.Segment{SegmentID: "s2", DepartTime: 0, ArriveTime: 10, Capacity: 0},
			wantErr: maas.ErrInvalidArgument,
		},
		{
			name:    "empty id",
			seg:     maas.Segment{SegmentID: "", DepartTime: 0, ArriveTime: 10, Capacity: 1},
			wantErr: maas.ErrInvalidArgument,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			_, err := s.PublishSegment(tt.seg, 0)
			if err == nil {
				t.Fatalf("expected error")
			}
			kind, ok := maas.KindOf(err)
			if !ok || kind != tt.wantErr {
				t.Fatalf("expected %s, got %v", tt.wantErr, kind)
			}
		})
	}
}

func TestPublishSegment_SetsDefaults(t *testing.T) {
	s := newTestStore(t)
	stored, err := s.PublishSegment(maas.Segment{SegmentID: "s1", DepartTime: 0, ArriveTime: 10, Capacity: 4}, 3)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if stored.Remaining != 4 {
		t.Fatalf("expected remaining = capacity, got %d", stored.Remaining)
	}
	if stored.Status != maas.SegmentOpen {
		t.Fatalf("expected open, got %s", stored.Status)
	}
	if stored.Source != maas.SourceProactive {
		t.Fatalf("expected proactive source, got %s", stored.Source)
	}
	if stored.CreatedTick != 3 {
		t.Fatalf("expected createdTick = 3, got %d", stored.CreatedTick)
	}
}

func TestSubmitOffer_RequiresOpenRequest(t *testing.T) {
	s := newTestStore(t)
	offer := maas.Offer{Segment: maas.Segment{SegmentID: "s1", DepartTime: 0, ArriveTime: 10, Capacity: 1}, RequestID: "missing"}
	_, err := s.SubmitOffer(offer, 0)
	if err == nil {
		t.Fatalf("expected not-found error")
	}
	kind, _ := maas.KindOf(err)
	if kind != maas.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", kind)
	}

	if _, err := s.CreateRequest(maas.Request{RequestID: "r1", CommuterID: "c1"}, 0, 100); err != nil {
		t.Fatalf("create request: %v", err)
	}
	stored, err := s.SubmitOffer(maas.Offer{Segment: maas.Segment{SegmentID: "s1", DepartTime: 0, ArriveTime: 10, Capacity: 1}, RequestID: "r1"}, 0)
	if err != nil {
		t.Fatalf("submit offer: %v", err)
	}
	if stored.Source != maas.SourceResponseToAsk {
		t.Fatalf("expected response-to-request source, got %s", stored.Source)
	}
}

func TestHoldAndReleaseSegments(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.PublishSegment(maas.Segment{SegmentID: "s1", DepartTime: 0, ArriveTime: 10, Capacity: 2}, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := s.HoldSegments([]string{"s1"}, 2, "res1"); err != nil {
		t.Fatalf("hold: %v", err)
	}
	seg, _ := s.Segment("s1")
	if seg.Status != maas.SegmentConsumed || seg.Remaining != 0 {
		t.Fatalf("expected fully consumed segment, got status=%s remaining=%d", seg.Status, seg.Remaining)
	}

	if err := s.HoldSegments([]string{"s1"}, 1, "res2"); err == nil {
		t.Fatalf("expected capacity denied on exhausted segment")
	}

	if err := s.ReleaseSegments([]string{"s1"}, 2); err != nil {
		t.Fatalf("release: %v", err)
	}
	seg, _ = s.Segment("s1")
	if seg.Status != maas.SegmentOpen || seg.Remaining != 2 {
		t.Fatalf("expected reopened full segment, got status=%s remaining=%d", seg.Status, seg.Remaining)
	}
}

func TestHoldSegments_RejectsWholeBatchOnAnyFailure(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.PublishSegment(maas.Segment{SegmentID: "s1", DepartTime: 0, ArriveTime: 10, Capacity: 5}, 0); err != nil {
		t.Fatalf("publish s1: %v", err)
	}
	// s2 does not exist: the whole hold must fail, leaving s1 untouched.
	if err := s.HoldSegments([]string{"s1", "s2"}, 1, "res1"); err == nil {
		t.Fatalf("expected not-found error for missing segment")
	}
	seg, _ := s.Segment("s1")
	if seg.Remaining != 5 {
		t.Fatalf("expected s1 untouched by failed batch hold, remaining=%d", seg.Remaining)
	}
}

func TestReservationStateMachine(t *testing.T) {
	tests := []struct {
		name    string
		from    maas.SettlementState
		to      maas.SettlementState
		wantErr bool
	}{
		{"pending to submitted", maas.SettlementPending, maas.SettlementSubmitted, false},
		{"submitted to confirmed", maas.SettlementSubmitted, maas.SettlementConfirmed, false},
		{"submitted to failed", maas.SettlementSubmitted, maas.SettlementFailed, false},
		{"confirmed to reverted", maas.SettlementConfirmed, maas.SettlementReverted, false},
		{"pending to confirmed directly rejected", maas.SettlementPending, maas.SettlementConfirmed, true},
		{"failed is terminal", maas.SettlementFailed, maas.SettlementSubmitted, true},
		{"idempotent resubmit", maas.SettlementPending, maas.SettlementPending, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			res := maas.Reservation{ReservationID: "res1", SettlementState: tt.from}
			if err := s.RecordReservation(res); err != nil {
				t.Fatalf("record: %v", err)
			}
			err := s.UpdateReservationState("res1", tt.to, "", "")
			if tt.wantErr && err == nil {
				t.Fatalf("expected transition %s -> %s to be rejected", tt.from, tt.to)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected transition %s -> %s to succeed, got %v", tt.from, tt.to, err)
			}
		})
	}
}

func TestExpireTick_ExpiresStaleRequestsAndSegments(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateRequest(maas.Request{RequestID: "r1", CommuterID: "c1", ExpiresTick: 5}, 0, 100); err != nil {
		t.Fatalf("create request: %v", err)
	}
	if _, err := s.PublishSegment(maas.Segment{SegmentID: "s1", DepartTime: 5, ArriveTime: 10, Capacity: 1}, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	s.ExpireTick(10)

	req, _ := s.Request("r1")
	if req.Status != maas.RequestExpired {
		t.Fatalf("expected request expired, got %s", req.Status)
	}
	seg, _ := s.Segment("s1")
	if seg.Status != maas.SegmentExpired {
		t.Fatalf("expected segment expired, got %s", seg.Status)
	}
}

func TestExpireTick_FailsReservationOfExpiredHeldSegment(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.PublishSegment(maas.Segment{SegmentID: "s1", DepartTime: 5, ArriveTime: 10, Capacity: 2}, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := s.HoldSegments([]string{"s1"}, 1, "res1"); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if err := s.RecordReservation(maas.Reservation{ReservationID: "res1", SettlementState: maas.SettlementSubmitted}); err != nil {
		t.Fatalf("record reservation: %v", err)
	}

	s.ExpireTick(6)

	res, _ := s.Reservation("res1")
	if res.SettlementState != maas.SettlementFailed {
		t.Fatalf("expected reservation failed on segment expiry, got %s", res.SettlementState)
	}
}

func TestRecordMatch_RejectsDuplicateAndNonOpenRequest(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateRequest(maas.Request{RequestID: "r1", CommuterID: "c1"}, 0, 100); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.RecordMatch("r1", "o1", "p1", 10, "res1", 0); err != nil {
		t.Fatalf("first match: %v", err)
	}
	if err := s.RecordMatch("r1", "o2", "p2", 20, "res2", 0); err == nil {
		t.Fatalf("expected duplicate match rejection")
	}
}

func TestCancelSegment_OpenSegmentBecomesCancelled(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.PublishSegment(maas.Segment{SegmentID: "seg1", ProviderID: "p1", DepartTime: 0, ArriveTime: 5, Capacity: 2, Price: 10}, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := s.CancelSegment("seg1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	seg, _ := s.Segment("seg1")
	if seg.Status != maas.SegmentCancelled {
		t.Fatalf("expected segment cancelled, got %s", seg.Status)
	}
}

func TestCancelSegment_RejectsAlreadyHeldSegment(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.PublishSegment(maas.Segment{SegmentID: "seg1", ProviderID: "p1", DepartTime: 0, ArriveTime: 5, Capacity: 1, Price: 10}, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := s.HoldSegments([]string{"seg1"}, 1, "holder1"); err != nil {
		t.Fatalf("hold: %v", err)
	}

	if err := s.CancelSegment("seg1"); err == nil {
		t.Fatalf("expected rejection for a non-open segment")
	}
}

func TestReopenRequestAfterFailedSettlement_ClearsMatchAndReopens(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateRequest(maas.Request{RequestID: "r1", CommuterID: "c1"}, 0, 100); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.RecordMatch("r1", "o1", "p1", 10, "res1", 0); err != nil {
		t.Fatalf("match: %v", err)
	}

	if err := s.ReopenRequestAfterFailedSettlement("r1"); err != nil {
		t.Fatalf("reopen: %v", err)
	}

	req, _ := s.Request("r1")
	if req.Status != maas.RequestOpen {
		t.Fatalf("expected request reopened, got %s", req.Status)
	}
	if _, ok := s.Match("r1"); ok {
		t.Fatalf("expected match cleared after reopen")
	}

	// A fresh match on the reopened request must succeed.
	if err := s.RecordMatch("r1", "o2", "p2", 20, "res2", 0); err != nil {
		t.Fatalf("expected rematch to succeed after reopen: %v", err)
	}
}

func TestListProviderNotifications_SinceCursor(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertAgent("p1", maas.RoleProvider, nil); err != nil {
		t.Fatalf("upsert provider: %v", err)
	}
	s.BroadcastToProviders("direct-ask", "r1", "payload1", 0)
	s.BroadcastToProviders("direct-ask", "r2", "payload2", 1)

	all := s.ListProviderNotifications("p1", 0)
	if len(all) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(all))
	}
	latest := s.ListProviderNotifications("p1", all[0].Seq)
	if len(latest) != 1 {
		t.Fatalf("expected 1 notification after cursor, got %d", len(latest))
	}
}
