package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperlicked/pkg/ledger"
	"github.com/uhyunpark/hyperlicked/pkg/maas"
	"github.com/uhyunpark/hyperlicked/pkg/market"
	"github.com/uhyunpark/hyperlicked/pkg/router"
)

// fakeTransport is an always-succeeds, always-confirms ledger.Transport
// double so the Coordinator's atomic commit path can be exercised without a
// live JSON-RPC endpoint.
type fakeTransport struct {
	mu    sync.Mutex
	block uint64
}

func (f *fakeTransport) ChainID(ctx context.Context) (uint64, error)             { return 1, nil }
func (f *fakeTransport) SuggestGasPrice(ctx context.Context) (uint64, error)     { return 10, nil }
func (f *fakeTransport) NonceAt(ctx context.Context) (uint64, error)             { return 0, nil }
func (f *fakeTransport) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block++
	return f.block, nil
}
func (f *fakeTransport) SendRawCall(ctx context.Context, call ledger.Call, nonce, gasPrice uint64) (string, error) {
	return "0xhash", nil
}
func (f *fakeTransport) ReceiptByHash(ctx context.Context, txHash string) (ledger.TxReceipt, bool, error) {
	return ledger.TxReceipt{BlockNumber: 0, Success: true, GasUsed: 21000}, true, nil
}
func (f *fakeTransport) Close() {}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	log := zap.NewNop().Sugar()
	store := market.New(log)

	cfg := ledger.Config{
		ChainID:        1,
		GasLimit:       100_000,
		MaxBatchSize:   4,
		StorePath:      t.TempDir(),
		PollInterval:   20 * time.Millisecond,
		ConfirmTimeout: 30 * time.Second,
	}
	client, err := ledger.Connect(context.Background(), cfg, &fakeTransport{}, log)
	if err != nil {
		t.Fatalf("ledger connect: %v", err)
	}
	t.Cleanup(client.Shutdown)

	return New(store, client, log)
}

func awaitReservationState(t *testing.T, c *Coordinator, reservationID string, want maas.SettlementState) maas.Reservation {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res, ok := c.store.Reservation(reservationID)
		if ok && res.SettlementState == want {
			return res
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("reservation %s never reached state %s", reservationID, want)
	return maas.Reservation{}
}

func TestReserveBundle_HappyPathConfirms(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.store.UpsertAgent("commuter1", maas.RoleCommuter, nil); err != nil {
		t.Fatalf("upsert commuter: %v", err)
	}
	if _, err := c.CreateRequest(ctx, maas.Request{RequestID: "req1", CommuterID: "commuter1"}, 0); err != nil {
		t.Fatalf("create request: %v", err)
	}
	if _, err := c.PublishSegment(ctx, maas.Segment{SegmentID: "seg1", DepartTime: 0, ArriveTime: 5, Capacity: 1, Price: 10}, 0); err != nil {
		t.Fatalf("publish segment: %v", err)
	}

	bundle := maas.Bundle{BundleID: "bundle1", Segments: []string{"seg1"}, FinalPrice: 10, PrimaryOfferID: "seg1"}
	reservationID, err := c.ReserveBundle(ctx, "commuter1", "req1", bundle)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	seg, _ := c.store.Segment("seg1")
	if seg.Status != maas.SegmentConsumed {
		t.Fatalf("expected segment consumed immediately after reserve, got %s", seg.Status)
	}

	res := awaitReservationState(t, c, reservationID, maas.SettlementConfirmed)
	if res.TxHash == "" {
		t.Fatalf("expected confirmed reservation to carry a tx hash")
	}

	match, ok := c.store.Match("req1")
	if !ok || match.TxHash == "" {
		t.Fatalf("expected match to be recorded with tx hash, got %+v ok=%v", match, ok)
	}
}

func TestReserveBundle_RejectsWrongCommuter(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.store.UpsertAgent("commuter1", maas.RoleCommuter, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := c.CreateRequest(ctx, maas.Request{RequestID: "req1", CommuterID: "commuter1"}, 0); err != nil {
		t.Fatalf("create request: %v", err)
	}

	bundle := maas.Bundle{BundleID: "bundle1", Segments: nil, FinalPrice: 10}
	_, err := c.ReserveBundle(ctx, "someone-else", "req1", bundle)
	if err == nil {
		t.Fatalf("expected rejection for non-owning commuter")
	}
	kind, _ := maas.KindOf(err)
	if kind != maas.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", kind)
	}
}

func TestReserveBundle_RejectsPriceAboveMax(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.store.UpsertAgent("commuter1", maas.RoleCommuter, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := c.CreateRequest(ctx, maas.Request{RequestID: "req1", CommuterID: "commuter1", HasMaxPrice: true, MaxPrice: 5}, 0); err != nil {
		t.Fatalf("create request: %v", err)
	}

	bundle := maas.Bundle{BundleID: "bundle1", FinalPrice: 50}
	_, err := c.ReserveBundle(ctx, "commuter1", "req1", bundle)
	if err == nil {
		t.Fatalf("expected rejection for over-budget bundle")
	}
}

func TestReserveBundle_StaleSegmentRejected(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.store.UpsertAgent("commuter1", maas.RoleCommuter, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := c.CreateRequest(ctx, maas.Request{RequestID: "req1", CommuterID: "commuter1"}, 0); err != nil {
		t.Fatalf("create request: %v", err)
	}

	bundle := maas.Bundle{BundleID: "bundle1", Segments: []string{"nonexistent"}, FinalPrice: 5}
	_, err := c.ReserveBundle(ctx, "commuter1", "req1", bundle)
	if err == nil {
		t.Fatalf("expected BundleStale rejection")
	}
	kind, _ := maas.KindOf(err)
	if kind != maas.ErrBundleStale {
		t.Fatalf("expected ErrBundleStale, got %v", kind)
	}
}

func TestBuildBundles_DelegatesToRouter(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	origin := maas.Point{X: 0, Y: 0}
	dest := maas.Point{X: 10, Y: 0}
	if _, err := c.PublishSegment(ctx, maas.Segment{SegmentID: "seg1", Origin: origin, Destination: dest, DepartTime: 0, ArriveTime: 5, Capacity: 1, Price: 10}, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	bundles := c.BuildBundles(ctx, origin, dest, 0, router.Options{})
	if len(bundles) != 1 {
		t.Fatalf("expected 1 bundle from the router, got %d", len(bundles))
	}
}

func TestCancelSegment_OwnerCanWithdrawOpenSegment(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.store.UpsertAgent("provider1", maas.RoleProvider, nil); err != nil {
		t.Fatalf("upsert provider: %v", err)
	}
	if _, err := c.PublishSegment(ctx, maas.Segment{SegmentID: "seg1", ProviderID: "provider1", DepartTime: 0, ArriveTime: 5, Capacity: 1, Price: 10}, 0); err != nil {
		t.Fatalf("publish segment: %v", err)
	}

	if _, err := c.CancelSegment(ctx, "provider1", "seg1"); err != nil {
		t.Fatalf("cancel segment: %v", err)
	}

	seg, ok := c.store.Segment("seg1")
	if !ok || seg.Status != maas.SegmentCancelled {
		t.Fatalf("expected segment cancelled, got %+v ok=%v", seg, ok)
	}
}

func TestCancelSegment_RejectsNonOwner(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.store.UpsertAgent("provider1", maas.RoleProvider, nil); err != nil {
		t.Fatalf("upsert provider: %v", err)
	}
	if _, err := c.PublishSegment(ctx, maas.Segment{SegmentID: "seg1", ProviderID: "provider1", DepartTime: 0, ArriveTime: 5, Capacity: 1, Price: 10}, 0); err != nil {
		t.Fatalf("publish segment: %v", err)
	}

	_, err := c.CancelSegment(ctx, "someone-else", "seg1")
	if err == nil {
		t.Fatalf("expected rejection for non-owning provider")
	}
	kind, _ := maas.KindOf(err)
	if kind != maas.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", kind)
	}

	seg, _ := c.store.Segment("seg1")
	if seg.Status != maas.SegmentOpen {
		t.Fatalf("expected segment to remain open after rejected cancel, got %s", seg.Status)
	}
}

func TestStats_AggregatesAcrossSubsystems(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.CreateRequest(ctx, maas.Request{RequestID: "req1", CommuterID: "commuter1"}, 0); err != nil {
		t.Fatalf("create: %v", err)
	}

	stats := c.Stats()
	if stats.Requests[maas.RequestOpen] != 1 {
		t.Fatalf("expected 1 open request in stats, got %d", stats.Requests[maas.RequestOpen])
	}
}
