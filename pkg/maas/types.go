// Package maas holds the shared domain types for the marketplace
// coordination core: requests, segments, offers, bundles, reservations,
// matches, notifications and ledger transactions (spec.md §3).
package maas

// Tick is an abstract integer unit of simulated time.
type Tick int64

// AgentId is an opaque identifier, partitioned by role.
type AgentId string

// AgentRole partitions an AgentId.
type AgentRole string

const (
	RoleCommuter AgentRole = "commuter"
	RoleProvider AgentRole = "provider"
)

// Point is a pair of real coordinates. Two points within a tunable
// tolerance epsilon are considered the same network node.
type Point struct {
	X float64
	Y float64
}

// Near reports whether p and q are within eps of each other (Euclidean).
func (p Point) Near(q Point, eps float64) bool {
	dx := p.X - q.X
	dy := p.Y - q.Y
	return dx*dx+dy*dy <= eps*eps
}

// RequestStatus is the lifecycle state of a Request.
type RequestStatus string

const (
	RequestOpen      RequestStatus = "open"
	RequestMatched   RequestStatus = "matched"
	RequestCancelled RequestStatus = "cancelled"
	RequestExpired   RequestStatus = "expired"
)

// Request is a commuter's travel ask.
type Request struct {
	RequestID    string
	CommuterID   AgentId
	Origin       Point
	Destination  Point
	StartTime    Tick
	MaxPrice     float64 // cap applies only when HasMaxPrice is true
	HasMaxPrice  bool
	CreatedTick  Tick
	ExpiresTick  Tick
	Status       RequestStatus
	Purpose      string
	Requirements map[string]string
}

// SegmentStatus is the lifecycle state of a Segment.
type SegmentStatus string

const (
	SegmentOpen      SegmentStatus = "open"
	SegmentHeld      SegmentStatus = "held"
	SegmentConsumed  SegmentStatus = "consumed"
	SegmentExpired   SegmentStatus = "expired"
	SegmentCancelled SegmentStatus = "cancelled"
)

// SegmentSource records why a segment exists.
type SegmentSource string

const (
	SourceProactive       SegmentSource = "proactive"
	SourceResponseToAsk   SegmentSource = "response-to-request"
)

// Segment is the atomic tokenizable capacity unit: one provider, one leg.
type Segment struct {
	SegmentID       string
	ProviderID      AgentId
	Mode            string
	Origin          Point
	Destination     Point
	DepartTime      Tick
	ArriveTime      Tick
	Price           float64
	Capacity        int
	Remaining       int
	CreatedTick     Tick
	Status          SegmentStatus
	Source          SegmentSource
	TargetRequestID string // optional, empty if proactive and untargeted
}

// Offer is a Segment submitted in direct response to a Request.
type Offer struct {
	Segment
	RequestID string
}

// Bundle is an ephemeral, router-computed multi-modal itinerary.
type Bundle struct {
	BundleID               string
	Segments               []string // segment ids, travel order
	Origin                 Point
	Destination            Point
	DepartTime             Tick
	ArriveTime             Tick
	BasePrice              float64
	Discount               float64
	FinalPrice             float64
	NumSegments            int
	Modes                  []string
	UtilityScore           float64
	PrimaryOfferID         string // representative segment/offer id for on-chain match
	RepresentativeProvider AgentId
}

// SettlementState is the lifecycle state of a Reservation's on-chain outcome.
type SettlementState string

const (
	SettlementPending   SettlementState = "pending"
	SettlementSubmitted SettlementState = "submitted"
	SettlementConfirmed SettlementState = "confirmed"
	SettlementFailed    SettlementState = "failed"
	SettlementReverted  SettlementState = "reverted"
)

// Reservation is the persisted commitment of a commuter to a bundle.
type Reservation struct {
	ReservationID   string
	CommuterID      AgentId
	RequestID       string
	BundleID        string
	SegmentIDs      []string
	ClearedPrice    float64
	CreatedTick     Tick
	SettlementState SettlementState
	TxHash          string
	FailureReason   string
}

// Match is the authoritative per-request record of a won offer.
type Match struct {
	RequestID     string
	ProviderID    AgentId
	OfferID       string
	FinalPrice    float64
	ReservationID string
	RecordedTick  Tick
	TxHash        string
}

// Notification is a provider-scoped, in-process, at-least-once message.
type Notification struct {
	Seq         uint64
	ProviderID  AgentId
	Kind        string
	RequestID   string
	Payload     string
	CreatedTick Tick
}

// TxState is the lifecycle state of a submitted ledger Transaction.
type TxState string

const (
	TxQueued    TxState = "queued"
	TxSubmitted TxState = "submitted"
	TxConfirmed TxState = "confirmed"
	TxFailed    TxState = "failed"
)

// TxOrigin tags which coordinator operation produced a Transaction.
type TxOrigin string

const (
	OriginRegister    TxOrigin = "register"
	OriginRequest     TxOrigin = "request"
	OriginOffer       TxOrigin = "offer"
	OriginMatch       TxOrigin = "match"
	OriginSegment     TxOrigin = "segment"
	OriginReservation TxOrigin = "reservation"
)

// Transaction is the Ledger Client's record of one submitted call.
type Transaction struct {
	TxID         string
	Method       string
	Params       []byte
	GasLimit     uint64
	Nonce        uint64
	SubmittedAt  Tick
	ConfirmedAt  Tick
	State        TxState
	TxHash       string
	GasUsed      uint64
	Error        string
	Origin       TxOrigin
}
