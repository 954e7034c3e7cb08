package escrow

import (
	"errors"
	"math/big"

	"provmarket/native/market"
)

var (
	errNilState = errors.New("escrow engine: state not configured")

	// ErrItemReserved is returned when a purchase races an existing
	// reservation. The losing buyer should retry after the current
	// reservation resolves.
	ErrItemReserved = errors.New("escrow: item already reserved")
	// ErrNotBuyer is returned when someone other than the reserving buyer
	// attempts to withdraw the reservation.
	ErrNotBuyer = errors.New("escrow: caller is not the reserving buyer")
	// ErrNothingReserved guards against double settlement or double
	// withdrawal: the slot exists but holds no intent.
	ErrNothingReserved = errors.New("escrow: nothing reserved")
	// ErrDuplicateSlot and ErrNoSlot signal listing-discipline violations
	// and are fatal consistency errors, never ordinary outcomes.
	ErrDuplicateSlot = errors.New("escrow: slot already exists")
	ErrNoSlot        = errors.New("escrow: no slot for item")
	// ErrUnresolvedIntent is returned when a slot removal is attempted
	// while an intent is still pending resolution.
	ErrUnresolvedIntent = errors.New("escrow: slot holds an unresolved intent")
)

// PurchaseIntent is the escrow record created when a buyer reserves an item.
// The slot store owns it exclusively until a settle, refund or withdrawal
// disposes of its funds and optional capability.
type PurchaseIntent struct {
	ItemID         [32]byte               `json:"itemId"`
	Challenge      []byte                 `json:"challenge"`
	BuyerPublicKey []byte                 `json:"buyerPublicKey"`
	EscrowedFunds  *big.Int               `json:"escrowedFunds"`
	Buyer          [20]byte               `json:"buyer"`
	Offer          *market.ExclusiveOffer `json:"offer,omitempty"`
	CreatedAt      int64                  `json:"createdAt"`
}

// Clone returns a deep copy of the intent.
func (p *PurchaseIntent) Clone() *PurchaseIntent {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Challenge = append([]byte(nil), p.Challenge...)
	clone.BuyerPublicKey = append([]byte(nil), p.BuyerPublicKey...)
	if p.EscrowedFunds != nil {
		clone.EscrowedFunds = new(big.Int).Set(p.EscrowedFunds)
	} else {
		clone.EscrowedFunds = big.NewInt(0)
	}
	clone.Offer = p.Offer.Clone()
	return &clone
}

// Slot is the per-item reservation cell: it exists exactly while the item is
// listed and holds at most one pending intent.
type Slot struct {
	ItemID [32]byte        `json:"itemId"`
	Intent *PurchaseIntent `json:"intent,omitempty"`
}

// Clone returns a deep copy of the slot.
func (s *Slot) Clone() *Slot {
	if s == nil {
		return nil
	}
	return &Slot{ItemID: s.ItemID, Intent: s.Intent.Clone()}
}

// CapabilityOutcome is the closed set of dispositions for the optional
// exclusive-purchase capability inside an intent. Every code path that
// destroys an intent must produce exactly one of these.
type CapabilityOutcome uint8

const (
	// CapabilityNone records that the intent carried no capability.
	CapabilityNone CapabilityOutcome = iota
	// CapabilityConsumed records consumption by a successful settlement.
	CapabilityConsumed
	// CapabilityReturned records that the capability went back to the
	// buyer on a refund or withdrawal, keeping it redeemable.
	CapabilityReturned
	// CapabilityReleased records destruction together with the listing on
	// a seller-initiated delist or take.
	CapabilityReleased
)

func (c CapabilityOutcome) String() string {
	switch c {
	case CapabilityNone:
		return "none"
	case CapabilityConsumed:
		return "consumed"
	case CapabilityReturned:
		return "returned"
	case CapabilityReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Outcome distinguishes the two defined results of a response submission.
type Outcome uint8

const (
	OutcomeSettled Outcome = iota + 1
	OutcomeRefunded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSettled:
		return "settled"
	case OutcomeRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}
