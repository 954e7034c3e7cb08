package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"provmarket/core/events"
	"provmarket/core/types"
	"provmarket/crypto"
	"provmarket/native/market"
)

type engineState interface {
	SlotState
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// ResponseResult reports how a reservation resolved: a settlement carrying
// the item and its transfer receipt, or a refund of the escrowed deposit.
// A failed proof is a defined outcome, never an error.
type ResponseResult[T types.MarketItem] struct {
	Outcome    Outcome
	Item       T
	Receipt    *market.Receipt
	Refunded   *big.Int
	Capability CapabilityOutcome
}

// Engine drives the purchase-intent lifecycle: reserve, verify, settle or
// refund, and seller-initiated removal. Every exported operation runs inside
// one critical section, standing in for the host ledger's transaction
// serialization, so the slot occupancy check and the fund movements of one
// invocation are never interleaved with another.
type Engine[T types.MarketItem] struct {
	mu       sync.Mutex
	state    engineState
	slots    *SlotStore
	ledger   *market.Ledger[T]
	verifier crypto.Verifier
	emitter  events.Emitter
	vault    [20]byte
	nowFn    func() int64
}

// NewEngine wires the lifecycle with its collaborators. The verifier defaults
// to secp256k1 and the emitter to a no-op implementation.
func NewEngine[T types.MarketItem](state engineState, ledger *market.Ledger[T], vault [20]byte) *Engine[T] {
	return &Engine[T]{
		state:    state,
		slots:    NewSlotStore(state),
		ledger:   ledger,
		verifier: crypto.Secp256k1Verifier{},
		emitter:  events.NoopEmitter{},
		vault:    vault,
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetVerifier swaps the proof scheme. Passing nil restores the secp256k1
// default. Lifecycle logic is unaffected by the choice.
func (e *Engine[T]) SetVerifier(v crypto.Verifier) {
	if v == nil {
		e.verifier = crypto.Secp256k1Verifier{}
		return
	}
	e.verifier = v
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine[T]) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine[T]) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine[T]) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine[T]) transfer(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = types.EnsureAccount(fromAcc)
	toAcc = types.EnsureAccount(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return market.ErrInsufficientFunds
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

// disposeCapability exhausts the optional capability inside a dying intent.
// Only the three defined dispositions are accepted; anything else is an
// invariant violation.
func (e *Engine[T]) disposeCapability(intent *PurchaseIntent, outcome CapabilityOutcome) (CapabilityOutcome, error) {
	if intent == nil || intent.Offer == nil {
		return CapabilityNone, nil
	}
	switch outcome {
	case CapabilityConsumed:
		// The offer was consumed by the ledger settlement call.
		return CapabilityConsumed, nil
	case CapabilityReturned:
		if err := e.ledger.RestoreOffer(intent.Offer); err != nil {
			return CapabilityNone, err
		}
		return CapabilityReturned, nil
	case CapabilityReleased:
		// The listing is gone; the offer dies with it.
		return CapabilityReleased, nil
	}
	return CapabilityNone, fmt.Errorf("escrow: unhandled capability outcome %d", outcome)
}

// List places the item for sale and opens its reservation slot. The slot
// exists exactly as long as the listing does.
func (e *Engine[T]) List(seller [20]byte, price *big.Int, item T) (*market.Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if listed, err := e.ledger.IsListed(item.MarketID()); err != nil {
		return nil, err
	} else if listed {
		return nil, market.ErrAlreadyListed
	}
	if ok, err := e.slots.Exists(item.MarketID()); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrDuplicateSlot
	}
	listing, err := e.ledger.List(seller, price, item)
	if err != nil {
		return nil, err
	}
	if err := e.slots.Create(listing.ItemID); err != nil {
		return nil, err
	}
	return listing, nil
}

// Purchase reserves a listed item: the buyer's deposit moves into the escrow
// vault, the intent occupies the slot, and the challenge is published. When
// offerID is non-nil the referenced exclusive offer is claimed into the
// intent. Competing purchases fail fast with ErrItemReserved.
func (e *Engine[T]) Purchase(buyer [20]byte, itemID [32]byte, challenge, buyerPublicKey []byte, payment *big.Int, offerID *[32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if len(challenge) == 0 {
		return fmt.Errorf("escrow: challenge must not be empty")
	}
	if len(buyerPublicKey) == 0 {
		return fmt.Errorf("escrow: buyer public key must not be empty")
	}
	amt := cloneBigInt(payment)
	if amt.Sign() <= 0 {
		return fmt.Errorf("escrow: payment must be positive")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	listing, err := e.ledger.ListingOf(itemID)
	if err != nil {
		return err
	}
	occupied, err := e.slots.Occupied(itemID)
	if err != nil {
		return err
	}
	if occupied {
		return ErrItemReserved
	}
	buyerAcc, err := e.state.GetAccount(buyer[:])
	if err != nil {
		return err
	}
	if types.EnsureAccount(buyerAcc).Balance.Cmp(amt) < 0 {
		return market.ErrInsufficientFunds
	}

	var offer *market.ExclusiveOffer
	if offerID != nil {
		offer, err = e.ledger.ClaimOffer(*offerID, buyer, itemID, amt)
		if err != nil {
			return err
		}
	} else if amt.Cmp(listing.Price) != 0 {
		// The deposit must settle exactly against the listed price.
		return market.ErrWrongPrice
	}

	if err := e.transfer(buyer, e.vault, amt); err != nil {
		return err
	}
	intent := &PurchaseIntent{
		ItemID:         itemID,
		Challenge:      append([]byte(nil), challenge...),
		BuyerPublicKey: append([]byte(nil), buyerPublicKey...),
		EscrowedFunds:  amt,
		Buyer:          buyer,
		Offer:          offer,
		CreatedAt:      e.nowFn(),
	}
	if err := e.slots.Reserve(itemID, intent); err != nil {
		return err
	}
	e.emit(events.ChallengeIssued{ItemID: itemID, Challenge: intent.Challenge, Buyer: buyer})
	return nil
}

// SubmitResponse resolves a reservation with the seller's proof. The intent
// is claimed atomically before verification, so a second submission observes
// ErrNothingReserved regardless of the first call's outcome. A valid proof
// settles the trade; an invalid one refunds the buyer in the same invocation
// and leaves the item listed.
func (e *Engine[T]) SubmitResponse(caller [20]byte, itemID [32]byte, signature []byte) (*ResponseResult[T], error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	listing, err := e.ledger.ListingOf(itemID)
	if err != nil {
		return nil, err
	}
	if listing.Seller != caller {
		return nil, market.ErrNotSeller
	}
	intent, err := e.slots.TakeIntent(itemID)
	if err != nil {
		return nil, err
	}

	// The verifier sees the stored challenge bytes, never a caller-supplied
	// recomputation, and is consulted exactly once.
	if e.verifier.Verify(intent.BuyerPublicKey, signature, intent.Challenge) {
		var (
			item    T
			receipt *market.Receipt
		)
		if intent.Offer != nil {
			item, receipt, err = e.ledger.PurchaseWithOffer(intent.Offer, intent.EscrowedFunds, intent.Buyer, e.vault)
		} else {
			item, receipt, err = e.ledger.Purchase(itemID, intent.EscrowedFunds, intent.Buyer, e.vault)
		}
		if err != nil {
			// The intent is already out of the slot; refund it rather than
			// strand the deposit in the vault.
			if _, _, rerr := e.refundIntent(intent, CapabilityReturned); rerr != nil {
				return nil, fmt.Errorf("escrow: settlement failed (%v) and refund failed: %w", err, rerr)
			}
			return nil, err
		}
		capability, err := e.disposeCapability(intent, CapabilityConsumed)
		if err != nil {
			return nil, err
		}
		if err := e.slots.Remove(itemID); err != nil {
			return nil, err
		}
		return &ResponseResult[T]{
			Outcome:    OutcomeSettled,
			Item:       item,
			Receipt:    receipt,
			Capability: capability,
		}, nil
	}

	refunded, capability, err := e.refundIntent(intent, CapabilityReturned)
	if err != nil {
		return nil, err
	}
	return &ResponseResult[T]{
		Outcome:    OutcomeRefunded,
		Refunded:   refunded,
		Capability: capability,
	}, nil
}

// Withdraw is the buyer's unconditional safety valve while reserved: only the
// recorded buyer may call it, and the full deposit comes back along with any
// claimed exclusive offer.
func (e *Engine[T]) Withdraw(caller [20]byte, itemID [32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	intent, err := e.slots.Intent(itemID)
	if err != nil {
		return err
	}
	if intent == nil {
		return ErrNothingReserved
	}
	if intent.Buyer != caller {
		return ErrNotBuyer
	}
	intent, err = e.slots.TakeIntent(itemID)
	if err != nil {
		return err
	}
	if _, _, err := e.refundIntent(intent, CapabilityReturned); err != nil {
		return err
	}
	e.emit(events.ChallengeWithdrawn{ItemID: itemID, Buyer: intent.Buyer})
	return nil
}

// Delist removes the item from sale. A pending reservation is refunded in
// full before the listing disappears, so a seller can never keep a buyer's
// escrowed funds by delisting.
func (e *Engine[T]) Delist(caller [20]byte, itemID [32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	// Authorize before touching the reservation: a stranger's call must not
	// refund the buyer or destroy a claimed offer.
	listing, err := e.ledger.ListingOf(itemID)
	if err != nil {
		return err
	}
	if listing.Seller != caller {
		return market.ErrNotSeller
	}
	if err := e.resolvePending(itemID); err != nil {
		return err
	}
	if err := e.ledger.Delist(caller, itemID); err != nil {
		return err
	}
	return e.slots.Remove(itemID)
}

// Take removes the item from sale and hands it back to the seller, resolving
// any pending reservation first exactly like Delist.
func (e *Engine[T]) Take(caller [20]byte, itemID [32]byte) (T, error) {
	var zero T
	if e == nil || e.state == nil {
		return zero, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	listed, err := e.ledger.IsListed(itemID)
	if err != nil {
		return zero, err
	}
	if listed {
		// Refund before touching the listing so the guard below cannot
		// strand the buyer's funds.
		listing, err := e.ledger.ListingOf(itemID)
		if err != nil {
			return zero, err
		}
		if listing.Seller != caller {
			return zero, market.ErrNotSeller
		}
		if err := e.resolvePending(itemID); err != nil {
			return zero, err
		}
	}
	item, err := e.ledger.Take(caller, itemID)
	if err != nil {
		return zero, err
	}
	return item, e.slots.Remove(itemID)
}

// resolvePending refunds a live reservation ahead of a seller-initiated
// removal. The capability inside the intent is released: the listing it
// grants access to is about to disappear.
func (e *Engine[T]) resolvePending(itemID [32]byte) error {
	occupied, err := e.slots.Occupied(itemID)
	if err != nil {
		if errors.Is(err, ErrNoSlot) {
			return nil
		}
		return err
	}
	if !occupied {
		return nil
	}
	intent, err := e.slots.TakeIntent(itemID)
	if err != nil {
		return err
	}
	_, _, err = e.refundIntent(intent, CapabilityReleased)
	return err
}

// refundIntent returns the escrowed deposit to the buyer and disposes of the
// optional capability with the supplied outcome.
func (e *Engine[T]) refundIntent(intent *PurchaseIntent, outcome CapabilityOutcome) (*big.Int, CapabilityOutcome, error) {
	amount := cloneBigInt(intent.EscrowedFunds)
	if err := e.transfer(e.vault, intent.Buyer, amount); err != nil {
		return nil, CapabilityNone, err
	}
	capability, err := e.disposeCapability(intent, outcome)
	if err != nil {
		return nil, CapabilityNone, err
	}
	e.emit(events.TradeRefunded{ItemID: intent.ItemID, Buyer: intent.Buyer, Amount: amount})
	return amount, capability, nil
}

// IsPurchasable reports whether the item is listed and its slot is empty.
func (e *Engine[T]) IsPurchasable(itemID [32]byte) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	listed, err := e.ledger.IsListed(itemID)
	if err != nil {
		return false, err
	}
	if !listed {
		return false, nil
	}
	occupied, err := e.slots.Occupied(itemID)
	if err != nil {
		return false, err
	}
	return !occupied, nil
}

// IssueOffer mints an exclusive purchase capability through the ledger inside
// the engine's critical section.
func (e *Engine[T]) IssueOffer(seller [20]byte, itemID [32]byte, buyer [20]byte, minPrice *big.Int) (*market.ExclusiveOffer, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.IssueOffer(seller, itemID, buyer, minPrice)
}

// WithdrawProfits pays out the seller's accumulated proceeds.
func (e *Engine[T]) WithdrawProfits(seller [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.WithdrawProfits(seller)
}

// ListingOf exposes the current listing for read surfaces.
func (e *Engine[T]) ListingOf(itemID [32]byte) (*market.Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.ListingOf(itemID)
}

// BalanceOf returns the fungible balance of an address.
func (e *Engine[T]) BalanceOf(addr [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	acc, err := e.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	return cloneBigInt(types.EnsureAccount(acc).Balance), nil
}
