package market

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"provmarket/core/events"
	"provmarket/core/types"
)

// State is the persistence surface the ledger mutates. Implementations must
// provide read-your-writes consistency within a single protocol operation;
// serialization across operations is the caller's responsibility.
type State[T types.MarketItem] interface {
	ListingPut(listing *Listing) error
	ListingGet(id [32]byte) (*Listing, bool, error)
	ListingDelete(id [32]byte) error

	ItemPut(id [32]byte, owner [20]byte, item T) error
	ItemGet(id [32]byte) (T, [20]byte, bool, error)
	ItemDelete(id [32]byte) error

	OfferPut(offer *ExclusiveOffer) error
	OfferGet(id [32]byte) (*ExclusiveOffer, bool, error)
	OfferDelete(id [32]byte) error

	ProfitsAdd(seller [20]byte, amount *big.Int) error
	ProfitsTake(seller [20]byte) (*big.Int, error)

	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// Ledger maintains listings, item custody, exclusive purchase offers and
// seller profits. It performs no reservation logic of its own; the escrow
// engine drives it.
type Ledger[T types.MarketItem] struct {
	state        State[T]
	emitter      events.Emitter
	profitsVault [20]byte
	nowFn        func() int64
}

// NewLedger creates a listing ledger with a no-op emitter.
func NewLedger[T types.MarketItem](state State[T], profitsVault [20]byte) *Ledger[T] {
	return &Ledger[T]{
		state:        state,
		emitter:      events.NoopEmitter{},
		profitsVault: profitsVault,
		nowFn:        func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (l *Ledger[T]) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (l *Ledger[T]) SetNowFunc(now func() int64) {
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

func (l *Ledger[T]) emit(evt events.Event) {
	if l == nil || l.emitter == nil || evt == nil {
		return
	}
	l.emitter.Emit(evt)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (l *Ledger[T]) transfer(from, to [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return ErrNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("market: negative transfer amount")
	}
	fromAcc, err := l.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := l.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = types.EnsureAccount(fromAcc)
	toAcc = types.EnsureAccount(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := l.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return l.state.PutAccount(to[:], toAcc)
}

// List places an item on the market at a fixed positive price. The item moves
// into ledger custody under the seller's ownership.
func (l *Ledger[T]) List(seller [20]byte, price *big.Int, item T) (*Listing, error) {
	if l == nil || l.state == nil {
		return nil, ErrNilState
	}
	amt := cloneBigInt(price)
	if amt.Sign() <= 0 {
		return nil, fmt.Errorf("market: price must be positive")
	}
	id := item.MarketID()
	if _, ok, err := l.state.ListingGet(id); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrAlreadyListed
	}
	if err := l.state.ItemPut(id, seller, item); err != nil {
		return nil, err
	}
	listing := &Listing{ItemID: id, Seller: seller, Price: amt, CreatedAt: l.nowFn()}
	if err := l.state.ListingPut(listing); err != nil {
		return nil, err
	}
	l.emit(events.ItemListed{ItemID: id, Seller: seller, Price: amt})
	return listing.Clone(), nil
}

// IsListed reports whether the item currently has a listing.
func (l *Ledger[T]) IsListed(id [32]byte) (bool, error) {
	if l == nil || l.state == nil {
		return false, ErrNilState
	}
	_, ok, err := l.state.ListingGet(id)
	return ok, err
}

// ListingOf returns the current listing for the item.
func (l *Ledger[T]) ListingOf(id [32]byte) (*Listing, error) {
	if l == nil || l.state == nil {
		return nil, ErrNilState
	}
	listing, ok, err := l.state.ListingGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotListed
	}
	return listing.Clone(), nil
}

// Delist removes the listing while leaving the item in ledger custody under
// the seller. Any reservation must already be resolved by the caller.
func (l *Ledger[T]) Delist(seller [20]byte, id [32]byte) error {
	listing, err := l.ListingOf(id)
	if err != nil {
		return err
	}
	if listing.Seller != seller {
		return ErrNotSeller
	}
	if err := l.state.ListingDelete(id); err != nil {
		return err
	}
	l.emit(events.ItemDelisted{ItemID: id, Seller: seller})
	return nil
}

// Take hands the item back to its selling owner, delisting it first if a
// listing is still active.
func (l *Ledger[T]) Take(seller [20]byte, id [32]byte) (T, error) {
	var zero T
	if l == nil || l.state == nil {
		return zero, ErrNilState
	}
	listing, listed, err := l.state.ListingGet(id)
	if err != nil {
		return zero, err
	}
	if listed {
		if listing.Seller != seller {
			return zero, ErrNotSeller
		}
		if err := l.state.ListingDelete(id); err != nil {
			return zero, err
		}
	}
	item, owner, ok, err := l.state.ItemGet(id)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, ErrUnknownItem
	}
	if owner != seller {
		return zero, ErrNotSeller
	}
	if err := l.state.ItemDelete(id); err != nil {
		return zero, err
	}
	l.emit(events.ItemTaken{ItemID: id, Seller: seller})
	return item, nil
}

// Purchase settles a standard-price sale: the exact listed price moves from
// the paying account into the profits vault, the seller's claimable profits
// grow by the same amount, and the item leaves custody toward the buyer.
func (l *Ledger[T]) Purchase(id [32]byte, payment *big.Int, buyer, from [20]byte) (T, *Receipt, error) {
	var zero T
	listing, err := l.ListingOf(id)
	if err != nil {
		return zero, nil, err
	}
	amt := cloneBigInt(payment)
	if amt.Cmp(listing.Price) != 0 {
		return zero, nil, ErrWrongPrice
	}
	return l.settle(listing, amt, buyer, from)
}

// PurchaseWithOffer settles a sale under an exclusive offer: the payment must
// meet the offer's minimum price and the buyer must match the offer holder.
// The offer is consumed by this call.
func (l *Ledger[T]) PurchaseWithOffer(offer *ExclusiveOffer, payment *big.Int, buyer, from [20]byte) (T, *Receipt, error) {
	var zero T
	if offer == nil {
		return zero, nil, ErrOfferNotFound
	}
	if offer.Buyer != buyer {
		return zero, nil, ErrWrongBuyer
	}
	listing, err := l.ListingOf(offer.ItemID)
	if err != nil {
		return zero, nil, err
	}
	if listing.Seller != offer.Seller {
		return zero, nil, ErrStaleOffer
	}
	amt := cloneBigInt(payment)
	if offer.MinPrice != nil && amt.Cmp(offer.MinPrice) < 0 {
		return zero, nil, ErrWrongPrice
	}
	return l.settle(listing, amt, buyer, from)
}

func (l *Ledger[T]) settle(listing *Listing, amount *big.Int, buyer, from [20]byte) (T, *Receipt, error) {
	var zero T
	if err := l.transfer(from, l.profitsVault, amount); err != nil {
		return zero, nil, err
	}
	if err := l.state.ProfitsAdd(listing.Seller, amount); err != nil {
		return zero, nil, err
	}
	if err := l.state.ListingDelete(listing.ItemID); err != nil {
		return zero, nil, err
	}
	item, _, ok, err := l.state.ItemGet(listing.ItemID)
	if err != nil {
		return zero, nil, err
	}
	if !ok {
		return zero, nil, ErrUnknownItem
	}
	if err := l.state.ItemDelete(listing.ItemID); err != nil {
		return zero, nil, err
	}
	receipt := &Receipt{
		ID:     uuid.NewString(),
		ItemID: listing.ItemID,
		Buyer:  buyer,
		Seller: listing.Seller,
		Amount: cloneBigInt(amount),
		PaidAt: l.nowFn(),
	}
	l.emit(events.TradeSettled{
		ItemID:  listing.ItemID,
		Buyer:   buyer,
		Seller:  listing.Seller,
		Amount:  receipt.Amount,
		Receipt: receipt.ID,
	})
	return item, receipt, nil
}

// IssueOffer mints an exclusive purchase capability for one buyer. Re-issuing
// an identical offer is idempotent and returns the stored instance.
func (l *Ledger[T]) IssueOffer(seller [20]byte, itemID [32]byte, buyer [20]byte, minPrice *big.Int) (*ExclusiveOffer, error) {
	listing, err := l.ListingOf(itemID)
	if err != nil {
		return nil, err
	}
	if listing.Seller != seller {
		return nil, ErrNotSeller
	}
	amt := cloneBigInt(minPrice)
	if amt.Sign() <= 0 {
		return nil, fmt.Errorf("market: offer minimum price must be positive")
	}
	id := OfferID(itemID, seller, buyer, amt)
	if existing, ok, err := l.state.OfferGet(id); err != nil {
		return nil, err
	} else if ok {
		return existing.Clone(), nil
	}
	offer := &ExclusiveOffer{
		ID:       id,
		ItemID:   itemID,
		Seller:   seller,
		Buyer:    buyer,
		MinPrice: amt,
		IssuedAt: l.nowFn(),
	}
	if err := l.state.OfferPut(offer); err != nil {
		return nil, err
	}
	l.emit(events.OfferIssued{OfferID: id, ItemID: itemID, Buyer: buyer, MinPrice: amt})
	return offer.Clone(), nil
}

// ClaimOffer validates and removes an issued offer so it can travel inside a
// purchase intent. The payment must already satisfy the offer's minimum so a
// claimed offer can always settle.
func (l *Ledger[T]) ClaimOffer(offerID [32]byte, buyer [20]byte, itemID [32]byte, payment *big.Int) (*ExclusiveOffer, error) {
	if l == nil || l.state == nil {
		return nil, ErrNilState
	}
	offer, ok, err := l.state.OfferGet(offerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrOfferNotFound
	}
	if offer.Buyer != buyer {
		return nil, ErrWrongBuyer
	}
	if offer.ItemID != itemID {
		return nil, ErrStaleOffer
	}
	if offer.MinPrice != nil && cloneBigInt(payment).Cmp(offer.MinPrice) < 0 {
		return nil, ErrWrongPrice
	}
	if err := l.state.OfferDelete(offerID); err != nil {
		return nil, err
	}
	return offer.Clone(), nil
}

// RestoreOffer returns a previously claimed offer to the store. Used by the
// escrow engine when a reservation carrying the offer is refunded or
// withdrawn.
func (l *Ledger[T]) RestoreOffer(offer *ExclusiveOffer) error {
	if l == nil || l.state == nil {
		return ErrNilState
	}
	if offer == nil {
		return ErrOfferNotFound
	}
	return l.state.OfferPut(offer.Clone())
}

// WithdrawProfits pays the seller's accumulated sale proceeds out of the
// profits vault.
func (l *Ledger[T]) WithdrawProfits(seller [20]byte) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, ErrNilState
	}
	amount, err := l.state.ProfitsTake(seller)
	if err != nil {
		return nil, err
	}
	amount = cloneBigInt(amount)
	if amount.Sign() == 0 {
		return nil, ErrNoProfits
	}
	if err := l.transfer(l.profitsVault, seller, amount); err != nil {
		return nil, err
	}
	return amount, nil
}
