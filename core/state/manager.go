package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"provmarket/core/types"
	"provmarket/native/escrow"
	"provmarket/native/market"
	"provmarket/storage"
)

const (
	accountPrefix = "acct:"
	listingPrefix = "listing:"
	itemPrefix    = "item:"
	slotPrefix    = "slot:"
	offerPrefix   = "offer:"
	profitPrefix  = "profit:"
)

// Manager persists protocol state as JSON records in a key-value store. It
// implements the state interfaces of both the market ledger and the escrow
// engine; operation-level atomicity comes from the engine's critical section,
// not from here.
type Manager[T types.MarketItem] struct {
	db storage.Database
}

// NewManager wraps the supplied database.
func NewManager[T types.MarketItem](db storage.Database) *Manager[T] {
	return &Manager[T]{db: db}
}

func key(prefix string, suffix []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(suffix))
	out = append(out, prefix...)
	return append(out, suffix...)
}

func (m *Manager[T]) putJSON(k []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", string(k), err)
	}
	return m.db.Put(k, data)
}

func (m *Manager[T]) getJSON(k []byte, v interface{}) (bool, error) {
	data, err := m.db.Get(k)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", string(k), err)
	}
	return true, nil
}

// --- accounts ---

// GetAccount returns the stored account, or a fresh zero-balance account when
// the address has never been seen.
func (m *Manager[T]) GetAccount(addr []byte) (*types.Account, error) {
	acc := &types.Account{}
	ok, err := m.getJSON(key(accountPrefix, addr), acc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return types.EnsureAccount(nil), nil
	}
	return types.EnsureAccount(acc), nil
}

func (m *Manager[T]) PutAccount(addr []byte, account *types.Account) error {
	return m.putJSON(key(accountPrefix, addr), types.EnsureAccount(account))
}

// Credit adds freshly minted funds to an address. Used by genesis-style
// funding and the dev faucet, never by the protocol engines.
func (m *Manager[T]) Credit(addr []byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: credit amount must be positive")
	}
	acc, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	return m.PutAccount(addr, acc)
}

// --- listings ---

func (m *Manager[T]) ListingPut(listing *market.Listing) error {
	if listing == nil {
		return fmt.Errorf("state: nil listing")
	}
	return m.putJSON(key(listingPrefix, listing.ItemID[:]), listing)
}

func (m *Manager[T]) ListingGet(id [32]byte) (*market.Listing, bool, error) {
	listing := &market.Listing{}
	ok, err := m.getJSON(key(listingPrefix, id[:]), listing)
	if err != nil || !ok {
		return nil, false, err
	}
	return listing, true, nil
}

func (m *Manager[T]) ListingDelete(id [32]byte) error {
	return m.db.Delete(key(listingPrefix, id[:]))
}

// --- item custody ---

type itemRecord[T types.MarketItem] struct {
	Owner [20]byte `json:"owner"`
	Item  T        `json:"item"`
}

func (m *Manager[T]) ItemPut(id [32]byte, owner [20]byte, item T) error {
	return m.putJSON(key(itemPrefix, id[:]), itemRecord[T]{Owner: owner, Item: item})
}

func (m *Manager[T]) ItemGet(id [32]byte) (T, [20]byte, bool, error) {
	var record itemRecord[T]
	ok, err := m.getJSON(key(itemPrefix, id[:]), &record)
	if err != nil || !ok {
		var zero T
		return zero, [20]byte{}, false, err
	}
	return record.Item, record.Owner, true, nil
}

func (m *Manager[T]) ItemDelete(id [32]byte) error {
	return m.db.Delete(key(itemPrefix, id[:]))
}

// --- exclusive offers ---

func (m *Manager[T]) OfferPut(offer *market.ExclusiveOffer) error {
	if offer == nil {
		return fmt.Errorf("state: nil offer")
	}
	return m.putJSON(key(offerPrefix, offer.ID[:]), offer)
}

func (m *Manager[T]) OfferGet(id [32]byte) (*market.ExclusiveOffer, bool, error) {
	offer := &market.ExclusiveOffer{}
	ok, err := m.getJSON(key(offerPrefix, id[:]), offer)
	if err != nil || !ok {
		return nil, false, err
	}
	return offer, true, nil
}

func (m *Manager[T]) OfferDelete(id [32]byte) error {
	return m.db.Delete(key(offerPrefix, id[:]))
}

// --- seller profits ---

type profitRecord struct {
	Amount string `json:"amount"`
}

func (m *Manager[T]) ProfitsAdd(seller [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: profit amount must be non-negative")
	}
	current, err := m.profits(seller)
	if err != nil {
		return err
	}
	total := new(big.Int).Add(current, amount)
	return m.putJSON(key(profitPrefix, seller[:]), profitRecord{Amount: total.String()})
}

func (m *Manager[T]) ProfitsTake(seller [20]byte) (*big.Int, error) {
	current, err := m.profits(seller)
	if err != nil {
		return nil, err
	}
	if err := m.db.Delete(key(profitPrefix, seller[:])); err != nil {
		return nil, err
	}
	return current, nil
}

func (m *Manager[T]) profits(seller [20]byte) (*big.Int, error) {
	record := profitRecord{}
	ok, err := m.getJSON(key(profitPrefix, seller[:]), &record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	amount, valid := new(big.Int).SetString(record.Amount, 10)
	if !valid {
		return nil, fmt.Errorf("state: corrupt profit record for %x", seller)
	}
	return amount, nil
}

// --- reservation slots ---

func (m *Manager[T]) SlotPut(slot *escrow.Slot) error {
	if slot == nil {
		return fmt.Errorf("state: nil slot")
	}
	return m.putJSON(key(slotPrefix, slot.ItemID[:]), slot)
}

func (m *Manager[T]) SlotGet(id [32]byte) (*escrow.Slot, bool, error) {
	slot := &escrow.Slot{}
	ok, err := m.getJSON(key(slotPrefix, id[:]), slot)
	if err != nil || !ok {
		return nil, false, err
	}
	return slot, true, nil
}

func (m *Manager[T]) SlotDelete(id [32]byte) error {
	return m.db.Delete(key(slotPrefix, id[:]))
}
