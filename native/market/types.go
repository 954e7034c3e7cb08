package market

import (
	"errors"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrNilState          = errors.New("market: state not configured")
	ErrAlreadyListed     = errors.New("market: item already listed")
	ErrNotListed         = errors.New("market: item not listed")
	ErrUnknownItem       = errors.New("market: unknown item")
	ErrNotSeller         = errors.New("market: caller is not the seller")
	ErrWrongPrice        = errors.New("market: payment does not match price")
	ErrWrongBuyer        = errors.New("market: offer issued to a different buyer")
	ErrOfferNotFound     = errors.New("market: exclusive offer not found")
	ErrStaleOffer        = errors.New("market: offer no longer matches the listing")
	ErrNoProfits         = errors.New("market: no profits to withdraw")
	ErrInsufficientFunds = errors.New("market: insufficient balance")
)

// Listing records one item offered for sale at a fixed price.
type Listing struct {
	ItemID    [32]byte `json:"itemId"`
	Seller    [20]byte `json:"seller"`
	Price     *big.Int `json:"price"`
	CreatedAt int64    `json:"createdAt"`
}

// Clone returns a deep copy of the listing.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Price != nil {
		clone.Price = new(big.Int).Set(l.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	return &clone
}

// ExclusiveOffer is a seller-issued capability letting one specific buyer
// purchase the item at or above a minimum price, bypassing the listed price
// check. It is consumed on settlement.
type ExclusiveOffer struct {
	ID       [32]byte `json:"id"`
	ItemID   [32]byte `json:"itemId"`
	Seller   [20]byte `json:"seller"`
	Buyer    [20]byte `json:"buyer"`
	MinPrice *big.Int `json:"minPrice"`
	IssuedAt int64    `json:"issuedAt"`
}

// Clone returns a deep copy of the offer.
func (o *ExclusiveOffer) Clone() *ExclusiveOffer {
	if o == nil {
		return nil
	}
	clone := *o
	if o.MinPrice != nil {
		clone.MinPrice = new(big.Int).Set(o.MinPrice)
	} else {
		clone.MinPrice = big.NewInt(0)
	}
	return &clone
}

// OfferID derives the deterministic identifier of an exclusive offer from its
// immutable fields, so re-issuing the same offer is idempotent.
func OfferID(itemID [32]byte, seller, buyer [20]byte, minPrice *big.Int) [32]byte {
	amount := big.NewInt(0)
	if minPrice != nil {
		amount = minPrice
	}
	return ethcrypto.Keccak256Hash(itemID[:], seller[:], buyer[:], amount.Bytes())
}

// Receipt is the transfer record handed to the buyer when a purchase settles.
type Receipt struct {
	ID     string   `json:"id"`
	ItemID [32]byte `json:"itemId"`
	Buyer  [20]byte `json:"buyer"`
	Seller [20]byte `json:"seller"`
	Amount *big.Int `json:"amount"`
	PaidAt int64    `json:"paidAt"`
}

// Deed is the concrete market item served by the daemon: a named,
// ownership-transferable record identified by a keccak hash of its content
// and original seller.
type Deed struct {
	ID   [32]byte `json:"id"`
	Name string   `json:"name"`
	URI  string   `json:"uri"`
}

// MarketID implements types.MarketItem.
func (d Deed) MarketID() [32]byte { return d.ID }

// NewDeed mints a deed whose identifier is stable for the (seller, name, uri)
// tuple.
func NewDeed(seller [20]byte, name, uri string) Deed {
	return Deed{
		ID:   ethcrypto.Keccak256Hash(seller[:], []byte(name), []byte(uri)),
		Name: name,
		URI:  uri,
	}
}
