package events

import (
	"encoding/hex"
	"math/big"

	"provmarket/core/types"
	"provmarket/crypto"
)

const (
	TypeItemListed         = "market.listed"
	TypeItemDelisted       = "market.delisted"
	TypeItemTaken          = "market.taken"
	TypeOfferIssued        = "market.offer_issued"
	TypeTradeSettled       = "market.settled"
	TypeTradeRefunded      = "market.refunded"
	TypeChallengeIssued    = "escrow.challenge_issued"
	TypeChallengeWithdrawn = "escrow.challenge_withdrawn"
)

type ItemListed struct {
	ItemID [32]byte
	Seller [20]byte
	Price  *big.Int
}

func (ItemListed) EventType() string { return TypeItemListed }

func (e ItemListed) Event() *types.Event {
	return &types.Event{
		Type: TypeItemListed,
		Attributes: map[string]string{
			"itemId": hex.EncodeToString(e.ItemID[:]),
			"seller": crypto.NewAddress(e.Seller[:]).String(),
			"price":  formatAmount(e.Price),
		},
	}
}

type ItemDelisted struct {
	ItemID [32]byte
	Seller [20]byte
}

func (ItemDelisted) EventType() string { return TypeItemDelisted }

func (e ItemDelisted) Event() *types.Event {
	return &types.Event{
		Type: TypeItemDelisted,
		Attributes: map[string]string{
			"itemId": hex.EncodeToString(e.ItemID[:]),
			"seller": crypto.NewAddress(e.Seller[:]).String(),
		},
	}
}

type ItemTaken struct {
	ItemID [32]byte
	Seller [20]byte
}

func (ItemTaken) EventType() string { return TypeItemTaken }

func (e ItemTaken) Event() *types.Event {
	return &types.Event{
		Type: TypeItemTaken,
		Attributes: map[string]string{
			"itemId": hex.EncodeToString(e.ItemID[:]),
			"seller": crypto.NewAddress(e.Seller[:]).String(),
		},
	}
}

type OfferIssued struct {
	OfferID  [32]byte
	ItemID   [32]byte
	Buyer    [20]byte
	MinPrice *big.Int
}

func (OfferIssued) EventType() string { return TypeOfferIssued }

func (e OfferIssued) Event() *types.Event {
	return &types.Event{
		Type: TypeOfferIssued,
		Attributes: map[string]string{
			"offerId":  hex.EncodeToString(e.OfferID[:]),
			"itemId":   hex.EncodeToString(e.ItemID[:]),
			"buyer":    crypto.NewAddress(e.Buyer[:]).String(),
			"minPrice": formatAmount(e.MinPrice),
		},
	}
}

// ChallengeIssued is emitted when a buyer reserves an item. The attribute
// shape (item id, challenge bytes, buyer address) is part of the protocol's
// observable surface and must stay stable.
type ChallengeIssued struct {
	ItemID    [32]byte
	Challenge []byte
	Buyer     [20]byte
}

func (ChallengeIssued) EventType() string { return TypeChallengeIssued }

func (e ChallengeIssued) Event() *types.Event {
	return &types.Event{
		Type: TypeChallengeIssued,
		Attributes: map[string]string{
			"itemId":    hex.EncodeToString(e.ItemID[:]),
			"challenge": hex.EncodeToString(e.Challenge),
			"buyer":     crypto.NewAddress(e.Buyer[:]).String(),
		},
	}
}

// ChallengeWithdrawn is emitted when the reserving buyer cancels their own
// reservation before the seller responds.
type ChallengeWithdrawn struct {
	ItemID [32]byte
	Buyer  [20]byte
}

func (ChallengeWithdrawn) EventType() string { return TypeChallengeWithdrawn }

func (e ChallengeWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeChallengeWithdrawn,
		Attributes: map[string]string{
			"itemId": hex.EncodeToString(e.ItemID[:]),
			"buyer":  crypto.NewAddress(e.Buyer[:]).String(),
		},
	}
}

type TradeSettled struct {
	ItemID  [32]byte
	Buyer   [20]byte
	Seller  [20]byte
	Amount  *big.Int
	Receipt string
}

func (TradeSettled) EventType() string { return TypeTradeSettled }

func (e TradeSettled) Event() *types.Event {
	return &types.Event{
		Type: TypeTradeSettled,
		Attributes: map[string]string{
			"itemId":  hex.EncodeToString(e.ItemID[:]),
			"buyer":   crypto.NewAddress(e.Buyer[:]).String(),
			"seller":  crypto.NewAddress(e.Seller[:]).String(),
			"amount":  formatAmount(e.Amount),
			"receipt": e.Receipt,
		},
	}
}

type TradeRefunded struct {
	ItemID [32]byte
	Buyer  [20]byte
	Amount *big.Int
}

func (TradeRefunded) EventType() string { return TypeTradeRefunded }

func (e TradeRefunded) Event() *types.Event {
	return &types.Event{
		Type: TypeTradeRefunded,
		Attributes: map[string]string{
			"itemId": hex.EncodeToString(e.ItemID[:]),
			"buyer":  crypto.NewAddress(e.Buyer[:]).String(),
			"amount": formatAmount(e.Amount),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
