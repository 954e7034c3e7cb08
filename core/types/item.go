package types

// MarketItem is the capability contract a type must satisfy to be listed on
// the marketplace: a stable 32-byte identifier for the item's listed lifetime.
// Ownership transfer is expressed by moving the value itself between ledger
// custody and callers, so no mutator is required here.
type MarketItem interface {
	MarketID() [32]byte
}
