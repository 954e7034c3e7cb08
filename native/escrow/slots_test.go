package escrow

import (
	"errors"
	"math/big"
	"testing"
)

func newTestSlots() (*SlotStore, *mockState) {
	st := newMockState()
	return NewSlotStore(st), st
}

func testIntent(buyerFill byte) *PurchaseIntent {
	return &PurchaseIntent{
		Challenge:      []byte("challenge"),
		BuyerPublicKey: []byte{0x02, 0x03},
		EscrowedFunds:  big.NewInt(100),
		Buyer:          newTestAddress(buyerFill),
	}
}

func TestSlotCreateRejectsDuplicates(t *testing.T) {
	slots, _ := newTestSlots()
	id := newTestItem(0x01, "x").ID

	if err := slots.Create(id); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := slots.Create(id); !errors.Is(err, ErrDuplicateSlot) {
		t.Fatalf("expected ErrDuplicateSlot, got %v", err)
	}
}

func TestSlotReserveRequiresSlot(t *testing.T) {
	slots, _ := newTestSlots()
	id := newTestItem(0x02, "x").ID

	if err := slots.Reserve(id, testIntent(0x10)); !errors.Is(err, ErrNoSlot) {
		t.Fatalf("expected ErrNoSlot, got %v", err)
	}
	if err := slots.Create(id); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := slots.Reserve(id, testIntent(0x10)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := slots.Reserve(id, testIntent(0x11)); !errors.Is(err, ErrItemReserved) {
		t.Fatalf("expected ErrItemReserved for occupied slot, got %v", err)
	}
}

func TestSlotTakeIntentEmptiesSlot(t *testing.T) {
	slots, _ := newTestSlots()
	id := newTestItem(0x03, "x").ID

	if err := slots.Create(id); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := slots.TakeIntent(id); !errors.Is(err, ErrNothingReserved) {
		t.Fatalf("expected ErrNothingReserved on empty slot, got %v", err)
	}
	if err := slots.Reserve(id, testIntent(0x10)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	intent, err := slots.TakeIntent(id)
	if err != nil {
		t.Fatalf("take intent: %v", err)
	}
	if intent.Buyer != newTestAddress(0x10) {
		t.Fatalf("expected stored intent returned")
	}
	if _, err := slots.TakeIntent(id); !errors.Is(err, ErrNothingReserved) {
		t.Fatalf("expected ErrNothingReserved on second take, got %v", err)
	}
	occupied, err := slots.Occupied(id)
	if err != nil {
		t.Fatalf("occupied: %v", err)
	}
	if occupied {
		t.Fatalf("expected slot empty after take")
	}
}

func TestSlotRemoveGuardsUnresolvedIntent(t *testing.T) {
	slots, st := newTestSlots()
	id := newTestItem(0x04, "x").ID

	if err := slots.Create(id); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := slots.Reserve(id, testIntent(0x10)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := slots.Remove(id); !errors.Is(err, ErrUnresolvedIntent) {
		t.Fatalf("expected ErrUnresolvedIntent, got %v", err)
	}
	if _, err := slots.TakeIntent(id); err != nil {
		t.Fatalf("take intent: %v", err)
	}
	if err := slots.Remove(id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := st.slots[id]; ok {
		t.Fatalf("expected slot deleted")
	}
	// Removing an absent slot is idempotent.
	if err := slots.Remove(id); err != nil {
		t.Fatalf("remove absent slot: %v", err)
	}
}

func TestSecondResponseAfterSettlement(t *testing.T) {
	engine, st := newTestEngine(t)
	item := newTestItem(0x05, "deed-second")
	keys := newBuyerKeys(t)
	challenge := []byte("r1")

	listItem(t, engine, item, 100)
	reserve(t, engine, st, item, keys, challenge, 100)

	sig := keys.sign(t, challenge)
	if _, err := engine.SubmitResponse(seller, item.ID, sig); err != nil {
		t.Fatalf("settle: %v", err)
	}
	// The sold item is no longer listed, so the slot (and listing) are gone.
	if _, err := engine.SubmitResponse(seller, item.ID, sig); err == nil {
		t.Fatalf("expected second response after settlement to fail")
	}
}
