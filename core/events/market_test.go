package events

import (
	"fmt"
	"math/big"
	"testing"

	"provmarket/crypto"
)

func testID(fill byte) [32]byte {
	var out [32]byte
	for i := range out {
		out[i] = fill
	}
	return out
}

func testAddr(fill byte) [20]byte {
	var out [20]byte
	for i := range out {
		out[i] = fill
	}
	return out
}

func TestItemListedAttributes(t *testing.T) {
	evt := ItemListed{ItemID: testID(0x11), Seller: testAddr(0x01), Price: big.NewInt(100)}
	if evt.EventType() != TypeItemListed {
		t.Fatalf("unexpected event type %q", evt.EventType())
	}
	record := evt.Event()
	if record.Type != TypeItemListed {
		t.Fatalf("unexpected record type %q", record.Type)
	}
	if got := record.Attributes["price"]; got != "100" {
		t.Fatalf("unexpected price attribute %q", got)
	}
	wantSeller := crypto.NewAddress(evt.Seller[:]).String()
	if got := record.Attributes["seller"]; got != wantSeller {
		t.Fatalf("seller attribute %q, want %q", got, wantSeller)
	}
}

func TestChallengeIssuedEncodesChallengeHex(t *testing.T) {
	evt := ChallengeIssued{ItemID: testID(0x22), Challenge: []byte{0xDE, 0xAD}, Buyer: testAddr(0x02)}
	record := evt.Event()
	if got := record.Attributes["challenge"]; got != "dead" {
		t.Fatalf("challenge attribute %q, want %q", got, "dead")
	}
}

func TestTradeSettledCarriesReceipt(t *testing.T) {
	evt := TradeSettled{
		ItemID:  testID(0x33),
		Buyer:   testAddr(0x02),
		Seller:  testAddr(0x01),
		Amount:  big.NewInt(90),
		Receipt: "receipt-1",
	}
	record := evt.Event()
	if got := record.Attributes["receipt"]; got != "receipt-1" {
		t.Fatalf("receipt attribute %q", got)
	}
	if got := record.Attributes["amount"]; got != "90" {
		t.Fatalf("amount attribute %q", got)
	}
}

func TestFormatAmountHandlesNil(t *testing.T) {
	evt := TradeRefunded{ItemID: testID(0x44), Buyer: testAddr(0x02)}
	if got := evt.Event().Attributes["amount"]; got != "0" {
		t.Fatalf("nil amount rendered as %q, want %q", got, "0")
	}
}

func TestRecorderRetainsEmissionOrder(t *testing.T) {
	rec := NewRecorder(8)
	rec.Emit(ItemListed{ItemID: testID(0x01), Seller: testAddr(0x01), Price: big.NewInt(1)})
	rec.Emit(ChallengeIssued{ItemID: testID(0x01), Challenge: []byte{0x01}, Buyer: testAddr(0x02)})

	got := rec.Events()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != TypeItemListed || got[1].Type != TypeChallengeIssued {
		t.Fatalf("unexpected order: %q, %q", got[0].Type, got[1].Type)
	}
}

func TestRecorderDropsOldestBeyondLimit(t *testing.T) {
	rec := NewRecorder(2)
	for i := 0; i < 3; i++ {
		rec.Emit(TradeSettled{
			ItemID:  testID(byte(i)),
			Buyer:   testAddr(0x02),
			Seller:  testAddr(0x01),
			Amount:  big.NewInt(int64(i)),
			Receipt: fmt.Sprintf("r-%d", i),
		})
	}
	got := rec.Events()
	if len(got) != 2 {
		t.Fatalf("expected 2 retained events, got %d", len(got))
	}
	if got[0].Attributes["receipt"] != "r-1" || got[1].Attributes["receipt"] != "r-2" {
		t.Fatalf("expected oldest event dropped, got %v", []string{got[0].Attributes["receipt"], got[1].Attributes["receipt"]})
	}
}

type opaqueEvent struct{}

func (opaqueEvent) EventType() string { return "test.opaque" }

func TestRecorderIgnoresEventsWithoutPayload(t *testing.T) {
	rec := NewRecorder(8)
	rec.Emit(opaqueEvent{})
	if got := rec.Events(); len(got) != 0 {
		t.Fatalf("expected no retained events, got %d", len(got))
	}
}
