package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"provmarket/core/events"
	"provmarket/core/state"
	"provmarket/crypto"
	"provmarket/native/escrow"
	"provmarket/native/market"
	"provmarket/storage"
)

const testToken = "test-rpc-token"

var (
	escrowVault  = testAddr(0xAA)
	profitsVault = testAddr(0xBB)
)

func testAddr(fill byte) [20]byte {
	var out [20]byte
	for i := range out {
		out[i] = fill
	}
	return out
}

func newTestServer(t *testing.T) (*Server, *state.Manager[market.Deed]) {
	t.Helper()
	t.Setenv("PM_RPC_TOKEN", testToken)
	manager := state.NewManager[market.Deed](storage.NewMemDB())
	ledger := market.NewLedger[market.Deed](manager, profitsVault)
	engine := escrow.NewEngine[market.Deed](manager, ledger, escrowVault)
	recorder := events.NewRecorder(128)
	engine.SetEmitter(recorder)
	ledger.SetEmitter(recorder)
	srv := NewServer(engine, manager, recorder)
	srv.EnableDevFaucet()
	return srv, manager
}

func doRPC(t *testing.T, handler http.Handler, token, method string, params interface{}) RPCResponse {
	t.Helper()
	var rawParams []json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		require.NoError(t, err)
		rawParams = []json.RawMessage{encoded}
	}
	body, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: method, Params: rawParams, ID: 1})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var resp RPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func resultMap(t *testing.T, resp RPCResponse) map[string]interface{} {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected rpc error: %+v", resp.Error)
	encoded, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(encoded, &out))
	return out
}

func TestMutatingMethodsRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Router()

	resp := doRPC(t, handler, "", "market_list", marketListParams{})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	resp = doRPC(t, handler, "wrong-token", "market_withdrawProfits", marketAddressParams{})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeUnauthorized, resp.Error.Code)
}

func TestUnknownMethodReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := doRPC(t, srv.Router(), "", "market_bogus", nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestFullPurchaseFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Router()

	sellerKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	buyerKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	sellerAddr := sellerKey.PubKey().Address().String()
	buyerAddr := buyerKey.PubKey().Address().String()

	// Fund the buyer through the dev faucet.
	resp := doRPC(t, handler, testToken, "market_fund", marketFundParams{Address: buyerAddr, Amount: "100"})
	fund := resultMap(t, resp)
	require.Equal(t, "100", fund["balance"])

	// List a deed.
	resp = doRPC(t, handler, testToken, "market_list", marketListParams{
		Seller: sellerAddr,
		Name:   "parcel-1",
		URI:    "ipfs://parcel-1",
		Price:  "100",
	})
	listing := resultMap(t, resp)
	itemID, ok := listing["itemId"].(string)
	require.True(t, ok)
	require.Len(t, itemID, 64)

	// The item is purchasable while listed and unreserved.
	resp = doRPC(t, handler, "", "market_isPurchasable", marketItemParams{ItemID: itemID})
	require.Equal(t, true, resultMap(t, resp)["purchasable"])

	// Reserve with a challenge.
	challenge := []byte("prove-it")
	resp = doRPC(t, handler, testToken, "market_purchase", marketPurchaseParams{
		Buyer:          buyerAddr,
		ItemID:         itemID,
		Challenge:      hex.EncodeToString(challenge),
		BuyerPublicKey: hex.EncodeToString(buyerKey.PubKey().CompressedBytes()),
		Payment:        "100",
	})
	purchase := resultMap(t, resp)
	require.Equal(t, true, purchase["reserved"])

	resp = doRPC(t, handler, "", "market_isPurchasable", marketItemParams{ItemID: itemID})
	require.Equal(t, false, resultMap(t, resp)["purchasable"])

	// A second buyer is rejected with a conflict.
	resp = doRPC(t, handler, testToken, "market_purchase", marketPurchaseParams{
		Buyer:          sellerAddr,
		ItemID:         itemID,
		Challenge:      hex.EncodeToString(challenge),
		BuyerPublicKey: hex.EncodeToString(buyerKey.PubKey().CompressedBytes()),
		Payment:        "100",
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeMarketConflict, resp.Error.Code)

	// The seller proves knowledge of the challenge response.
	signature, err := crypto.SignChallenge(buyerKey, challenge)
	require.NoError(t, err)
	resp = doRPC(t, handler, testToken, "market_submitResponse", marketResponseParams{
		Caller:    sellerAddr,
		ItemID:    itemID,
		Signature: hex.EncodeToString(signature),
	})
	result := resultMap(t, resp)
	require.Equal(t, "settled", result["outcome"])
	require.NotNil(t, result["receipt"])

	// Profits are claimable by the seller.
	resp = doRPC(t, handler, testToken, "market_withdrawProfits", marketAddressParams{Address: sellerAddr})
	require.Equal(t, "100", resultMap(t, resp)["amount"])

	resp = doRPC(t, handler, "", "market_balance", marketAddressParams{Address: sellerAddr})
	require.Equal(t, "100", resultMap(t, resp)["balance"])
	resp = doRPC(t, handler, "", "market_balance", marketAddressParams{Address: buyerAddr})
	require.Equal(t, "0", resultMap(t, resp)["balance"])

	// The full lifecycle is visible through the event log.
	resp = doRPC(t, handler, "", "market_listEvents", nil)
	require.Nil(t, resp.Error)
	encoded, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var recorded []eventJSON
	require.NoError(t, json.Unmarshal(encoded, &recorded))
	typesSeen := map[string]bool{}
	for _, evt := range recorded {
		typesSeen[evt.Type] = true
	}
	require.True(t, typesSeen[events.TypeItemListed])
	require.True(t, typesSeen[events.TypeChallengeIssued])
	require.True(t, typesSeen[events.TypeTradeSettled])
}

func TestWithdrawReturnsDeposit(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Router()

	sellerKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	buyerKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	sellerAddr := sellerKey.PubKey().Address().String()
	buyerAddr := buyerKey.PubKey().Address().String()

	resp := doRPC(t, handler, testToken, "market_fund", marketFundParams{Address: buyerAddr, Amount: "50"})
	require.Nil(t, resp.Error)
	resp = doRPC(t, handler, testToken, "market_list", marketListParams{Seller: sellerAddr, Name: "parcel-2", Price: "50"})
	itemID := resultMap(t, resp)["itemId"].(string)

	resp = doRPC(t, handler, testToken, "market_purchase", marketPurchaseParams{
		Buyer:          buyerAddr,
		ItemID:         itemID,
		Challenge:      hex.EncodeToString([]byte("r")),
		BuyerPublicKey: hex.EncodeToString(buyerKey.PubKey().CompressedBytes()),
		Payment:        "50",
	})
	require.Nil(t, resp.Error)

	// Only the reserving buyer may withdraw.
	resp = doRPC(t, handler, testToken, "market_withdraw", marketActorParams{Caller: sellerAddr, ItemID: itemID})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeMarketForbidden, resp.Error.Code)

	resp = doRPC(t, handler, testToken, "market_withdraw", marketActorParams{Caller: buyerAddr, ItemID: itemID})
	require.Equal(t, true, resultMap(t, resp)["withdrawn"])

	resp = doRPC(t, handler, "", "market_balance", marketAddressParams{Address: buyerAddr})
	require.Equal(t, "50", resultMap(t, resp)["balance"])

	// The listing survives the withdrawal.
	resp = doRPC(t, handler, "", "market_isPurchasable", marketItemParams{ItemID: itemID})
	require.Equal(t, true, resultMap(t, resp)["purchasable"])
}

func TestInvalidParamsRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Router()

	resp := doRPC(t, handler, testToken, "market_list", marketListParams{Seller: "not-an-address", Name: "x", Price: "1"})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeMarketInvalidParams, resp.Error.Code)

	resp = doRPC(t, handler, "", "market_getListing", marketItemParams{ItemID: "zz"})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeMarketInvalidParams, resp.Error.Code)

	resp = doRPC(t, handler, "", "market_getListing", marketItemParams{ItemID: hex.EncodeToString(bytes.Repeat([]byte{0x01}, 32))})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeMarketNotFound, resp.Error.Code)
}

func TestSetTimeouts(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.SetTimeouts(30, 90)
	require.Equal(t, 30*time.Second, srv.readTimeout)
	require.Equal(t, 90*time.Second, srv.idleTimeout)

	// Non-positive values leave the configured settings alone.
	srv.SetTimeouts(0, -1)
	require.Equal(t, 30*time.Second, srv.readTimeout)
	require.Equal(t, 90*time.Second, srv.idleTimeout)
}

func TestRateLimiterThrottles(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.SetRateLimit(1, 2)
	handler := srv.Router()

	var throttled bool
	for i := 0; i < 5; i++ {
		resp := doRPC(t, handler, "", "market_listEvents", nil)
		if resp.Error != nil && resp.Error.Code == codeRateLimited {
			throttled = true
			break
		}
	}
	require.True(t, throttled, "expected the per-source limiter to reject a burst")
}
