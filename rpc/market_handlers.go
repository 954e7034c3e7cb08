package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"provmarket/core/types"
	"provmarket/crypto"
	"provmarket/native/escrow"
	"provmarket/native/market"
)

const (
	codeMarketInvalidParams = -32021
	codeMarketNotFound      = -32022
	codeMarketForbidden     = -32023
	codeMarketConflict      = -32024
	codeMarketInternal      = -32025
)

type marketListParams struct {
	Seller string `json:"seller"`
	Name   string `json:"name"`
	URI    string `json:"uri,omitempty"`
	Price  string `json:"price"`
}

type marketPurchaseParams struct {
	Buyer          string `json:"buyer"`
	ItemID         string `json:"itemId"`
	Challenge      string `json:"challenge"`
	BuyerPublicKey string `json:"buyerPublicKey"`
	Payment        string `json:"payment"`
	OfferID        string `json:"offerId,omitempty"`
}

type marketResponseParams struct {
	Caller    string `json:"caller"`
	ItemID    string `json:"itemId"`
	Signature string `json:"signature"`
}

type marketActorParams struct {
	Caller string `json:"caller"`
	ItemID string `json:"itemId"`
}

type marketItemParams struct {
	ItemID string `json:"itemId"`
}

type marketIssueOfferParams struct {
	Seller   string `json:"seller"`
	ItemID   string `json:"itemId"`
	Buyer    string `json:"buyer"`
	MinPrice string `json:"minPrice"`
}

type marketAddressParams struct {
	Address string `json:"address"`
}

type marketFundParams struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type listingJSON struct {
	ItemID    string `json:"itemId"`
	Seller    string `json:"seller"`
	Price     string `json:"price"`
	CreatedAt int64  `json:"createdAt"`
}

type deedJSON struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URI  string `json:"uri,omitempty"`
}

type receiptJSON struct {
	ID     string `json:"id"`
	ItemID string `json:"itemId"`
	Buyer  string `json:"buyer"`
	Seller string `json:"seller"`
	Amount string `json:"amount"`
	PaidAt int64  `json:"paidAt"`
}

type offerJSON struct {
	ID       string `json:"id"`
	ItemID   string `json:"itemId"`
	Seller   string `json:"seller"`
	Buyer    string `json:"buyer"`
	MinPrice string `json:"minPrice"`
	IssuedAt int64  `json:"issuedAt"`
}

type responseResultJSON struct {
	Outcome    string       `json:"outcome"`
	Item       *deedJSON    `json:"item,omitempty"`
	Receipt    *receiptJSON `json:"receipt,omitempty"`
	Refunded   string       `json:"refunded,omitempty"`
	Capability string       `json:"capability"`
}

type eventJSON struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

func parseBech32Address(value string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, fmt.Errorf("address must not be empty")
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return out, err
	}
	return addr.Raw(), nil
}

func parseItemID(value string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("invalid item id: %w", err)
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("item id must be %d bytes", len(out))
	}
	copy(out[:], decoded)
	return out, nil
}

func parseHexBytes(field, value string) ([]byte, error) {
	trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if trimmed == "" {
		return nil, fmt.Errorf("%s must not be empty", field)
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	return decoded, nil
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount must not be empty")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func decodeSingleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

// marketErrorCode maps engine errors onto the JSON-RPC error space so clients
// can distinguish retryable conflicts from misuse.
func marketErrorCode(err error) int {
	switch {
	case errors.Is(err, market.ErrNotListed),
		errors.Is(err, market.ErrUnknownItem),
		errors.Is(err, market.ErrOfferNotFound),
		errors.Is(err, escrow.ErrNoSlot):
		return codeMarketNotFound
	case errors.Is(err, market.ErrNotSeller),
		errors.Is(err, market.ErrWrongBuyer),
		errors.Is(err, escrow.ErrNotBuyer):
		return codeMarketForbidden
	case errors.Is(err, market.ErrAlreadyListed),
		errors.Is(err, escrow.ErrItemReserved),
		errors.Is(err, escrow.ErrNothingReserved),
		errors.Is(err, market.ErrStaleOffer):
		return codeMarketConflict
	case errors.Is(err, market.ErrWrongPrice),
		errors.Is(err, market.ErrInsufficientFunds),
		errors.Is(err, market.ErrNoProfits):
		return codeMarketInvalidParams
	default:
		return codeMarketInternal
	}
}

func writeMarketError(w http.ResponseWriter, id interface{}, err error) {
	code := marketErrorCode(err)
	status := http.StatusBadRequest
	switch code {
	case codeMarketNotFound:
		status = http.StatusNotFound
	case codeMarketForbidden:
		status = http.StatusForbidden
	case codeMarketConflict:
		status = http.StatusConflict
	case codeMarketInternal:
		status = http.StatusInternalServerError
	}
	writeError(w, status, id, code, err.Error(), nil)
}

func listingToJSON(listing *market.Listing) *listingJSON {
	if listing == nil {
		return nil
	}
	price := "0"
	if listing.Price != nil {
		price = listing.Price.String()
	}
	return &listingJSON{
		ItemID:    hex.EncodeToString(listing.ItemID[:]),
		Seller:    crypto.NewAddress(listing.Seller[:]).String(),
		Price:     price,
		CreatedAt: listing.CreatedAt,
	}
}

func deedToJSON(deed market.Deed) *deedJSON {
	return &deedJSON{
		ID:   hex.EncodeToString(deed.ID[:]),
		Name: deed.Name,
		URI:  deed.URI,
	}
}

func receiptToJSON(receipt *market.Receipt) *receiptJSON {
	if receipt == nil {
		return nil
	}
	amount := "0"
	if receipt.Amount != nil {
		amount = receipt.Amount.String()
	}
	return &receiptJSON{
		ID:     receipt.ID,
		ItemID: hex.EncodeToString(receipt.ItemID[:]),
		Buyer:  crypto.NewAddress(receipt.Buyer[:]).String(),
		Seller: crypto.NewAddress(receipt.Seller[:]).String(),
		Amount: amount,
		PaidAt: receipt.PaidAt,
	}
}

func offerToJSON(offer *market.ExclusiveOffer) *offerJSON {
	if offer == nil {
		return nil
	}
	minPrice := "0"
	if offer.MinPrice != nil {
		minPrice = offer.MinPrice.String()
	}
	return &offerJSON{
		ID:       hex.EncodeToString(offer.ID[:]),
		ItemID:   hex.EncodeToString(offer.ItemID[:]),
		Seller:   crypto.NewAddress(offer.Seller[:]).String(),
		Buyer:    crypto.NewAddress(offer.Buyer[:]).String(),
		MinPrice: minPrice,
		IssuedAt: offer.IssuedAt,
	}
}

func (s *Server) handleMarketList(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params marketListParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	seller, err := parseBech32Address(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	if strings.TrimSpace(params.Name) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", "item name must not be empty")
		return
	}
	price, err := parsePositiveBigInt(params.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	deed := market.NewDeed(seller, strings.TrimSpace(params.Name), strings.TrimSpace(params.URI))
	listing, err := s.engine.List(seller, price, deed)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, listingToJSON(listing))
}

func (s *Server) handleMarketPurchase(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params marketPurchaseParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	buyer, err := parseBech32Address(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	itemID, err := parseItemID(params.ItemID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	challenge, err := parseHexBytes("challenge", params.Challenge)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	buyerPublicKey, err := parseHexBytes("buyer public key", params.BuyerPublicKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	payment, err := parsePositiveBigInt(params.Payment)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	var offerID *[32]byte
	if strings.TrimSpace(params.OfferID) != "" {
		parsed, err := parseItemID(params.OfferID)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
			return
		}
		offerID = &parsed
	}
	if err := s.engine.Purchase(buyer, itemID, challenge, buyerPublicKey, payment, offerID); err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{
		"reserved":  true,
		"itemId":    hex.EncodeToString(itemID[:]),
		"challenge": hex.EncodeToString(challenge),
	})
}

func (s *Server) handleMarketSubmitResponse(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params marketResponseParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	itemID, err := parseItemID(params.ItemID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	signature, err := parseHexBytes("signature", params.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	result, err := s.engine.SubmitResponse(caller, itemID, signature)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	out := &responseResultJSON{
		Outcome:    result.Outcome.String(),
		Capability: result.Capability.String(),
	}
	if result.Outcome == escrow.OutcomeSettled {
		out.Item = deedToJSON(result.Item)
		out.Receipt = receiptToJSON(result.Receipt)
	}
	if result.Refunded != nil {
		out.Refunded = result.Refunded.String()
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleMarketWithdraw(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params marketActorParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	itemID, err := parseItemID(params.ItemID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.Withdraw(caller, itemID); err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"withdrawn": true})
}

func (s *Server) handleMarketDelist(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params marketActorParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	itemID, err := parseItemID(params.ItemID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.Delist(caller, itemID); err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"delisted": true})
}

func (s *Server) handleMarketTake(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params marketActorParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	itemID, err := parseItemID(params.ItemID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	item, err := s.engine.Take(caller, itemID)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, deedToJSON(item))
}

func (s *Server) handleMarketIssueOffer(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params marketIssueOfferParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	seller, err := parseBech32Address(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	buyer, err := parseBech32Address(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	itemID, err := parseItemID(params.ItemID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	minPrice, err := parsePositiveBigInt(params.MinPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	offer, err := s.engine.IssueOffer(seller, itemID, buyer, minPrice)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, offerToJSON(offer))
}

func (s *Server) handleMarketWithdrawProfits(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params marketAddressParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	seller, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := s.engine.WithdrawProfits(seller)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"amount": amount.String()})
}

func (s *Server) handleMarketFund(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if !s.devFaucet {
		writeError(w, http.StatusForbidden, req.ID, codeMarketForbidden, "dev faucet disabled", nil)
		return
	}
	var params marketFundParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	target, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.manager.Credit(target[:], amount); err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeMarketInternal, err.Error(), nil)
		return
	}
	acc, err := s.manager.GetAccount(target[:])
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeMarketInternal, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, map[string]string{
		"address": crypto.NewAddress(target[:]).String(),
		"balance": types.EnsureAccount(acc).Balance.String(),
	})
}

func (s *Server) handleMarketIsPurchasable(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params marketItemParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	itemID, err := parseItemID(params.ItemID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	purchasable, err := s.engine.IsPurchasable(itemID)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"purchasable": purchasable})
}

func (s *Server) handleMarketGetListing(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params marketItemParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	itemID, err := parseItemID(params.ItemID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	listing, err := s.engine.ListingOf(itemID)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, listingToJSON(listing))
}

func (s *Server) handleMarketBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params marketAddressParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.engine.BalanceOf(addr)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{
		"address": crypto.NewAddress(addr[:]).String(),
		"balance": balance.String(),
	})
}

func (s *Server) handleMarketListEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if s.recorder == nil {
		writeResult(w, req.ID, []eventJSON{})
		return
	}
	records := s.recorder.Events()
	out := make([]eventJSON, 0, len(records))
	for _, record := range records {
		if record == nil {
			continue
		}
		out = append(out, eventJSON{Type: record.Type, Attributes: record.Attributes})
	}
	writeResult(w, req.ID, out)
}
