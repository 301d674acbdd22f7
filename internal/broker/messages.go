package broker

import (
	"encoding/json"
	"fmt"
)

// Envelope is one parsed broker frame. Exactly one of the payload fields
// is set depending on MsgType.
type Envelope struct {
	MsgType      string            `json:"msg_type"`
	ReqID        int64             `json:"req_id,omitempty"`
	Error        *APIError         `json:"error,omitempty"`
	Authorize    *AuthorizeResult  `json:"authorize,omitempty"`
	Proposal     *ProposalResult   `json:"proposal,omitempty"`
	Buy          *BuyResult        `json:"buy,omitempty"`
	Contract     *ContractResult   `json:"proposal_open_contract,omitempty"`
	Tick         *TickResult       `json:"tick,omitempty"`
	Subscription *SubscriptionInfo `json:"subscription,omitempty"`
	EchoReq      json.RawMessage   `json:"echo_req,omitempty"`
}

// AuthorizeResult is the payload of an authorize response
type AuthorizeResult struct {
	LoginID  string  `json:"loginid"`
	Balance  float64 `json:"balance"`
	Currency string  `json:"currency"`
}

// ProposalResult is a quoted price/payout for a prospective contract
type ProposalResult struct {
	ID       string  `json:"id"`
	AskPrice float64 `json:"ask_price"`
	Payout   float64 `json:"payout"`
	Spot     float64 `json:"spot"`
}

// BuyResult is the payload of a buy response
type BuyResult struct {
	ContractID    int64   `json:"contract_id"`
	BuyPrice      float64 `json:"buy_price"`
	TransactionID int64   `json:"transaction_id"`
	StartTime     int64   `json:"start_time"`
}

// ContractResult is one update from a contract lifecycle subscription
type ContractResult struct {
	ContractID int64   `json:"contract_id"`
	Status     string  `json:"status"` // open, won, lost, sold, cancelled
	IsSold     int     `json:"is_sold"`
	Profit     float64 `json:"profit"`
	EntrySpot  float64 `json:"entry_spot"`
	ExitTick   float64 `json:"exit_tick"`
	Payout     float64 `json:"payout"`
}

// TickResult is one price tick push
type TickResult struct {
	Symbol string  `json:"symbol"`
	Quote  float64 `json:"quote"`
	Epoch  int64   `json:"epoch"`
}

// SubscriptionInfo carries the broker-assigned stream id needed to forget
type SubscriptionInfo struct {
	ID string `json:"id"`
}

// Request builders. SendRequest injects req_id, so payloads carry
// everything else.

// AuthorizeRequest builds an authorize payload for a credential token
func AuthorizeRequest(token string) map[string]interface{} {
	return map[string]interface{}{"authorize": token}
}

// ProposalRequest builds a pricing request for a tick contract
func ProposalRequest(symbol, contractType, currency string, stake float64, durationTicks int) map[string]interface{} {
	return map[string]interface{}{
		"proposal":      1,
		"amount":        stake,
		"basis":         "stake",
		"contract_type": contractType,
		"currency":      currency,
		"duration":      durationTicks,
		"duration_unit": "t",
		"symbol":        symbol,
	}
}

// BuyRequest builds a buy payload for a quoted proposal
func BuyRequest(proposalID string, price float64) map[string]interface{} {
	return map[string]interface{}{
		"buy":   proposalID,
		"price": price,
	}
}

// ContractSubscribeRequest builds a contract lifecycle subscription payload
func ContractSubscribeRequest(contractID int64) map[string]interface{} {
	return map[string]interface{}{
		"proposal_open_contract": 1,
		"contract_id":            contractID,
		"subscribe":              1,
	}
}

// TicksSubscribeRequest builds a tick stream subscription payload
func TicksSubscribeRequest(symbol string) map[string]interface{} {
	return map[string]interface{}{
		"ticks":     symbol,
		"subscribe": 1,
	}
}

// ForgetRequest builds an unsubscribe payload for a stream id
func ForgetRequest(subscriptionID string) map[string]interface{} {
	return map[string]interface{}{"forget": subscriptionID}
}

// ContractKey is the subscription routing key for a contract stream
func ContractKey(contractID int64) string {
	return fmt.Sprintf("contract:%d", contractID)
}

// TickKey is the subscription routing key for an instrument tick stream
func TickKey(symbol string) string {
	return "tick:" + symbol
}
