package wsproto

import (
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"
)

// Error codes per the JSON-RPC envelope.
const (
	CodeParseError    = -32700
	CodeInvalidParams = -32602
)

// Method names recognized on inbound requests.
const (
	MethodAccountSubscribe   = "accountSubscribe"
	MethodProgramSubscribe   = "programSubscribe"
	MethodAccountUnsubscribe = "accountUnsubscribe"
	MethodProgramUnsubscribe = "programUnsubscribe"
	MethodSlotSubscribe      = "slotSubscribe"
	MethodSlotUnsubscribe    = "slotUnsubscribe"
)

// SubRequest is an inbound JSON-RPC call. Params is left raw because its shape
// depends on Method.
type SubRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// SubOptions carries the subscribe-time encoding hint and commitment level.
// Encoding is accepted but not otherwise consulted: notification data is
// always zstd+base64 regardless (see notification.go).
type SubOptions struct {
	Encoding   string `json:"encoding,omitempty"`
	Commitment string `json:"commitment,omitempty"`
}

// SubscribeParams is the decoded params of an accountSubscribe/programSubscribe call.
type SubscribeParams struct {
	Pubkey  Pubkey
	Options SubOptions
}

// UnsubscribeParams is the decoded params of an *Unsubscribe call.
type UnsubscribeParams struct {
	ID SubID
}

// ParseSubscribeParams decodes params of shape `[pubkey_base58, options]`.
func ParseSubscribeParams(raw json.RawMessage) (SubscribeParams, error) {
	var tuple []json.RawMessage
	if err := json.Unmarshal(raw, &tuple); err != nil {
		return SubscribeParams{}, fmt.Errorf("params must be an array: %w", err)
	}
	if len(tuple) < 1 {
		return SubscribeParams{}, fmt.Errorf("params must contain a pubkey")
	}

	var encoded string
	if err := json.Unmarshal(tuple[0], &encoded); err != nil {
		return SubscribeParams{}, fmt.Errorf("pubkey must be a base58 string: %w", err)
	}
	raw58, err := base58.Decode(encoded)
	if err != nil {
		return SubscribeParams{}, fmt.Errorf("invalid base58 pubkey: %w", err)
	}
	if len(raw58) != len(Pubkey{}) {
		return SubscribeParams{}, fmt.Errorf("pubkey must decode to 32 bytes, got %d", len(raw58))
	}
	var key Pubkey
	copy(key[:], raw58)

	var opts SubOptions
	if len(tuple) > 1 {
		if err := json.Unmarshal(tuple[1], &opts); err != nil {
			return SubscribeParams{}, fmt.Errorf("invalid subscribe options: %w", err)
		}
	}

	return SubscribeParams{Pubkey: key, Options: opts}, nil
}

// ParseUnsubscribeParams decodes params of shape `[subid]`.
func ParseUnsubscribeParams(raw json.RawMessage) (UnsubscribeParams, error) {
	var tuple []uint64
	if err := json.Unmarshal(raw, &tuple); err != nil {
		return UnsubscribeParams{}, fmt.Errorf("params must be an array: %w", err)
	}
	if len(tuple) < 1 {
		return UnsubscribeParams{}, fmt.Errorf("params must contain a subscription id")
	}
	return UnsubscribeParams{ID: SubID(tuple[0])}, nil
}

// SubError is the error body of a JSON-RPC error response.
type SubError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SubResponse is the outbound JSON-RPC reply, success or error.
type SubResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *uint64     `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *SubError   `json:"error,omitempty"`
}

// NewResultResponse builds a success reply echoing the request id.
func NewResultResponse(id uint64, result interface{}) SubResponse {
	return SubResponse{JSONRPC: JSONRPC, ID: &id, Result: result}
}

// NewParseErrorResponse builds a -32700 reply with a null id, per the parse-failure contract.
func NewParseErrorResponse(message string) SubResponse {
	return SubResponse{JSONRPC: JSONRPC, ID: nil, Error: &SubError{Code: CodeParseError, Message: message}}
}

// NewInvalidParamsResponse builds a -32602 reply echoing the request id.
func NewInvalidParamsResponse(id uint64, message string) SubResponse {
	return SubResponse{JSONRPC: JSONRPC, ID: &id, Error: &SubError{Code: CodeInvalidParams, Message: message}}
}
