package wsproto

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/mr-tron/base58"
)

// encoding name stamped into every AccountValue.data tuple; notification
// payloads are always zstd+base64 regardless of what the client requested
// at subscribe time.
const dataEncoding = "base64+zstd"

var encoder, _ = zstd.NewWriter(nil)

// AccountValue is the updated account state carried in a notification.
type AccountValue struct {
	Data       [2]string `json:"data"`
	Owner      string    `json:"owner"`
	RentEpoch  uint64    `json:"rent_epoch"`
	Lamports   uint64    `json:"lamports"`
	Executable bool      `json:"executable"`
}

// ProgramValue additionally names which account (of the subscribed program) changed.
type ProgramValue struct {
	Pubkey  string       `json:"pubkey"`
	Account AccountValue `json:"account"`
}

func newAccountValue(u AccountUpdate) AccountValue {
	compressed := encoder.EncodeAll(u.Data, make([]byte, 0, len(u.Data)))
	encoded := base64.StdEncoding.EncodeToString(compressed)
	return AccountValue{
		Data:       [2]string{encoded, dataEncoding},
		Owner:      base58.Encode(u.Owner[:]),
		RentEpoch:  u.RentEpoch,
		Lamports:   u.Lamports,
		Executable: u.Executable,
	}
}

// DecodeAccountData reverses newAccountValue's Data encoding, for tests and clients alike.
func DecodeAccountData(tuple [2]string) ([]byte, error) {
	if tuple[1] != dataEncoding {
		return nil, fmt.Errorf("unsupported data encoding %q", tuple[1])
	}
	compressed, err := base64.StdEncoding.DecodeString(tuple[0])
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	decoder, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("invalid zstd stream: %w", err)
	}
	defer decoder.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(decoder); err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out.Bytes(), nil
}

// AccountNotificationContext carries the slot at which the value was observed.
type AccountNotificationContext struct {
	Slot Slot `json:"slot"`
}

// AccountNotificationResult is the result payload of an account/program notification.
type AccountNotificationResult struct {
	Context AccountNotificationContext `json:"context"`
	Value   interface{}                `json:"value"`
}

// AccountNotificationParams wraps the result with the subscriber's SubID.
type AccountNotificationParams struct {
	Result       AccountNotificationResult `json:"result"`
	Subscription SubID                     `json:"subscription"`
}

// AccountNotification is the outbound text frame for accountNotification/programNotification.
type AccountNotification struct {
	JSONRPC string                    `json:"jsonrpc"`
	Method  string                    `json:"method"`
	Params  AccountNotificationParams `json:"params"`
}

// NewAccountNotification builds the notification for a single-account subscription.
func NewAccountNotification(sub SubID, u AccountUpdate) AccountNotification {
	return AccountNotification{
		JSONRPC: JSONRPC,
		Method:  "accountNotification",
		Params: AccountNotificationParams{
			Subscription: sub,
			Result: AccountNotificationResult{
				Context: AccountNotificationContext{Slot: u.Slot},
				Value:   newAccountValue(u),
			},
		},
	}
}

// NewProgramNotification builds the notification for a program (owner) subscription.
func NewProgramNotification(sub SubID, u AccountUpdate) AccountNotification {
	return AccountNotification{
		JSONRPC: JSONRPC,
		Method:  "programNotification",
		Params: AccountNotificationParams{
			Subscription: sub,
			Result: AccountNotificationResult{
				Context: AccountNotificationContext{Slot: u.Slot},
				Value: ProgramValue{
					Pubkey:  base58.Encode(u.Pubkey[:]),
					Account: newAccountValue(u),
				},
			},
		},
	}
}

// SlotNotificationResult carries the slot and its parent.
type SlotNotificationResult struct {
	Slot   Slot `json:"slot"`
	Parent Slot `json:"parent"`
}

// SlotNotificationParams hard-codes Subscription to 0: a session has at most
// one live slot subscription, so the id conveys no information.
type SlotNotificationParams struct {
	Result       SlotNotificationResult `json:"result"`
	Subscription SubID                  `json:"subscription"`
}

// SlotNotification is the outbound text frame for slotNotification.
type SlotNotification struct {
	JSONRPC string                  `json:"jsonrpc"`
	Method  string                  `json:"method"`
	Params  SlotNotificationParams  `json:"params"`
}

// NewSlotNotification builds the notification for a slot-transition subscription.
func NewSlotNotification(u SlotUpdate) SlotNotification {
	return SlotNotification{
		JSONRPC: JSONRPC,
		Method:  "slotNotification",
		Params: SlotNotificationParams{
			Result:       SlotNotificationResult{Slot: u.Slot, Parent: u.Parent},
			Subscription: 0,
		},
	}
}
