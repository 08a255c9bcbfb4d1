// Package wsproto implements the JSON-RPC subscription protocol served over
// WebSocket: request/response envelopes, subscription keys, and notification
// payloads.
package wsproto

import (
	"encoding/json"
	"fmt"
)

// JSONRPC is the protocol version string echoed on every envelope.
const JSONRPC = "2.0"

// Pubkey is an opaque 32-byte account or program identifier.
type Pubkey [32]byte

// Slot is the blockchain's unit of sequencing.
type Slot uint64

// Commitment is the finality level of a slot, ordered Processed < Confirmed < Finalized.
type Commitment uint8

const (
	Processed Commitment = 1
	Confirmed Commitment = 2
	Finalized Commitment = 3
)

func (c Commitment) String() string {
	switch c {
	case Processed:
		return "processed"
	case Confirmed:
		return "confirmed"
	case Finalized:
		return "finalized"
	default:
		return fmt.Sprintf("commitment(%d)", uint8(c))
	}
}

// MarshalJSON renders the commitment as its lowercase name.
func (c Commitment) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts the lowercase commitment name, defaulting to Finalized on empty input.
func (c *Commitment) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseCommitment(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ParseCommitment maps a protocol commitment name to its enum value, defaulting to Finalized for "".
func ParseCommitment(s string) (Commitment, error) {
	switch s {
	case "":
		return Finalized, nil
	case "processed":
		return Processed, nil
	case "confirmed":
		return Confirmed, nil
	case "finalized":
		return Finalized, nil
	default:
		return 0, fmt.Errorf("unknown commitment %q", s)
	}
}

// SubscriptionKind distinguishes a single-account subscription from a whole-program one.
type SubscriptionKind uint8

const (
	Account SubscriptionKind = iota
	Program
)

func (k SubscriptionKind) String() string {
	if k == Program {
		return "program"
	}
	return "account"
}

// SubKey identifies a subscription's routing coordinates: which pubkey, at which
// commitment level, of which kind. Value-equal (comparable), used as both a Go
// map key and a shard key.
type SubKey struct {
	Key        Pubkey
	Commitment Commitment
	Kind       SubscriptionKind
}

// Bytes returns a canonical byte encoding of the key, used for hashing at the router.
func (k SubKey) Bytes() []byte {
	b := make([]byte, 0, 34)
	b = append(b, k.Key[:]...)
	b = append(b, byte(k.Commitment), byte(k.Kind))
	return b
}

// SubID is a per-session monotonically increasing subscription handle, unique only
// within the session that allocated it.
type SubID uint64

// AccountUpdate is the decoded shape of one account-change event, produced by
// ingest and consumed by the router, managers and buffer.
type AccountUpdate struct {
	Pubkey     Pubkey
	Owner      Pubkey
	Lamports   uint64
	Data       []byte
	RentEpoch  uint64
	Executable bool
	Slot       Slot
	SlotStatus Commitment
}

// SlotUpdate is the decoded shape of one slot commitment transition.
type SlotUpdate struct {
	Slot   Slot
	Parent Slot
	Status Commitment
}
