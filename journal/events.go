package journal

import (
	"encoding/binary"
	"fmt"

	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/internal/codec"
)

// EventVersion is the current event encoding version.
const EventVersion uint16 = 1

// EventType tags the payload carried by an event.
type EventType uint16

const (
	TypeEpochTick EventType = iota + 1
	TypeRequestOperationLock
	TypeGrantOperationLock
	TypeReleaseOperationLock
	TypeInitiateDkdSession
	TypeRecordDkdCommitment
	TypeRevealDkdPoint
	TypeFinalizeDkdSession
	TypeAbortDkdSession
	TypeInitiateResharing
	TypeDistributeSubShare
	TypeAcknowledgeSubShare
	TypeFinalizeResharing
	TypeAbortResharing
	TypeInitiateRecovery
	TypeApproveRecovery
	TypeExecuteRecovery
	TypeAbortRecovery
	TypeProposeCompaction
	TypeAcknowledgeCompaction
	TypeCommitCompaction
	TypeAddDevice
	TypeRemoveDevice
	TypeAddGuardian
	TypeRemoveGuardian
	TypeSessionFailed
	TypeChannelEpochBump
	TypeReportNonceReuse
)

var typeNames = map[EventType]string{
	TypeEpochTick:             "EpochTick",
	TypeRequestOperationLock:  "RequestOperationLock",
	TypeGrantOperationLock:    "GrantOperationLock",
	TypeReleaseOperationLock:  "ReleaseOperationLock",
	TypeInitiateDkdSession:    "InitiateDkdSession",
	TypeRecordDkdCommitment:   "RecordDkdCommitment",
	TypeRevealDkdPoint:        "RevealDkdPoint",
	TypeFinalizeDkdSession:    "FinalizeDkdSession",
	TypeAbortDkdSession:       "AbortDkdSession",
	TypeInitiateResharing:     "InitiateResharing",
	TypeDistributeSubShare:    "DistributeSubShare",
	TypeAcknowledgeSubShare:   "AcknowledgeSubShare",
	TypeFinalizeResharing:     "FinalizeResharing",
	TypeAbortResharing:        "AbortResharing",
	TypeInitiateRecovery:      "InitiateRecovery",
	TypeApproveRecovery:       "ApproveRecovery",
	TypeExecuteRecovery:       "ExecuteRecovery",
	TypeAbortRecovery:         "AbortRecovery",
	TypeProposeCompaction:     "ProposeCompaction",
	TypeAcknowledgeCompaction: "AcknowledgeCompaction",
	TypeCommitCompaction:      "CommitCompaction",
	TypeAddDevice:             "AddDevice",
	TypeRemoveDevice:          "RemoveDevice",
	TypeAddGuardian:           "AddGuardian",
	TypeRemoveGuardian:        "RemoveGuardian",
	TypeSessionFailed:         "SessionFailed",
	TypeChannelEpochBump:      "ChannelEpochBump",
	TypeReportNonceReuse:      "ReportNonceReuse",
}

func (t EventType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", uint16(t))
}

// Event is one entry of an account's journal. Its wire form is a CBOR array
// in field order; Payload holds the deterministic CBOR of the variant named
// by Type.
type Event struct {
	_ struct{} `cbor:",toarray"`

	Version       uint16
	EventID       ids.EventID
	AccountID     ids.AccountID
	Timestamp     uint64
	Nonce         uint64
	ParentHash    *ids.Hash
	EpochAtWrite  uint64
	Type          EventType
	Payload       codec.RawMessage
	Authorization Authorization
}

// signable is Event without its authorization block.
type signable struct {
	_ struct{} `cbor:",toarray"`

	Version      uint16
	EventID      ids.EventID
	AccountID    ids.AccountID
	Timestamp    uint64
	Nonce        uint64
	ParentHash   *ids.Hash
	EpochAtWrite uint64
	Type         EventType
	Payload      codec.RawMessage
}

// Header carries the envelope fields of an event under construction.
type Header struct {
	AccountID    ids.AccountID
	Timestamp    uint64
	Nonce        uint64
	ParentHash   *ids.Hash
	EpochAtWrite uint64
}

// NewEvent encodes payload and builds an unauthorized event. The event id
// is derived from the header and payload bytes.
func NewEvent(h Header, payload Payload) (*Event, error) {
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", payload.EventType(), err)
	}
	ev := &Event{
		Version:      EventVersion,
		AccountID:    h.AccountID,
		Timestamp:    h.Timestamp,
		Nonce:        h.Nonce,
		EpochAtWrite: h.EpochAtWrite,
		Type:         payload.EventType(),
		Payload:      encoded,
	}
	if h.ParentHash != nil {
		parent := *h.ParentHash
		ev.ParentHash = &parent
	}
	var le [24]byte
	binary.LittleEndian.PutUint64(le[0:], h.Timestamp)
	binary.LittleEndian.PutUint64(le[8:], h.Nonce)
	binary.LittleEndian.PutUint64(le[16:], h.EpochAtWrite)
	ev.EventID = ids.Derive[ids.EventID]("aura-event:", h.AccountID[:], le[:], encoded)
	return ev, nil
}

// Hash is BLAKE3 over the canonical encoding of every field.
func (e *Event) Hash() (ids.Hash, error) {
	data, err := codec.Marshal(e)
	if err != nil {
		return ids.Hash{}, fmt.Errorf("encoding event: %w", err)
	}
	return ids.Sum(data), nil
}

// SignableHash is BLAKE3 over the canonical encoding of every field except
// Authorization. It is the message signed by threshold and device
// authorizations.
func (e *Event) SignableHash() (ids.Hash, error) {
	data, err := codec.Marshal(signable{
		Version:      e.Version,
		EventID:      e.EventID,
		AccountID:    e.AccountID,
		Timestamp:    e.Timestamp,
		Nonce:        e.Nonce,
		ParentHash:   e.ParentHash,
		EpochAtWrite: e.EpochAtWrite,
		Type:         e.Type,
		Payload:      e.Payload,
	})
	if err != nil {
		return ids.Hash{}, fmt.Errorf("encoding signable event: %w", err)
	}
	return ids.Sum(data), nil
}

// DecodePayload decodes the payload variant named by e.Type.
func (e *Event) DecodePayload() (Payload, error) {
	newPayload, ok := payloadTypes[e.Type]
	if !ok {
		return nil, invalidf("unknown event type %d", uint16(e.Type))
	}
	p := newPayload()
	if err := codec.Unmarshal(e.Payload, p); err != nil {
		return nil, invalidf("decoding %s payload: %v", e.Type, err)
	}
	return p, nil
}

// Clone returns a deep copy of e.
func (e *Event) Clone() *Event {
	c := *e
	if e.ParentHash != nil {
		parent := *e.ParentHash
		c.ParentHash = &parent
	}
	c.Payload = append(codec.RawMessage(nil), e.Payload...)
	c.Authorization = e.Authorization.clone()
	return &c
}

// MarshalEvent returns the canonical encoding of e.
func MarshalEvent(e *Event) ([]byte, error) {
	return codec.Marshal(e)
}

// UnmarshalEvent decodes an event and checks its version.
func UnmarshalEvent(data []byte) (*Event, error) {
	var e Event
	if err := codec.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	if e.Version != EventVersion {
		return nil, invalidf("unsupported event version %d", e.Version)
	}
	return &e, nil
}
