package journal

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/f3rmion/aura/bjj"
	"github.com/f3rmion/aura/frost"
	"github.com/f3rmion/aura/group"
	"github.com/f3rmion/aura/ids"
)

// Suite is the group all account keys live in.
var Suite group.Group = &bjj.BJJ{}

// AuthKind selects the variant of an Authorization.
type AuthKind uint8

const (
	AuthThreshold AuthKind = iota + 1
	AuthDevice
	AuthGuardian
)

func (k AuthKind) String() string {
	switch k {
	case AuthThreshold:
		return "threshold"
	case AuthDevice:
		return "device"
	case AuthGuardian:
		return "guardian"
	default:
		return "none"
	}
}

// Authorization is the three-variant authorization block of an event.
// Signers is used by threshold signatures, DeviceID by device certificates
// and GuardianID by guardian signatures.
type Authorization struct {
	_ struct{} `cbor:",toarray"`

	Kind       AuthKind
	Signers    []ids.DeviceID
	DeviceID   ids.DeviceID
	GuardianID ids.GuardianID
	Signature  []byte
}

func (a Authorization) clone() Authorization {
	a.Signers = slices.Clone(a.Signers)
	a.Signature = slices.Clone(a.Signature)
	return a
}

// ThresholdAuth attaches a FROST signature (R || z) over the event's
// signable hash.
func ThresholdAuth(signers []ids.DeviceID, signature []byte) Authorization {
	return Authorization{Kind: AuthThreshold, Signers: slices.Clone(signers), Signature: slices.Clone(signature)}
}

// SignAsDevice attaches a device certificate to ev.
func SignAsDevice(ev *Event, device ids.DeviceID, key ed25519.PrivateKey) error {
	msg, err := ev.SignableHash()
	if err != nil {
		return err
	}
	ev.Authorization = Authorization{Kind: AuthDevice, DeviceID: device, Signature: ed25519.Sign(key, msg[:])}
	return nil
}

// SignAsGuardian attaches a guardian signature to ev.
func SignAsGuardian(ev *Event, guardian ids.GuardianID, key ed25519.PrivateKey) error {
	ev.Authorization = Authorization{
		Kind:       AuthGuardian,
		GuardianID: guardian,
		Signature:  ed25519.Sign(key, GuardianMessage(ev, guardian)),
	}
	return nil
}

// GuardianMessage is the canonical byte string a guardian signs:
// event_id | account_id | timestamp | nonce | parent_hash | epoch_at_write |
// guardian_id | payload. Integers are little-endian; an absent parent hash
// is 32 zero bytes.
func GuardianMessage(ev *Event, guardian ids.GuardianID) []byte {
	msg := make([]byte, 0, 4*ids.Size+24+len(ev.Payload))
	msg = append(msg, ev.EventID[:]...)
	msg = append(msg, ev.AccountID[:]...)
	msg = binary.LittleEndian.AppendUint64(msg, ev.Timestamp)
	msg = binary.LittleEndian.AppendUint64(msg, ev.Nonce)
	var parent ids.Hash
	if ev.ParentHash != nil {
		parent = *ev.ParentHash
	}
	msg = append(msg, parent[:]...)
	msg = binary.LittleEndian.AppendUint64(msg, ev.EpochAtWrite)
	msg = append(msg, guardian[:]...)
	return append(msg, ev.Payload...)
}

// RecoveryMessage is the payload a guardian signs to approve a recovery.
func RecoveryMessage(account ids.AccountID, session ids.SessionID, newDevice ids.DeviceID, newDevicePK []byte) []byte {
	msg := []byte("aura-recovery-approval-v1:")
	msg = append(msg, account[:]...)
	msg = append(msg, session[:]...)
	msg = append(msg, newDevice[:]...)
	return append(msg, newDevicePK...)
}

// ResharingTestMessage is signed by the new group key to prove the shares
// produced by a resharing or recovery are usable.
func ResharingTestMessage(account ids.AccountID, session ids.SessionID) []byte {
	msg := []byte("aura-reshare-test:")
	msg = append(msg, account[:]...)
	return append(msg, session[:]...)
}

// CompromisedKeys reports public keys known to be compromised.
type CompromisedKeys interface {
	IsCompromised(publicKey []byte) bool
}

// SignatureCache remembers signatures that already verified.
type SignatureCache interface {
	Contains(key ids.Hash) bool
	Add(key ids.Hash)
}

// VerifyOptions are the optional collaborators of Authorize.
type VerifyOptions struct {
	Compromised CompromisedKeys
	Cache       SignatureCache
}

var acceptedAuth = map[EventType][]AuthKind{
	TypeEpochTick:             {AuthDevice, AuthThreshold},
	TypeRequestOperationLock:  {AuthDevice},
	TypeGrantOperationLock:    {AuthDevice, AuthThreshold},
	TypeReleaseOperationLock:  {AuthDevice, AuthThreshold},
	TypeInitiateDkdSession:    {AuthDevice, AuthThreshold},
	TypeRecordDkdCommitment:   {AuthDevice},
	TypeRevealDkdPoint:        {AuthDevice},
	TypeFinalizeDkdSession:    {AuthDevice, AuthThreshold},
	TypeAbortDkdSession:       {AuthDevice, AuthThreshold},
	TypeInitiateResharing:     {AuthThreshold},
	TypeDistributeSubShare:    {AuthDevice},
	TypeAcknowledgeSubShare:   {AuthDevice},
	TypeFinalizeResharing:     {AuthDevice, AuthThreshold},
	TypeAbortResharing:        {AuthDevice, AuthThreshold},
	TypeInitiateRecovery:      {AuthGuardian},
	TypeApproveRecovery:       {AuthGuardian},
	TypeExecuteRecovery:       {AuthGuardian},
	TypeAbortRecovery:         {AuthGuardian, AuthDevice, AuthThreshold},
	TypeProposeCompaction:     {AuthDevice},
	TypeAcknowledgeCompaction: {AuthDevice},
	TypeCommitCompaction:      {AuthThreshold},
	TypeAddDevice:             {AuthThreshold},
	TypeRemoveDevice:          {AuthThreshold},
	TypeAddGuardian:           {AuthThreshold},
	TypeRemoveGuardian:        {AuthThreshold},
	TypeSessionFailed:         {AuthDevice, AuthThreshold},
	TypeChannelEpochBump:      {AuthDevice},
	TypeReportNonceReuse:      {AuthDevice},
}

// AcceptedAuthorizations lists the authorization kinds an event type may
// carry.
func AcceptedAuthorizations(t EventType) []AuthKind {
	return slices.Clone(acceptedAuth[t])
}

// Authorize checks ev's authorization block against s. It does not mutate
// s; device nonces are checked here and recorded by Apply.
func Authorize(s *AccountState, ev *Event, opts VerifyOptions) error {
	if ev.AccountID != s.AccountID {
		return invalidf("event for account %s applied to %s", ids.Short(ev.AccountID), ids.Short(s.AccountID))
	}
	if !slices.Contains(acceptedAuth[ev.Type], ev.Authorization.Kind) {
		return fmt.Errorf("%w: %s on %s", ErrUnauthorized, ev.Authorization.Kind, ev.Type)
	}
	switch ev.Authorization.Kind {
	case AuthThreshold:
		return authorizeThreshold(s, ev, opts)
	case AuthDevice:
		return authorizeDevice(s, ev, opts)
	case AuthGuardian:
		return authorizeGuardian(s, ev, opts)
	default:
		return ErrUnauthorized
	}
}

func authorizeThreshold(s *AccountState, ev *Event, opts VerifyOptions) error {
	auth := &ev.Authorization
	seen := make(map[ids.DeviceID]struct{}, len(auth.Signers))
	for _, signer := range auth.Signers {
		if _, dup := seen[signer]; dup {
			return fmt.Errorf("%w: duplicate signer %s", ErrInvalidSignature, ids.Short(signer))
		}
		seen[signer] = struct{}{}
		d, err := s.activeDevice(signer)
		if err != nil {
			return err
		}
		if d.ShareIndex == 0 {
			return fmt.Errorf("%w: signer %s holds no share", ErrInvalidSignature, ids.Short(signer))
		}
	}
	if len(auth.Signers) < int(s.Threshold) {
		return &ThresholdNotMetError{Current: len(auth.Signers), Required: int(s.Threshold)}
	}

	msg, err := ev.SignableHash()
	if err != nil {
		return err
	}
	if err := VerifyGroupSignature(s.GroupPublicKey, msg[:], auth.Signature, opts.Cache); err != nil {
		return err
	}
	return nil
}

// VerifyGroupSignature checks a 64-byte FROST signature over msg under
// groupKey.
func VerifyGroupSignature(groupKey, msg, signature []byte, cache SignatureCache) error {
	cacheKey := ids.Sum(groupKey, msg, signature)
	if cache != nil && cache.Contains(cacheKey) {
		return nil
	}
	pk, err := group.DecodePoint(Suite, groupKey)
	if err != nil {
		return fmt.Errorf("%w: group key: %v", ErrKeyMismatch, err)
	}
	sig, err := frost.DecodeSignature(Suite, signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	verifier, err := frost.New(Suite, 1, 1)
	if err != nil {
		return err
	}
	if !verifier.Verify(msg, sig, pk) {
		return ErrInvalidSignature
	}
	if cache != nil {
		cache.Add(cacheKey)
	}
	return nil
}

func authorizeDevice(s *AccountState, ev *Event, opts VerifyOptions) error {
	auth := &ev.Authorization
	d, err := s.activeDevice(auth.DeviceID)
	if err != nil {
		return err
	}
	if err := checkKey(d.PublicKey, opts.Compromised); err != nil {
		return err
	}
	msg, err := ev.SignableHash()
	if err != nil {
		return err
	}
	if err := verifyEd25519(d.PublicKey, msg[:], auth.Signature, opts.Cache); err != nil {
		return err
	}
	return d.checkNonce(ev.Nonce)
}

func authorizeGuardian(s *AccountState, ev *Event, opts VerifyOptions) error {
	auth := &ev.Authorization
	g, err := s.activeGuardian(auth.GuardianID)
	if err != nil {
		return err
	}
	if err := checkKey(g.PublicKey, opts.Compromised); err != nil {
		return err
	}
	return verifyEd25519(g.PublicKey, GuardianMessage(ev, auth.GuardianID), auth.Signature, opts.Cache)
}

func verifyEd25519(publicKey, msg, signature []byte, cache SignatureCache) error {
	cacheKey := ids.Sum(publicKey, msg, signature)
	if cache != nil && cache.Contains(cacheKey) {
		return nil
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature is %d bytes", ErrInvalidSignature, len(signature))
	}
	if !ed25519.Verify(publicKey, msg, signature) {
		return ErrInvalidSignature
	}
	if cache != nil {
		cache.Add(cacheKey)
	}
	return nil
}

func checkKey(publicKey []byte, compromised CompromisedKeys) error {
	if err := CheckWeakKey(publicKey); err != nil {
		return err
	}
	if compromised != nil && compromised.IsCompromised(publicKey) {
		return ErrCompromisedKey
	}
	return nil
}

// CheckWeakKey rejects ed25519 public keys of the wrong length and keys
// made of one repeated byte or a short repeated pattern, which covers the
// all-zero and all-ones keys.
func CheckWeakKey(publicKey []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: key is %d bytes", ErrWeakKey, len(publicKey))
	}
	for _, period := range []int{1, 2, 4} {
		if repeats(publicKey, period) {
			return fmt.Errorf("%w: %d-byte repeating pattern", ErrWeakKey, period)
		}
	}
	return nil
}

func repeats(b []byte, period int) bool {
	for i := period; i < len(b); i++ {
		if b[i] != b[i-period] {
			return false
		}
	}
	return true
}
