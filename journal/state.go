package journal

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"

	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/internal/codec"
)

const (
	// MaxUsedNonces bounds the per-device replay window.
	MaxUsedNonces = 1000
	// StrikeLimit nonce-reuse strikes inside StrikeWindowEpochs tombstone a
	// device.
	StrikeLimit        = 3
	StrikeWindowEpochs = 100
	// LockTTLMs is how long a granted operation lock stays valid.
	LockTTLMs = 3600 * 1000
	// MinEpochTickGap is the smallest clock advance an EpochTick may make.
	MinEpochTickGap = 5
	// MinEpochTickIntervalMs is the smallest wall-time gap between ticks,
	// enforced only when both timestamps are known.
	MinEpochTickIntervalMs = 10 * 1000
)

// DKDProof lets a device prove its commitment was part of a finalized DKD
// root after the events that carried it are compacted away.
type DKDProof struct {
	_ struct{} `cbor:",toarray"`

	Commitment ids.Hash
	Root       ids.Hash
	Path       []ids.ProofStep
}

// DeviceMetadata is the account's view of one device.
type DeviceMetadata struct {
	_ struct{} `cbor:",toarray"`

	DeviceID  ids.DeviceID
	Name      string
	Type      DeviceType
	PublicKey []byte
	// ShareIndex is the device's FROST identifier; zero when it holds no
	// share of the current group key.
	ShareIndex uint16
	// SharePublicKey is the device's public key share, s_i*G.
	SharePublicKey []byte
	AddedAt        uint64
	NextNonce      uint64
	// UsedNonces is ascending and holds at most MaxUsedNonces entries.
	UsedNonces []uint64
	DKDProofs  map[ids.SessionID]DKDProof
}

func (d *DeviceMetadata) clone() *DeviceMetadata {
	c := *d
	c.PublicKey = slices.Clone(d.PublicKey)
	c.SharePublicKey = slices.Clone(d.SharePublicKey)
	c.UsedNonces = slices.Clone(d.UsedNonces)
	c.DKDProofs = make(map[ids.SessionID]DKDProof, len(d.DKDProofs))
	for k, v := range d.DKDProofs {
		v.Path = slices.Clone(v.Path)
		c.DKDProofs[k] = v
	}
	return &c
}

func (d *DeviceMetadata) checkNonce(nonce uint64) error {
	if nonce < d.NextNonce {
		return fmt.Errorf("%w: nonce %d below next %d", ErrNonceReuse, nonce, d.NextNonce)
	}
	if _, found := slices.BinarySearch(d.UsedNonces, nonce); found {
		return fmt.Errorf("%w: nonce %d already used", ErrNonceReuse, nonce)
	}
	return nil
}

func (d *DeviceMetadata) recordNonce(nonce uint64) {
	d.UsedNonces = append(d.UsedNonces, nonce)
	if over := len(d.UsedNonces) - MaxUsedNonces; over > 0 {
		d.UsedNonces = slices.Delete(d.UsedNonces, 0, over)
	}
	d.NextNonce = nonce + 1
}

// GuardianMetadata is the account's view of one guardian.
type GuardianMetadata struct {
	_ struct{} `cbor:",toarray"`

	GuardianID  ids.GuardianID
	Name        string
	ContactInfo string
	PublicKey   []byte
	AddedAt     uint64
}

// OperationLock is the account-wide mutex of a mutating ceremony.
type OperationLock struct {
	_ struct{} `cbor:",toarray"`

	Operation      OperationType
	SessionID      ids.SessionID
	Holder         ids.DeviceID
	GrantedAtEpoch uint64
	LotteryTicket  ids.Hash
	AcquiredAt     uint64
	ExpiresAt      uint64
}

// Expired reports whether the lock is past its expiry at nowMs.
func (l *OperationLock) Expired(nowMs uint64) bool {
	return nowMs >= l.ExpiresAt
}

// LotteryTicket is BLAKE3(holder || session || epoch_le).
func LotteryTicket(holder ids.DeviceID, session ids.SessionID, epoch uint64) ids.Hash {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], epoch)
	return ids.Sum(holder[:], session[:], le[:])
}

// CommitmentRoot is the preserved record of a finalized DKD session.
type CommitmentRoot struct {
	_ struct{} `cbor:",toarray"`

	SessionID       ids.SessionID
	ContextID       ids.ContextID
	Root            ids.Hash
	SeedFingerprint ids.Hash
	DerivedKey      []byte
	Participants    []ids.DeviceID
	FinalizedAt     uint64
}

// ChannelEpoch is the committed epoch of an AMP channel.
type ChannelEpoch struct {
	_ struct{} `cbor:",toarray"`

	ContextID ids.ContextID
	Epoch     uint64
	BumpID    ids.Hash
}

// AccountState is the reduction of an account's journal.
type AccountState struct {
	_ struct{} `cbor:",toarray"`

	AccountID      ids.AccountID
	GroupPublicKey []byte
	Threshold      uint16
	ShareCount     uint16
	// GuardianThreshold is the least number of distinct active guardians
	// whose approvals execute a recovery. Only threshold-signed guardian
	// events change it.
	GuardianThreshold uint16

	Devices          map[ids.DeviceID]*DeviceMetadata
	RemovedDevices   map[ids.DeviceID]uint64
	Guardians        map[ids.GuardianID]*GuardianMetadata
	RemovedGuardians map[ids.GuardianID]uint64

	LamportClock  uint64
	LastEventHash *ids.Hash
	// LastTickAt is the timestamp of the last EpochTick, zero if unknown.
	LastTickAt uint64

	DKDCommitmentRoots  map[ids.SessionID]*CommitmentRoot
	ActiveOperationLock *OperationLock
	LockRequests        map[ids.SessionID]*RequestOperationLock
	Sessions            map[ids.SessionID]*SessionRecord
	ChannelEpochs       map[ids.ChannelID]*ChannelEpoch

	// Strikes holds the epochs of recent nonce reuses per device.
	Strikes map[ids.DeviceID][]uint64
	// NonceReports holds the conflict ids already struck per device.
	NonceReports map[ids.DeviceID][]ids.Hash

	CompactedBefore uint64
	UpdatedAt       uint64
}

// GenesisDevice seeds one device of a new account.
type GenesisDevice struct {
	DeviceID       ids.DeviceID
	Name           string
	Type           DeviceType
	PublicKey      []byte
	ShareIndex     uint16
	SharePublicKey []byte
}

// GenesisGuardian seeds one guardian of a new account.
type GenesisGuardian struct {
	GuardianID  ids.GuardianID
	Name        string
	ContactInfo string
	PublicKey   []byte
}

// GenesisConfig describes an account at creation.
type GenesisConfig struct {
	AccountID      ids.AccountID
	GroupPublicKey []byte
	Threshold      uint16
	Devices        []GenesisDevice
	Guardians      []GenesisGuardian
	// GuardianThreshold defaults to a majority of Guardians.
	GuardianThreshold uint16
	CreatedAt         uint64
}

// NewAccountState builds the genesis state. Genesis is not an event; the
// first appended event carries no parent hash.
func NewAccountState(cfg GenesisConfig) (*AccountState, error) {
	if ids.IsZero(cfg.AccountID) {
		return nil, invalidf("zero account id")
	}
	if cfg.Threshold < 1 || int(cfg.Threshold) > len(cfg.Devices) {
		return nil, invalidf("threshold %d for %d devices", cfg.Threshold, len(cfg.Devices))
	}
	if _, err := decodeGroupKey(cfg.GroupPublicKey); err != nil {
		return nil, err
	}
	s := &AccountState{
		AccountID:          cfg.AccountID,
		GroupPublicKey:     slices.Clone(cfg.GroupPublicKey),
		Threshold:          cfg.Threshold,
		ShareCount:         uint16(len(cfg.Devices)),
		Devices:            make(map[ids.DeviceID]*DeviceMetadata, len(cfg.Devices)),
		RemovedDevices:     map[ids.DeviceID]uint64{},
		Guardians:          make(map[ids.GuardianID]*GuardianMetadata, len(cfg.Guardians)),
		RemovedGuardians:   map[ids.GuardianID]uint64{},
		DKDCommitmentRoots: map[ids.SessionID]*CommitmentRoot{},
		LockRequests:       map[ids.SessionID]*RequestOperationLock{},
		Sessions:           map[ids.SessionID]*SessionRecord{},
		ChannelEpochs:      map[ids.ChannelID]*ChannelEpoch{},
		Strikes:            map[ids.DeviceID][]uint64{},
		NonceReports:       map[ids.DeviceID][]ids.Hash{},
		UpdatedAt:          cfg.CreatedAt,
	}
	indices := map[uint16]bool{}
	for _, d := range cfg.Devices {
		if err := CheckWeakKey(d.PublicKey); err != nil {
			return nil, fmt.Errorf("device %s: %w", ids.Short(d.DeviceID), err)
		}
		if _, dup := s.Devices[d.DeviceID]; dup {
			return nil, invalidf("duplicate device %s", ids.Short(d.DeviceID))
		}
		if d.ShareIndex == 0 || indices[d.ShareIndex] {
			return nil, invalidf("device %s has invalid share index %d", ids.Short(d.DeviceID), d.ShareIndex)
		}
		indices[d.ShareIndex] = true
		if d.SharePublicKey != nil {
			if _, err := Suite.NewPoint().SetBytes(d.SharePublicKey); err != nil {
				return nil, invalidf("device %s share public key: %v", ids.Short(d.DeviceID), err)
			}
		}
		s.Devices[d.DeviceID] = &DeviceMetadata{
			DeviceID:       d.DeviceID,
			Name:           d.Name,
			Type:           d.Type,
			PublicKey:      slices.Clone(d.PublicKey),
			ShareIndex:     d.ShareIndex,
			SharePublicKey: slices.Clone(d.SharePublicKey),
			DKDProofs:      map[ids.SessionID]DKDProof{},
		}
	}
	for _, g := range cfg.Guardians {
		if err := CheckWeakKey(g.PublicKey); err != nil {
			return nil, fmt.Errorf("guardian %s: %w", ids.Short(g.GuardianID), err)
		}
		s.Guardians[g.GuardianID] = &GuardianMetadata{
			GuardianID:  g.GuardianID,
			Name:        g.Name,
			ContactInfo: g.ContactInfo,
			PublicKey:   slices.Clone(g.PublicKey),
		}
	}
	if err := s.setGuardianThreshold(cfg.GuardianThreshold); err != nil {
		return nil, err
	}
	return s, nil
}

// setGuardianThreshold sets the guardian threshold for the current
// guardian set. Zero keeps the current threshold, or picks a majority
// when there is none.
func (s *AccountState) setGuardianThreshold(requested uint16) error {
	n := len(s.Guardians)
	if n == 0 {
		if requested != 0 {
			return invalidf("guardian threshold %d without guardians", requested)
		}
		s.GuardianThreshold = 0
		return nil
	}
	t := requested
	if t == 0 {
		t = s.GuardianThreshold
	}
	if t == 0 {
		t = uint16(n/2 + 1)
	}
	if int(t) > n {
		return invalidf("guardian threshold %d for %d guardians", t, n)
	}
	s.GuardianThreshold = t
	return nil
}

// RecoveryQuorum is the number of valid approvals recovery session rec
// needs: its own quorum, and never fewer than the guardian threshold.
func (s *AccountState) RecoveryQuorum(rec *SessionRecord) int {
	q := int(s.GuardianThreshold)
	if rec.Recovery != nil && int(rec.Recovery.QuorumThreshold) > q {
		q = int(rec.Recovery.QuorumThreshold)
	}
	return q
}

// Clone returns a deep copy of s.
func (s *AccountState) Clone() *AccountState {
	c := *s
	c.GroupPublicKey = slices.Clone(s.GroupPublicKey)
	c.Devices = make(map[ids.DeviceID]*DeviceMetadata, len(s.Devices))
	for id, d := range s.Devices {
		c.Devices[id] = d.clone()
	}
	c.RemovedDevices = maps.Clone(s.RemovedDevices)
	c.Guardians = make(map[ids.GuardianID]*GuardianMetadata, len(s.Guardians))
	for id, g := range s.Guardians {
		gc := *g
		gc.PublicKey = slices.Clone(g.PublicKey)
		c.Guardians[id] = &gc
	}
	c.RemovedGuardians = maps.Clone(s.RemovedGuardians)
	if s.LastEventHash != nil {
		h := *s.LastEventHash
		c.LastEventHash = &h
	}
	c.DKDCommitmentRoots = make(map[ids.SessionID]*CommitmentRoot, len(s.DKDCommitmentRoots))
	for id, r := range s.DKDCommitmentRoots {
		rc := *r
		rc.DerivedKey = slices.Clone(r.DerivedKey)
		rc.Participants = slices.Clone(r.Participants)
		c.DKDCommitmentRoots[id] = &rc
	}
	if s.ActiveOperationLock != nil {
		l := *s.ActiveOperationLock
		c.ActiveOperationLock = &l
	}
	c.LockRequests = make(map[ids.SessionID]*RequestOperationLock, len(s.LockRequests))
	for id, r := range s.LockRequests {
		rc := *r
		c.LockRequests[id] = &rc
	}
	c.Sessions = make(map[ids.SessionID]*SessionRecord, len(s.Sessions))
	for id, rec := range s.Sessions {
		c.Sessions[id] = rec.Clone()
	}
	c.ChannelEpochs = make(map[ids.ChannelID]*ChannelEpoch, len(s.ChannelEpochs))
	for id, e := range s.ChannelEpochs {
		ec := *e
		c.ChannelEpochs[id] = &ec
	}
	c.Strikes = make(map[ids.DeviceID][]uint64, len(s.Strikes))
	for id, st := range s.Strikes {
		c.Strikes[id] = slices.Clone(st)
	}
	c.NonceReports = make(map[ids.DeviceID][]ids.Hash, len(s.NonceReports))
	for id, r := range s.NonceReports {
		c.NonceReports[id] = slices.Clone(r)
	}
	return &c
}

// StateHash is the digest of the canonical encoding of s. EpochTick events
// carry it as evidence.
func (s *AccountState) StateHash() (ids.Hash, error) {
	data, err := codec.Marshal(s)
	if err != nil {
		return ids.Hash{}, fmt.Errorf("encoding account state: %w", err)
	}
	return ids.StateDigest(data), nil
}

// MarshalState returns the canonical encoding of s.
func MarshalState(s *AccountState) ([]byte, error) {
	return codec.Marshal(s)
}

// UnmarshalState decodes a snapshot produced by MarshalState.
func UnmarshalState(data []byte) (*AccountState, error) {
	var s AccountState
	if err := codec.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding account state: %w", err)
	}
	s.ensureMaps()
	return &s, nil
}

func (s *AccountState) ensureMaps() {
	if s.Devices == nil {
		s.Devices = map[ids.DeviceID]*DeviceMetadata{}
	}
	for _, d := range s.Devices {
		if d.DKDProofs == nil {
			d.DKDProofs = map[ids.SessionID]DKDProof{}
		}
	}
	if s.RemovedDevices == nil {
		s.RemovedDevices = map[ids.DeviceID]uint64{}
	}
	if s.Guardians == nil {
		s.Guardians = map[ids.GuardianID]*GuardianMetadata{}
	}
	if s.RemovedGuardians == nil {
		s.RemovedGuardians = map[ids.GuardianID]uint64{}
	}
	if s.DKDCommitmentRoots == nil {
		s.DKDCommitmentRoots = map[ids.SessionID]*CommitmentRoot{}
	}
	if s.LockRequests == nil {
		s.LockRequests = map[ids.SessionID]*RequestOperationLock{}
	}
	if s.Sessions == nil {
		s.Sessions = map[ids.SessionID]*SessionRecord{}
	}
	for _, rec := range s.Sessions {
		rec.ensureMaps()
	}
	if s.ChannelEpochs == nil {
		s.ChannelEpochs = map[ids.ChannelID]*ChannelEpoch{}
	}
	if s.Strikes == nil {
		s.Strikes = map[ids.DeviceID][]uint64{}
	}
	if s.NonceReports == nil {
		s.NonceReports = map[ids.DeviceID][]ids.Hash{}
	}
}

func (s *AccountState) activeDevice(id ids.DeviceID) (*DeviceMetadata, error) {
	if d, ok := s.Devices[id]; ok {
		return d, nil
	}
	if _, removed := s.RemovedDevices[id]; removed {
		return nil, fmt.Errorf("%w: %s", ErrDeviceRevoked, ids.Short(id))
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, ids.Short(id))
}

func (s *AccountState) activeGuardian(id ids.GuardianID) (*GuardianMetadata, error) {
	if _, removed := s.RemovedGuardians[id]; removed {
		return nil, fmt.Errorf("%w: %s", ErrGuardianRevoked, ids.Short(id))
	}
	if g, ok := s.Guardians[id]; ok {
		return g, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrGuardianNotFound, ids.Short(id))
}

// Device returns an active device.
func (s *AccountState) Device(id ids.DeviceID) (*DeviceMetadata, bool) {
	d, ok := s.Devices[id]
	return d, ok
}

// Guardian returns an active guardian.
func (s *AccountState) Guardian(id ids.GuardianID) (*GuardianMetadata, bool) {
	if _, removed := s.RemovedGuardians[id]; removed {
		return nil, false
	}
	g, ok := s.Guardians[id]
	return g, ok
}

// IsDeviceActive reports whether id is registered and not tombstoned.
func (s *AccountState) IsDeviceActive(id ids.DeviceID) bool {
	_, ok := s.Devices[id]
	return ok
}

// ActiveDevices returns active device ids in lexicographic order.
func (s *AccountState) ActiveDevices() []ids.DeviceID {
	return ids.Sorted(s.Devices)
}

// ActiveGuardians returns active guardian ids in lexicographic order.
func (s *AccountState) ActiveGuardians() []ids.GuardianID {
	return ids.Sorted(s.Guardians)
}

// ShareHolders returns devices holding a share of the current group key,
// ordered by share index.
func (s *AccountState) ShareHolders() []*DeviceMetadata {
	var out []*DeviceMetadata
	for _, d := range s.Devices {
		if d.ShareIndex != 0 {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b *DeviceMetadata) int { return int(a.ShareIndex) - int(b.ShareIndex) })
	return out
}

// NextNonce returns the nonce a device must use for its next event.
func (s *AccountState) NextNonce(id ids.DeviceID) uint64 {
	if d, ok := s.Devices[id]; ok {
		return d.NextNonce
	}
	return 0
}

// Session returns the record of a session.
func (s *AccountState) Session(id ids.SessionID) (*SessionRecord, bool) {
	rec, ok := s.Sessions[id]
	return rec, ok
}

// ActiveSessions returns active session records ordered by session id.
func (s *AccountState) ActiveSessions() []*SessionRecord {
	var out []*SessionRecord
	for _, id := range ids.Sorted(s.Sessions) {
		if rec := s.Sessions[id]; rec.Status == StatusActive {
			out = append(out, rec)
		}
	}
	return out
}

// CommitmentRoot returns the preserved root of a finalized DKD session.
func (s *AccountState) CommitmentRoot(id ids.SessionID) (*CommitmentRoot, bool) {
	r, ok := s.DKDCommitmentRoots[id]
	return r, ok
}

// RecordStrike registers a nonce reuse by device at epoch and tombstones
// the device once StrikeLimit strikes fall within StrikeWindowEpochs. It
// reports whether the device was tombstoned.
func (s *AccountState) RecordStrike(device ids.DeviceID, epoch uint64) bool {
	if _, ok := s.Devices[device]; !ok {
		return false
	}
	var recent []uint64
	for _, e := range s.Strikes[device] {
		if e+StrikeWindowEpochs > epoch {
			recent = append(recent, e)
		}
	}
	recent = append(recent, epoch)
	if len(recent) < StrikeLimit {
		s.Strikes[device] = recent
		return false
	}
	delete(s.Strikes, device)
	delete(s.NonceReports, device)
	s.tombstoneDevice(device, epoch)
	return true
}

func (s *AccountState) tombstoneDevice(id ids.DeviceID, epoch uint64) {
	delete(s.Devices, id)
	s.RemovedDevices[id] = epoch
	if s.ActiveOperationLock != nil && s.ActiveOperationLock.Holder == id {
		s.ActiveOperationLock = nil
	}
}

// decodeGroupKey checks that a group key is a valid non-identity point.
func decodeGroupKey(key []byte) ([]byte, error) {
	p, err := Suite.NewPoint().SetBytes(key)
	if err != nil {
		return nil, fmt.Errorf("%w: group key: %v", ErrKeyMismatch, err)
	}
	if p.IsIdentity() {
		return nil, fmt.Errorf("%w: group key is the identity", ErrKeyMismatch)
	}
	return key, nil
}

func containsDevice(list []ids.DeviceID, id ids.DeviceID) bool {
	return slices.Contains(list, id)
}

func uniqueDevices(list []ids.DeviceID) bool {
	sorted := slices.Clone(list)
	ids.Sort(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1] == sorted[i] {
			return false
		}
	}
	return true
}
