package journal

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"

	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/session"
)

// Apply checks ev's event-specific preconditions against s and folds it
// into s. The caller authorizes ev first and applies to a clone, so a
// failed Apply never reaches shared state.
func (s *AccountState) Apply(ev *Event) error {
	if ev.Version != EventVersion {
		return invalidf("unsupported event version %d", ev.Version)
	}
	if err := s.checkParent(ev); err != nil {
		return err
	}
	payload, err := ev.DecodePayload()
	if err != nil {
		return err
	}
	if err := s.applyPayload(ev, payload); err != nil {
		return err
	}

	if ev.Authorization.Kind == AuthDevice {
		if d, ok := s.Devices[ev.Authorization.DeviceID]; ok {
			d.recordNonce(ev.Nonce)
		}
	}
	s.LamportClock = max(s.LamportClock, ev.EpochAtWrite) + 1
	if tick, ok := payload.(*EpochTick); ok {
		s.LamportClock = max(s.LamportClock, tick.NewEpoch)
		s.LastTickAt = ev.Timestamp
	}
	hash, err := ev.Hash()
	if err != nil {
		return err
	}
	s.LastEventHash = &hash
	s.UpdatedAt = max(s.UpdatedAt, ev.Timestamp)
	s.ExpireSessions()
	return nil
}

func (s *AccountState) checkParent(ev *Event) error {
	switch {
	case s.LastEventHash == nil && ev.ParentHash != nil:
		return invalidf("parent hash %s on first event", ev.ParentHash)
	case s.LastEventHash != nil && ev.ParentHash == nil:
		return invalidf("missing parent hash")
	case s.LastEventHash != nil && *ev.ParentHash != *s.LastEventHash:
		return invalidf("parent hash %s does not match head %s", ev.ParentHash, s.LastEventHash)
	}
	return nil
}

// ExpireSessions moves active sessions past their TTL to Expired and
// releases any lock they hold.
func (s *AccountState) ExpireSessions() []ids.SessionID {
	var expired []ids.SessionID
	for _, id := range ids.Sorted(s.Sessions) {
		rec := s.Sessions[id]
		if rec.Status != StatusActive || !rec.ExpiredAt(s.LamportClock) {
			continue
		}
		rec.finish(StatusExpired, SessionOutcome{Kind: OutcomeExpired, Reason: AbortReason{Kind: AbortTimeout}})
		s.releaseLockFor(id)
		expired = append(expired, id)
	}
	return expired
}

func (s *AccountState) applyPayload(ev *Event, payload Payload) error {
	switch p := payload.(type) {
	case *EpochTick:
		return s.applyEpochTick(ev, p)
	case *RequestOperationLock:
		return s.applyRequestLock(ev, p)
	case *GrantOperationLock:
		return s.applyGrantLock(ev, p)
	case *ReleaseOperationLock:
		return s.applyReleaseLock(ev, p)
	case *InitiateDkdSession:
		return s.applyInitiateDkd(ev, p)
	case *RecordDkdCommitment:
		return s.applyDkdCommitment(ev, p)
	case *RevealDkdPoint:
		return s.applyDkdReveal(ev, p)
	case *FinalizeDkdSession:
		return s.applyFinalizeDkd(ev, p)
	case *AbortDkdSession:
		return s.abortSession(p.SessionID, ProtocolDKD, p.Reason)
	case *InitiateResharing:
		return s.applyInitiateResharing(ev, p)
	case *DistributeSubShare:
		return s.applyDistributeSubShare(ev, p)
	case *AcknowledgeSubShare:
		return s.applyAcknowledgeSubShare(ev, p)
	case *FinalizeResharing:
		return s.applyFinalizeResharing(ev, p)
	case *AbortResharing:
		return s.abortSession(p.SessionID, ProtocolResharing, p.Reason)
	case *InitiateRecovery:
		return s.applyInitiateRecovery(ev, p)
	case *ApproveRecovery:
		return s.applyApproveRecovery(ev, p)
	case *ExecuteRecovery:
		return s.applyExecuteRecovery(ev, p)
	case *AbortRecovery:
		return s.abortSession(p.SessionID, ProtocolRecovery, p.Reason)
	case *ProposeCompaction:
		return s.applyProposeCompaction(ev, p)
	case *AcknowledgeCompaction:
		return s.applyAcknowledgeCompaction(ev, p)
	case *CommitCompaction:
		return s.applyCommitCompaction(ev, p)
	case *AddDevice:
		return s.applyAddDevice(ev, p)
	case *RemoveDevice:
		return s.applyRemoveDevice(ev, p)
	case *AddGuardian:
		return s.applyAddGuardian(ev, p)
	case *RemoveGuardian:
		return s.applyRemoveGuardian(ev, p)
	case *SessionFailed:
		return s.applySessionFailed(p)
	case *ChannelEpochBump:
		return s.applyChannelEpochBump(p)
	case *ReportNonceReuse:
		return s.applyReportNonceReuse(ev, p)
	default:
		return invalidf("no reducer for %s", ev.Type)
	}
}

// matchAuthor requires a device-certified event to be signed by device.
func matchAuthor(ev *Event, device ids.DeviceID) error {
	if ev.Authorization.Kind == AuthDevice && ev.Authorization.DeviceID != device {
		return fmt.Errorf("%w: signed by %s on behalf of %s", ErrKeyMismatch,
			ids.Short(ev.Authorization.DeviceID), ids.Short(device))
	}
	return nil
}

func (s *AccountState) applyEpochTick(ev *Event, p *EpochTick) error {
	if p.NewEpoch <= s.LamportClock {
		return &StaleEpochError{Provided: p.NewEpoch, Current: s.LamportClock}
	}
	current, err := s.StateHash()
	if err != nil {
		return err
	}
	if p.EvidenceHash != current {
		return invalidf("evidence hash %s does not match state %s", p.EvidenceHash, current)
	}
	if gap := p.NewEpoch - s.LamportClock; gap < MinEpochTickGap {
		return invalidf("epoch tick gap %d below minimum %d", gap, MinEpochTickGap)
	}
	// Without a prior tick time or an event timestamp the wall-time limit
	// cannot be evaluated and is skipped.
	if s.LastTickAt != 0 && ev.Timestamp != 0 {
		var elapsed uint64
		if ev.Timestamp > s.LastTickAt {
			elapsed = ev.Timestamp - s.LastTickAt
		}
		if elapsed < MinEpochTickIntervalMs {
			return invalidf("epoch tick %dms after previous, minimum %dms", elapsed, MinEpochTickIntervalMs)
		}
	}
	return nil
}

func (s *AccountState) applyRequestLock(ev *Event, p *RequestOperationLock) error {
	if !p.Operation.RequiresLock() {
		return invalidf("%s does not take the operation lock", p.Operation)
	}
	if err := matchAuthor(ev, p.DeviceID); err != nil {
		return err
	}
	if _, err := s.activeDevice(p.DeviceID); err != nil {
		return err
	}
	if p.LotteryTicket != LotteryTicket(p.DeviceID, p.SessionID, ev.EpochAtWrite) {
		return invalidf("lottery ticket does not match holder, session and epoch")
	}
	if _, dup := s.LockRequests[p.SessionID]; dup {
		return invalidf("lock already requested for session %s", ids.Short(p.SessionID))
	}
	req := *p
	s.LockRequests[p.SessionID] = &req
	return nil
}

func (s *AccountState) applyGrantLock(ev *Event, p *GrantOperationLock) error {
	req, ok := s.LockRequests[p.SessionID]
	if !ok || req.Operation != p.Operation || req.DeviceID != p.Winner {
		return invalidf("no matching lock request from %s", ids.Short(p.Winner))
	}
	if l := s.ActiveOperationLock; l != nil && !l.Expired(ev.Timestamp) {
		return fmt.Errorf("%w: %s held by session %s", ErrLockHeld, l.Operation, ids.Short(l.SessionID))
	}
	for _, other := range s.LockRequests {
		if other.Operation == p.Operation && bytes.Compare(other.LotteryTicket[:], req.LotteryTicket[:]) < 0 {
			return invalidf("device %s holds a lower lottery ticket", ids.Short(other.DeviceID))
		}
	}
	s.ActiveOperationLock = &OperationLock{
		Operation:      p.Operation,
		SessionID:      p.SessionID,
		Holder:         p.Winner,
		GrantedAtEpoch: p.GrantedAtEpoch,
		LotteryTicket:  req.LotteryTicket,
		AcquiredAt:     ev.Timestamp,
		ExpiresAt:      ev.Timestamp + LockTTLMs,
	}
	for id, other := range s.LockRequests {
		if other.Operation == p.Operation {
			delete(s.LockRequests, id)
		}
	}
	return nil
}

func (s *AccountState) applyReleaseLock(ev *Event, p *ReleaseOperationLock) error {
	l := s.ActiveOperationLock
	if l == nil || l.SessionID != p.SessionID || l.Operation != p.Operation {
		return invalidf("no %s lock held by session %s", p.Operation, ids.Short(p.SessionID))
	}
	if l.Holder != p.DeviceID {
		return invalidf("lock held by %s, not %s", ids.Short(l.Holder), ids.Short(p.DeviceID))
	}
	if err := matchAuthor(ev, p.DeviceID); err != nil {
		return err
	}
	s.ActiveOperationLock = nil
	return nil
}

// holdLock requires session to hold the unexpired lock for op.
func (s *AccountState) holdLock(op OperationType, session ids.SessionID, nowMs uint64) error {
	l := s.ActiveOperationLock
	switch {
	case l == nil || l.Expired(nowMs):
		return invalidf("%s lock not granted to session %s", op, ids.Short(session))
	case l.SessionID != session || l.Operation != op:
		return fmt.Errorf("%w: %s held by session %s", ErrLockHeld, l.Operation, ids.Short(l.SessionID))
	}
	return nil
}

func (s *AccountState) releaseLockFor(session ids.SessionID) {
	if l := s.ActiveOperationLock; l != nil && l.SessionID == session {
		s.ActiveOperationLock = nil
	}
}

func (s *AccountState) newSession(id ids.SessionID, protocol ProtocolType, ev *Event, start, ttl uint64) (*SessionRecord, error) {
	if _, exists := s.Sessions[id]; exists {
		return nil, invalidf("session %s already exists", ids.Short(id))
	}
	if ttl == 0 {
		return nil, invalidf("session %s has zero ttl", ids.Short(id))
	}
	rec := &SessionRecord{
		SessionID:  id,
		Protocol:   protocol,
		StartEpoch: start,
		TTLEpochs:  ttl,
		Status:     StatusActive,
		StartedAt:  ev.Timestamp,
	}
	s.Sessions[id] = rec
	return rec, nil
}

func (s *AccountState) activeSession(id ids.SessionID, protocol ProtocolType) (*SessionRecord, error) {
	rec, ok := s.Sessions[id]
	if !ok || rec.Protocol != protocol {
		return nil, fmt.Errorf("%w: %s session %s", ErrSessionUnknown, protocol, ids.Short(id))
	}
	if rec.IsTerminal() {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionTerminal, ids.Short(id), rec.Status)
	}
	return rec, nil
}

func (s *AccountState) checkParticipants(list []ids.DeviceID) error {
	if len(list) == 0 {
		return ErrInsufficientParticipants
	}
	if !uniqueDevices(list) {
		return invalidf("duplicate participant")
	}
	for _, d := range list {
		if _, err := s.activeDevice(d); err != nil {
			return err
		}
	}
	return nil
}

func (s *AccountState) abortSession(id ids.SessionID, protocol ProtocolType, reason AbortReason) error {
	rec, err := s.activeSession(id, protocol)
	if err != nil {
		return err
	}
	if reason.Kind == AbortByzantine && reason.Device == nil {
		return invalidf("byzantine abort without a blamed device")
	}
	rec.finish(StatusFailed, SessionOutcome{Kind: OutcomeAborted, Reason: reason})
	s.releaseLockFor(id)
	return nil
}

func (s *AccountState) applyInitiateDkd(ev *Event, p *InitiateDkdSession) error {
	if err := s.checkParticipants(p.Participants); err != nil {
		return err
	}
	if p.Threshold < 1 || int(p.Threshold) > len(p.Participants) {
		return invalidf("dkd threshold %d for %d participants", p.Threshold, len(p.Participants))
	}
	rec, err := s.newSession(p.SessionID, ProtocolDKD, ev, p.StartEpoch, p.TTLEpochs)
	if err != nil {
		return err
	}
	rec.ContextID = p.ContextID
	rec.Participants = slices.Clone(p.Participants)
	rec.Threshold = p.Threshold
	rec.DKD = &DKDProgress{Commitments: map[ids.DeviceID]ids.Hash{}, Reveals: map[ids.DeviceID][]byte{}}

	// Concurrent sessions on one context: the smaller session id wins.
	superseded := AbortReason{Kind: AbortSuperseded}
	for _, other := range s.Sessions {
		if other == rec || other.Protocol != ProtocolDKD || other.Status != StatusActive || other.ContextID != p.ContextID {
			continue
		}
		if ids.Less(p.SessionID, other.SessionID) {
			other.finish(StatusFailed, SessionOutcome{Kind: OutcomeAborted, Reason: superseded})
		} else {
			rec.finish(StatusFailed, SessionOutcome{Kind: OutcomeAborted, Reason: superseded})
		}
	}
	return nil
}

func (s *AccountState) applyDkdCommitment(ev *Event, p *RecordDkdCommitment) error {
	rec, err := s.activeSession(p.SessionID, ProtocolDKD)
	if err != nil {
		return err
	}
	if err := matchAuthor(ev, p.DeviceID); err != nil {
		return err
	}
	if !containsDevice(rec.Participants, p.DeviceID) {
		return invalidf("%s is not a participant", ids.Short(p.DeviceID))
	}
	if len(rec.DKD.Reveals) > 0 {
		return invalidf("commitment phase closed")
	}
	if _, dup := rec.DKD.Commitments[p.DeviceID]; dup {
		return invalidf("duplicate commitment from %s", ids.Short(p.DeviceID))
	}
	rec.DKD.Commitments[p.DeviceID] = p.Commitment
	rec.PhaseStarted = true
	return nil
}

func (s *AccountState) applyDkdReveal(ev *Event, p *RevealDkdPoint) error {
	rec, err := s.activeSession(p.SessionID, ProtocolDKD)
	if err != nil {
		return err
	}
	if err := matchAuthor(ev, p.DeviceID); err != nil {
		return err
	}
	if _, committed := rec.DKD.Commitments[p.DeviceID]; !committed {
		return invalidf("reveal from %s without commitment", ids.Short(p.DeviceID))
	}
	if n := len(rec.DKD.Commitments); n < int(rec.Threshold) {
		return &ThresholdNotMetError{Current: n, Required: int(rec.Threshold)}
	}
	if _, dup := rec.DKD.Reveals[p.DeviceID]; dup {
		return invalidf("duplicate reveal from %s", ids.Short(p.DeviceID))
	}
	if len(p.Point) != Suite.PointSize() {
		return invalidf("dkd point is %d bytes", len(p.Point))
	}
	rec.DKD.Reveals[p.DeviceID] = slices.Clone(p.Point)
	return nil
}

// VerifyDKD checks every reveal of a DKD session against its commitment
// and returns the derived key, commitment root and seed fingerprint.
func VerifyDKD(progress *DKDProgress, threshold uint16) (derived []byte, root, fingerprint ids.Hash, err error) {
	authors := progress.CommittedAuthors()
	if len(authors) < int(threshold) {
		return nil, root, fingerprint, &ThresholdNotMetError{Current: len(authors), Required: int(threshold)}
	}
	if len(progress.Reveals) != len(authors) {
		return nil, root, fingerprint, fmt.Errorf("%w: %d of %d reveals", ErrInsufficientParticipants, len(progress.Reveals), len(authors))
	}
	points := make([][]byte, 0, len(authors))
	commitments := make([]ids.Hash, 0, len(authors))
	for _, author := range authors {
		point := progress.Reveals[author]
		if session.DKDCommitment(point) != progress.Commitments[author] {
			return nil, root, fingerprint, fmt.Errorf("%w: %w", ErrRevealValidationFailed,
				&ByzantineError{Who: author, Why: "revealed point does not match commitment"})
		}
		points = append(points, point)
		commitments = append(commitments, progress.Commitments[author])
	}
	derived, err = session.AggregateDKDPoints(Suite, points)
	if err != nil {
		return nil, root, fingerprint, fmt.Errorf("%w: %v", ErrRevealValidationFailed, err)
	}
	return derived, session.DKDCommitmentRoot(commitments), session.SeedFingerprint(derived), nil
}

func (s *AccountState) applyFinalizeDkd(ev *Event, p *FinalizeDkdSession) error {
	rec, err := s.activeSession(p.SessionID, ProtocolDKD)
	if err != nil {
		return err
	}
	derived, root, fingerprint, err := VerifyDKD(rec.DKD, rec.Threshold)
	if err != nil {
		return err
	}
	if !bytes.Equal(derived, p.DerivedIdentityPK) || root != p.CommitmentRoot || fingerprint != p.SeedFingerprint {
		return fmt.Errorf("%w: finalization does not match reveals", ErrCommitmentValidationFailed)
	}

	authors := rec.DKD.CommittedAuthors()
	commitments := make([]ids.Hash, len(authors))
	for i, a := range authors {
		commitments[i] = rec.DKD.Commitments[a]
	}
	for _, a := range authors {
		d, ok := s.Devices[a]
		if !ok {
			continue
		}
		path, _ := session.DKDCommitmentProof(commitments, rec.DKD.Commitments[a])
		d.DKDProofs[p.SessionID] = DKDProof{Commitment: rec.DKD.Commitments[a], Root: root, Path: path}
	}
	s.DKDCommitmentRoots[p.SessionID] = &CommitmentRoot{
		SessionID:       p.SessionID,
		ContextID:       rec.ContextID,
		Root:            root,
		SeedFingerprint: fingerprint,
		DerivedKey:      slices.Clone(derived),
		Participants:    authors,
		FinalizedAt:     ev.EpochAtWrite,
	}
	rec.finish(StatusCompleted, SessionOutcome{Kind: OutcomeSuccess, Result: slices.Clone(derived)})
	return nil
}

func (s *AccountState) applyInitiateResharing(ev *Event, p *InitiateResharing) error {
	if err := s.holdLock(OpResharing, p.SessionID, ev.Timestamp); err != nil {
		return err
	}
	if p.OldThreshold != s.Threshold {
		return invalidf("old threshold %d, account threshold %d", p.OldThreshold, s.Threshold)
	}
	if err := s.checkParticipants(p.OldParticipants); err != nil {
		return err
	}
	if len(p.OldParticipants) < int(p.OldThreshold) {
		return &ThresholdNotMetError{Current: len(p.OldParticipants), Required: int(p.OldThreshold)}
	}
	for _, d := range p.OldParticipants {
		if s.Devices[d].ShareIndex == 0 {
			return invalidf("dealer %s holds no share", ids.Short(d))
		}
	}
	if err := s.checkParticipants(p.NewParticipants); err != nil {
		return err
	}
	if p.NewThreshold < 1 || int(p.NewThreshold) > len(p.NewParticipants) {
		return invalidf("new threshold %d for %d participants", p.NewThreshold, len(p.NewParticipants))
	}
	rec, err := s.newSession(p.SessionID, ProtocolResharing, ev, p.StartEpoch, p.TTLEpochs)
	if err != nil {
		return err
	}
	all := map[ids.DeviceID]struct{}{}
	for _, d := range append(slices.Clone(p.OldParticipants), p.NewParticipants...) {
		all[d] = struct{}{}
	}
	rec.Participants = ids.Sorted(all)
	rec.Threshold = p.NewThreshold
	rec.Resharing = &ResharingProgress{
		OldThreshold:    p.OldThreshold,
		NewThreshold:    p.NewThreshold,
		OldParticipants: slices.Clone(p.OldParticipants),
		NewParticipants: slices.Clone(p.NewParticipants),
		Distributed:     map[ids.DeviceID][]ids.DeviceID{},
		Acknowledged:    map[ids.DeviceID][]ids.DeviceID{},
	}
	return nil
}

func (s *AccountState) applyDistributeSubShare(ev *Event, p *DistributeSubShare) error {
	rec, err := s.activeSession(p.SessionID, ProtocolResharing)
	if err != nil {
		return err
	}
	if err := matchAuthor(ev, p.From); err != nil {
		return err
	}
	rs := rec.Resharing
	if !containsDevice(rs.OldParticipants, p.From) || !containsDevice(rs.NewParticipants, p.To) {
		return invalidf("sub-share %s -> %s outside the resharing sets", ids.Short(p.From), ids.Short(p.To))
	}
	if containsDevice(rs.Distributed[p.To], p.From) {
		return invalidf("duplicate sub-share %s -> %s", ids.Short(p.From), ids.Short(p.To))
	}
	rs.Distributed[p.To] = append(rs.Distributed[p.To], p.From)
	rec.PhaseStarted = true
	return nil
}

func (s *AccountState) applyAcknowledgeSubShare(ev *Event, p *AcknowledgeSubShare) error {
	rec, err := s.activeSession(p.SessionID, ProtocolResharing)
	if err != nil {
		return err
	}
	if err := matchAuthor(ev, p.To); err != nil {
		return err
	}
	rs := rec.Resharing
	if !containsDevice(rs.Distributed[p.To], p.From) {
		return invalidf("no sub-share %s -> %s to acknowledge", ids.Short(p.From), ids.Short(p.To))
	}
	if containsDevice(rs.Acknowledged[p.To], p.From) {
		return invalidf("duplicate acknowledgement %s -> %s", ids.Short(p.From), ids.Short(p.To))
	}
	rs.Acknowledged[p.To] = append(rs.Acknowledged[p.To], p.From)
	return nil
}

func (s *AccountState) applyFinalizeResharing(ev *Event, p *FinalizeResharing) error {
	rec, err := s.activeSession(p.SessionID, ProtocolResharing)
	if err != nil {
		return err
	}
	rs := rec.Resharing
	if missing := rs.MissingAcks(); len(missing) > 0 {
		return invalidf("%d recipients missing acknowledgements", len(missing))
	}
	if dealers := rs.Dealers(); len(dealers) < int(rs.OldThreshold) {
		return &ThresholdNotMetError{Current: len(dealers), Required: int(rs.OldThreshold)}
	}
	if p.NewThreshold != rs.NewThreshold {
		return invalidf("new threshold %d, session declared %d", p.NewThreshold, rs.NewThreshold)
	}
	// The old shares are consumed by dealing, so a new share holder
	// finalizes; the test signature proves the new set controls the key.
	if ev.Authorization.Kind == AuthDevice && !containsDevice(rs.NewParticipants, ev.Authorization.DeviceID) {
		return invalidf("%s is not a new share holder", ids.Short(ev.Authorization.DeviceID))
	}
	if err := s.checkNewGroupKey(p.SessionID, p.NewGroupPublicKey, p.TestSignature); err != nil {
		return err
	}
	if err := checkPublicShares(p.PublicShares, len(rs.NewParticipants)); err != nil {
		return err
	}
	s.rotateDevices(rs.NewParticipants, p.NewGroupPublicKey, p.NewThreshold, ev.EpochAtWrite, p.PublicShares)
	rec.finish(StatusCompleted, SessionOutcome{Kind: OutcomeSuccess, Result: slices.Clone(p.NewGroupPublicKey)})
	s.releaseLockFor(p.SessionID)
	return nil
}

func (s *AccountState) checkNewGroupKey(session ids.SessionID, key, testSignature []byte) error {
	if _, err := decodeGroupKey(key); err != nil {
		return err
	}
	if bytes.Equal(key, s.GroupPublicKey) {
		return invalidf("new group key equals the current key")
	}
	if err := VerifyGroupSignature(key, ResharingTestMessage(s.AccountID, session), testSignature, nil); err != nil {
		return fmt.Errorf("test signature: %w", err)
	}
	return nil
}

func checkPublicShares(shares [][]byte, participants int) error {
	if len(shares) != participants {
		return invalidf("%d public shares for %d participants", len(shares), participants)
	}
	for i, share := range shares {
		if _, err := Suite.NewPoint().SetBytes(share); err != nil {
			return invalidf("public share %d: %v", i+1, err)
		}
	}
	return nil
}

// rotateDevices installs a new group key held by participants in share
// index order and tombstones active devices left out.
func (s *AccountState) rotateDevices(participants []ids.DeviceID, key []byte, threshold uint16, epoch uint64, publicShares [][]byte) {
	for _, id := range ids.Sorted(s.Devices) {
		if !containsDevice(participants, id) {
			s.tombstoneDevice(id, epoch)
		}
	}
	for i, id := range participants {
		s.Devices[id].ShareIndex = uint16(i + 1)
		s.Devices[id].SharePublicKey = slices.Clone(publicShares[i])
	}
	s.GroupPublicKey = slices.Clone(key)
	s.Threshold = threshold
	s.ShareCount = uint16(len(participants))
}

func (s *AccountState) applyInitiateRecovery(ev *Event, p *InitiateRecovery) error {
	if l := s.ActiveOperationLock; l != nil && !l.Expired(ev.Timestamp) {
		return fmt.Errorf("%w: %s held by session %s", ErrLockHeld, l.Operation, ids.Short(l.SessionID))
	}
	if _, active := s.Devices[p.NewDeviceID]; active {
		return invalidf("recovery device %s is already active", ids.Short(p.NewDeviceID))
	}
	if _, removed := s.RemovedDevices[p.NewDeviceID]; removed {
		return invalidf("recovery device %s is tombstoned", ids.Short(p.NewDeviceID))
	}
	if err := CheckWeakKey(p.NewDevicePK); err != nil {
		return err
	}
	if len(p.RequiredGuardians) == 0 {
		return ErrInsufficientParticipants
	}
	seen := map[ids.GuardianID]bool{}
	for _, g := range p.RequiredGuardians {
		if seen[g] {
			return invalidf("duplicate guardian %s", ids.Short(g))
		}
		seen[g] = true
		if _, err := s.activeGuardian(g); err != nil {
			return err
		}
	}
	if !seen[ev.Authorization.GuardianID] {
		return invalidf("initiating guardian is not among the required guardians")
	}
	if p.QuorumThreshold < 1 || int(p.QuorumThreshold) > len(p.RequiredGuardians) {
		return invalidf("quorum %d of %d guardians", p.QuorumThreshold, len(p.RequiredGuardians))
	}
	if p.QuorumThreshold < s.GuardianThreshold {
		return &ThresholdNotMetError{Current: int(p.QuorumThreshold), Required: int(s.GuardianThreshold)}
	}
	rec, err := s.newSession(p.SessionID, ProtocolRecovery, ev, p.StartEpoch, p.TTLEpochs)
	if err != nil {
		return err
	}
	rec.Participants = []ids.DeviceID{p.NewDeviceID}
	rec.Threshold = p.QuorumThreshold
	rec.Recovery = &RecoveryProgress{
		NewDeviceID:       p.NewDeviceID,
		NewDevicePK:       slices.Clone(p.NewDevicePK),
		RequiredGuardians: slices.Clone(p.RequiredGuardians),
		QuorumThreshold:   p.QuorumThreshold,
		CooldownSeconds:   p.CooldownSeconds,
		Approvals:         map[ids.GuardianID]uint64{},
	}
	s.ActiveOperationLock = &OperationLock{
		Operation:      OpRecovery,
		SessionID:      p.SessionID,
		Holder:         p.NewDeviceID,
		GrantedAtEpoch: ev.EpochAtWrite,
		LotteryTicket:  LotteryTicket(p.NewDeviceID, p.SessionID, ev.EpochAtWrite),
		AcquiredAt:     ev.Timestamp,
		ExpiresAt:      ev.Timestamp + LockTTLMs,
	}
	return nil
}

func (s *AccountState) applyApproveRecovery(ev *Event, p *ApproveRecovery) error {
	rec, err := s.activeSession(p.SessionID, ProtocolRecovery)
	if err != nil {
		return err
	}
	if ev.Authorization.GuardianID != p.GuardianID {
		return fmt.Errorf("%w: approval signed by another guardian", ErrKeyMismatch)
	}
	rp := rec.Recovery
	if !slices.Contains(rp.RequiredGuardians, p.GuardianID) {
		return invalidf("guardian %s is not required for this recovery", ids.Short(p.GuardianID))
	}
	if _, dup := rp.Approvals[p.GuardianID]; dup {
		return invalidf("duplicate approval from %s", ids.Short(p.GuardianID))
	}
	g, err := s.activeGuardian(p.GuardianID)
	if err != nil {
		return err
	}
	msg := RecoveryMessage(s.AccountID, p.SessionID, rp.NewDeviceID, rp.NewDevicePK)
	if !ed25519.Verify(g.PublicKey, msg, p.ApprovalSignature) {
		return fmt.Errorf("%w: recovery approval", ErrInvalidSignature)
	}
	rp.Approvals[p.GuardianID] = ev.Timestamp
	rec.PhaseStarted = true
	return nil
}

// ValidApprovals counts approvals from guardians that are still active and
// that arrived within the cooldown window after the session started. A
// zero cooldown imposes no window.
func (s *AccountState) ValidApprovals(rec *SessionRecord) int {
	rp := rec.Recovery
	count := 0
	for g, at := range rp.Approvals {
		if _, ok := s.Guardian(g); !ok {
			continue
		}
		if rp.CooldownSeconds > 0 && at > rec.StartedAt+rp.CooldownSeconds*1000 {
			continue
		}
		count++
	}
	return count
}

func (s *AccountState) applyExecuteRecovery(ev *Event, p *ExecuteRecovery) error {
	rec, err := s.activeSession(p.SessionID, ProtocolRecovery)
	if err != nil {
		return err
	}
	rp := rec.Recovery
	if _, approved := rp.Approvals[ev.Authorization.GuardianID]; !approved {
		return invalidf("executing guardian did not approve")
	}
	if n, q := s.ValidApprovals(rec), s.RecoveryQuorum(rec); n < q {
		return &ThresholdNotMetError{Current: n, Required: q}
	}
	if !containsDevice(p.Participants, rp.NewDeviceID) {
		return invalidf("recovered device is not a share holder")
	}
	if !uniqueDevices(p.Participants) {
		return invalidf("duplicate participant")
	}
	for _, d := range p.Participants {
		if d == rp.NewDeviceID {
			continue
		}
		if _, err := s.activeDevice(d); err != nil {
			return err
		}
	}
	if p.NewThreshold < 1 || int(p.NewThreshold) > len(p.Participants) {
		return invalidf("new threshold %d for %d participants", p.NewThreshold, len(p.Participants))
	}
	if err := s.checkNewGroupKey(p.SessionID, p.NewGroupPublicKey, p.TestSignature); err != nil {
		return err
	}
	if err := checkPublicShares(p.PublicShares, len(p.Participants)); err != nil {
		return err
	}
	s.Devices[rp.NewDeviceID] = &DeviceMetadata{
		DeviceID:  rp.NewDeviceID,
		Name:      "recovered",
		Type:      DeviceNative,
		PublicKey: slices.Clone(rp.NewDevicePK),
		AddedAt:   ev.EpochAtWrite,
		DKDProofs: map[ids.SessionID]DKDProof{},
	}
	s.rotateDevices(p.Participants, p.NewGroupPublicKey, p.NewThreshold, ev.EpochAtWrite, p.PublicShares)
	rec.finish(StatusCompleted, SessionOutcome{Kind: OutcomeSuccess, Result: slices.Clone(p.NewGroupPublicKey)})
	s.releaseLockFor(p.SessionID)
	return nil
}

func (s *AccountState) applyProposeCompaction(ev *Event, p *ProposeCompaction) error {
	if err := s.holdLock(OpCompaction, p.SessionID, ev.Timestamp); err != nil {
		return err
	}
	if err := matchAuthor(ev, p.Proposer); err != nil {
		return err
	}
	if p.BeforeEpoch > s.LamportClock || p.BeforeEpoch <= s.CompactedBefore {
		return invalidf("compaction cut %d outside (%d, %d]", p.BeforeEpoch, s.CompactedBefore, s.LamportClock)
	}
	for _, id := range p.Preserve {
		if _, ok := s.DKDCommitmentRoots[id]; !ok {
			return invalidf("no commitment root for session %s", ids.Short(id))
		}
	}
	rec, err := s.newSession(p.SessionID, ProtocolCompaction, ev, p.StartEpoch, p.TTLEpochs)
	if err != nil {
		return err
	}
	for _, d := range s.ShareHolders() {
		rec.Participants = append(rec.Participants, d.DeviceID)
	}
	rec.Threshold = s.Threshold
	rec.Compaction = &CompactionProgress{
		BeforeEpoch:    p.BeforeEpoch,
		Preserve:       slices.Clone(p.Preserve),
		AffectedEvents: p.AffectedEvents,
		Proposer:       p.Proposer,
		Acks:           map[ids.DeviceID]bool{},
	}
	return nil
}

func (s *AccountState) applyAcknowledgeCompaction(ev *Event, p *AcknowledgeCompaction) error {
	rec, err := s.activeSession(p.SessionID, ProtocolCompaction)
	if err != nil {
		return err
	}
	if err := matchAuthor(ev, p.DeviceID); err != nil {
		return err
	}
	if !containsDevice(rec.Participants, p.DeviceID) {
		return invalidf("%s holds no share", ids.Short(p.DeviceID))
	}
	if _, dup := rec.Compaction.Acks[p.DeviceID]; dup {
		return invalidf("duplicate acknowledgement from %s", ids.Short(p.DeviceID))
	}
	rec.Compaction.Acks[p.DeviceID] = p.HasProofs
	rec.PhaseStarted = true
	return nil
}

func (s *AccountState) applyCommitCompaction(ev *Event, p *CommitCompaction) error {
	rec, err := s.activeSession(p.SessionID, ProtocolCompaction)
	if err != nil {
		return err
	}
	cp := rec.Compaction
	if p.BeforeEpoch != cp.BeforeEpoch {
		return invalidf("commit cut %d, proposed %d", p.BeforeEpoch, cp.BeforeEpoch)
	}
	if !sameSessions(p.Preserved, cp.Preserve) {
		return invalidf("preserved sessions differ from proposal")
	}
	ready := cp.Ready()
	acknowledged := slices.Clone(p.Acknowledged)
	ids.Sort(acknowledged)
	if !slices.Equal(acknowledged, ready) {
		return invalidf("acknowledged devices differ from recorded acknowledgements")
	}
	if len(ready) < int(s.Threshold) {
		return &ThresholdNotMetError{Current: len(ready), Required: int(s.Threshold)}
	}

	// Commitment roots and device proofs outlive the cut; only events and
	// terminal sessions before it go.
	s.CompactedBefore = cp.BeforeEpoch
	for id, other := range s.Sessions {
		if id != p.SessionID && other.IsTerminal() && other.StartEpoch < cp.BeforeEpoch {
			delete(s.Sessions, id)
		}
	}
	rec.finish(StatusCompleted, SessionOutcome{Kind: OutcomeSuccess})
	s.releaseLockFor(p.SessionID)
	return nil
}

func sameSessions(a, b []ids.SessionID) bool {
	as, bs := slices.Clone(a), slices.Clone(b)
	ids.Sort(as)
	ids.Sort(bs)
	return slices.Equal(as, bs)
}

func (s *AccountState) applyAddDevice(ev *Event, p *AddDevice) error {
	if _, active := s.Devices[p.DeviceID]; active {
		return invalidf("device %s already registered", ids.Short(p.DeviceID))
	}
	if _, removed := s.RemovedDevices[p.DeviceID]; removed {
		return invalidf("device %s is tombstoned", ids.Short(p.DeviceID))
	}
	if err := CheckWeakKey(p.PublicKey); err != nil {
		return err
	}
	if p.ShareIndex != 0 {
		for _, d := range s.Devices {
			if d.ShareIndex == p.ShareIndex {
				return invalidf("share index %d already assigned", p.ShareIndex)
			}
		}
	}
	s.Devices[p.DeviceID] = &DeviceMetadata{
		DeviceID:   p.DeviceID,
		Name:       p.Name,
		Type:       p.Type,
		PublicKey:  slices.Clone(p.PublicKey),
		ShareIndex: p.ShareIndex,
		AddedAt:    ev.EpochAtWrite,
		DKDProofs:  map[ids.SessionID]DKDProof{},
	}
	return nil
}

func (s *AccountState) applyRemoveDevice(ev *Event, p *RemoveDevice) error {
	d, err := s.activeDevice(p.DeviceID)
	if err != nil {
		return err
	}
	if d.ShareIndex != 0 && len(s.ShareHolders())-1 < int(s.Threshold) {
		return &ThresholdNotMetError{Current: len(s.ShareHolders()) - 1, Required: int(s.Threshold)}
	}
	s.tombstoneDevice(p.DeviceID, ev.EpochAtWrite)
	return nil
}

func (s *AccountState) applyAddGuardian(ev *Event, p *AddGuardian) error {
	if _, removed := s.RemovedGuardians[p.GuardianID]; removed {
		return invalidf("guardian %s is tombstoned", ids.Short(p.GuardianID))
	}
	if _, active := s.Guardians[p.GuardianID]; active {
		return invalidf("guardian %s already registered", ids.Short(p.GuardianID))
	}
	if err := CheckWeakKey(p.PublicKey); err != nil {
		return err
	}
	s.Guardians[p.GuardianID] = &GuardianMetadata{
		GuardianID:  p.GuardianID,
		Name:        p.Name,
		ContactInfo: p.ContactInfo,
		PublicKey:   slices.Clone(p.PublicKey),
		AddedAt:     ev.EpochAtWrite,
	}
	return s.setGuardianThreshold(p.GuardianThreshold)
}

func (s *AccountState) applyRemoveGuardian(ev *Event, p *RemoveGuardian) error {
	if _, err := s.activeGuardian(p.GuardianID); err != nil {
		return err
	}
	delete(s.Guardians, p.GuardianID)
	s.RemovedGuardians[p.GuardianID] = ev.EpochAtWrite
	return s.setGuardianThreshold(p.GuardianThreshold)
}

func (s *AccountState) applySessionFailed(p *SessionFailed) error {
	rec, ok := s.Sessions[p.SessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionUnknown, ids.Short(p.SessionID))
	}
	if rec.IsTerminal() {
		return fmt.Errorf("%w: session %s is %s", ErrSessionTerminal, ids.Short(p.SessionID), rec.Status)
	}
	reason := AbortReason{Kind: AbortUserCancelled, Details: p.Reason}
	kind := OutcomeCancelled
	if p.Blamed != nil {
		blamed := *p.Blamed
		reason = AbortReason{Kind: AbortByzantine, Device: &blamed, Details: p.Reason}
		kind = OutcomeAborted
	}
	rec.finish(StatusFailed, SessionOutcome{Kind: kind, Reason: reason})
	s.releaseLockFor(p.SessionID)
	return nil
}

// ChannelBumpID is BLAKE3("amp-bump:" || hex(channel) || ":" || epoch).
func ChannelBumpID(channel ids.ChannelID, epoch uint64) ids.Hash {
	return ids.Sum([]byte("amp-bump:" + hex.EncodeToString(channel[:]) + ":" + strconv.FormatUint(epoch, 10)))
}

// ChannelConsensusID is BLAKE3("amp-consensus:" || hex(channel) || ":" ||
// epoch).
func ChannelConsensusID(channel ids.ChannelID, epoch uint64) ids.Hash {
	return ids.Sum([]byte("amp-consensus:" + hex.EncodeToString(channel[:]) + ":" + strconv.FormatUint(epoch, 10)))
}

func (s *AccountState) applyChannelEpochBump(p *ChannelEpochBump) error {
	if p.NewEpoch != p.ParentEpoch+1 {
		return invalidf("channel bump %d -> %d", p.ParentEpoch, p.NewEpoch)
	}
	if p.BumpID != ChannelBumpID(p.ChannelID, p.NewEpoch) {
		return invalidf("bump id does not match channel and epoch")
	}
	if cur, ok := s.ChannelEpochs[p.ChannelID]; ok {
		if cur.ContextID != p.ContextID {
			return invalidf("channel %s belongs to another context", ids.Short(p.ChannelID))
		}
		if p.ParentEpoch != cur.Epoch {
			return &StaleEpochError{Provided: p.ParentEpoch, Current: cur.Epoch}
		}
	}
	s.ChannelEpochs[p.ChannelID] = &ChannelEpoch{ContextID: p.ContextID, Epoch: p.NewEpoch, BumpID: p.BumpID}
	return nil
}

// NonceConflictID identifies two events signed under one nonce by their
// signable hashes, in either order.
func NonceConflictID(a, b ids.Hash) ids.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return ids.Sum([]byte("aura-nonce-conflict:"), a[:], b[:])
}

// applyReportNonceReuse strikes a device once per distinct pair of its
// events sharing a nonce. The strike epoch is the report's, so every
// replica applying the report reaches the same state.
func (s *AccountState) applyReportNonceReuse(ev *Event, p *ReportNonceReuse) error {
	d, err := s.activeDevice(p.DeviceID)
	if err != nil {
		return err
	}
	var (
		hashes [2]ids.Hash
		nonces [2]uint64
	)
	for i, data := range [][]byte{p.First, p.Second} {
		e, err := UnmarshalEvent(data)
		if err != nil {
			return err
		}
		if e.AccountID != s.AccountID {
			return invalidf("nonce reuse evidence from account %s", ids.Short(e.AccountID))
		}
		if e.Authorization.Kind != AuthDevice || e.Authorization.DeviceID != p.DeviceID {
			return invalidf("nonce reuse evidence not signed by %s", ids.Short(p.DeviceID))
		}
		h, err := e.SignableHash()
		if err != nil {
			return err
		}
		if err := verifyEd25519(d.PublicKey, h[:], e.Authorization.Signature, nil); err != nil {
			return fmt.Errorf("nonce reuse evidence: %w", err)
		}
		hashes[i], nonces[i] = h, e.Nonce
	}
	if nonces[0] != nonces[1] {
		return invalidf("nonce reuse evidence has nonces %d and %d", nonces[0], nonces[1])
	}
	if hashes[0] == hashes[1] {
		return invalidf("nonce reuse evidence is a single event")
	}
	id := NonceConflictID(hashes[0], hashes[1])
	if slices.Contains(s.NonceReports[p.DeviceID], id) {
		return invalidf("nonce conflict %s already reported", ids.Short(id))
	}
	s.NonceReports[p.DeviceID] = append(s.NonceReports[p.DeviceID], id)
	s.RecordStrike(p.DeviceID, ev.EpochAtWrite)
	return nil
}
