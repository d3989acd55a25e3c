package agent

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/f3rmion/aura/bridge"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/journal"
)

// LocalPeer names the agent's own ledger in sync events when it has no
// peers to pull from.
const LocalPeer = "local"

// sync pulls every peer ledger in name order, reports what changed on the
// account, sweeps expired proposals and processes pending teardowns.
func (a *Agent) sync(ctx context.Context) error {
	names := slices.Sorted(maps.Keys(a.peers))
	if len(names) == 0 {
		a.emit(bridge.SyncStarted{Peer: LocalPeer})
		a.mu.Lock()
		n := a.ledger.Seq() - a.synced
		a.mu.Unlock()
		a.emit(bridge.SyncCompleted{Peer: LocalPeer, Changes: uint32(n)})
	}
	for _, name := range names {
		a.emit(bridge.SyncStarted{Peer: name})
		n, err := a.ledger.Sync(ctx, a.peers[name])
		if err != nil {
			a.emit(bridge.SyncFailed{Peer: name, Reason: err.Error()})
			a.reportNonceConflicts(ctx)
			return fmt.Errorf("syncing from %s: %w", name, err)
		}
		a.emit(bridge.SyncCompleted{Peer: name, Changes: uint32(n)})
	}
	a.reportNonceConflicts(ctx)

	a.reportAccountChanges()
	if n := a.proposals.SweepExpired(a.clock.NowMs()); n > 0 {
		a.log.Info().Int("count", n).Msg("expired proposals failed")
	}
	a.processTeardowns(ctx)
	return nil
}

// reportNonceConflicts appends the nonce reuse evidence the ledger
// gathered, striking the offending devices on every replica.
func (a *Agent) reportNonceConflicts(ctx context.Context) {
	for _, r := range a.ledger.NonceConflicts() {
		if _, err := a.protocol.Emit(ctx, r); err != nil {
			a.log.Warn().Err(err).Str("device_id", ids.Short(r.DeviceID)).Msg("could not report nonce reuse")
			continue
		}
		a.log.Warn().Str("device_id", ids.Short(r.DeviceID)).Msg("nonce reuse reported")
	}
}

// reportAccountChanges emits the device set changes since the last report
// and AccountUpdated when the ledger moved.
func (a *Agent) reportAccountChanges() {
	var added, removed []ids.DeviceID
	a.mu.Lock()
	a.ledger.View(func(state *journal.AccountState) {
		for _, id := range state.ActiveDevices() {
			if _, ok := a.devices[id]; !ok {
				added = append(added, id)
			}
		}
		for id := range a.devices {
			if !state.IsDeviceActive(id) {
				removed = append(removed, id)
			}
		}
	})
	for _, id := range added {
		a.devices[id] = struct{}{}
	}
	for _, id := range removed {
		delete(a.devices, id)
	}
	seq := a.ledger.Seq()
	changed := seq != a.synced
	a.synced = seq
	a.mu.Unlock()

	ids.Sort(added)
	ids.Sort(removed)
	for _, id := range added {
		a.emit(bridge.DeviceAdded{DeviceID: id.String()})
	}
	for _, id := range removed {
		a.emit(bridge.DeviceRemoved{DeviceID: id.String()})
	}
	if changed {
		a.emit(bridge.AccountUpdated{AuthorityID: a.cfg.AuthorityID.String()})
	}
}
