// Package journal defines an account's events and the state they reduce to.
//
// # Events
//
// An [Event] is a CBOR array carrying a header (account, timestamp, nonce,
// parent hash, Lamport value), a tagged payload and an [Authorization].
// [Event.Hash] covers every field; [Event.SignableHash] omits the
// authorization so a signer can sign before attaching it.
//
// Authorization is one of three kinds:
//
//   - a FROST signature by at least threshold share holders, verified
//     against the current group key;
//   - a device certificate, an ed25519 signature by an active device over
//     the signable hash, with a fresh nonce;
//   - a guardian signature over [GuardianMessage].
//
// [AcceptedAuthorizations] lists which kinds each event type accepts.
//
// # State
//
// [AccountState] is built by [NewAccountState] from a genesis
// configuration and advanced by [AccountState.Apply]. Callers run
// [Authorize] first and apply to a [AccountState.Clone], so a rejected
// event leaves the published state untouched. Sessions (DKD, resharing,
// recovery and compaction) are reduced from their events and expire when
// the Lamport clock moves more than their TTL past their start.
//
// # Errors
//
// Every error is classified by [KindOf] into authorization, protocol,
// resource, policy or lifecycle failures.
package journal
