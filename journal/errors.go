package journal

import (
	"errors"
	"fmt"

	"github.com/f3rmion/aura/ids"
)

// Kind classifies an error by how the system reacts to it.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindAuthorization errors are fatal to one event.
	KindAuthorization
	// KindProtocol errors fail the session that raised them.
	KindProtocol
	// KindResource errors come from storage, network or time; a subset is
	// transient.
	KindResource
	// KindPolicy errors are raised by effect policy, channel budgets and
	// leakage accounting.
	KindPolicy
	// KindLifecycle errors report stale or illegal state progressions.
	KindLifecycle
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	KindAuthorization: "authorization",
	KindProtocol:      "protocol",
	KindResource:      "resource",
	KindPolicy:        "policy",
	KindLifecycle:     "lifecycle",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Kinded is implemented by errors that carry their own classification.
// Other packages implement it on their structured errors so that KindOf
// works across the module.
type Kinded interface {
	Kind() Kind
}

// KindOf returns the classification of the first error in err's chain that
// carries one, or KindUnknown.
func KindOf(err error) Kind {
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Kind() Kind    { return e.kind }

// NewKindError returns a sentinel error with a fixed classification.
func NewKindError(kind Kind, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// Authorization errors.
var (
	ErrInvalidSignature = NewKindError(KindAuthorization, "invalid signature")
	ErrDeviceNotFound   = NewKindError(KindAuthorization, "device not found")
	ErrDeviceRevoked    = NewKindError(KindAuthorization, "device revoked")
	ErrGuardianNotFound = NewKindError(KindAuthorization, "guardian not found")
	ErrGuardianRevoked  = NewKindError(KindAuthorization, "guardian revoked")
	ErrWeakKey          = NewKindError(KindAuthorization, "weak public key")
	ErrCompromisedKey   = NewKindError(KindAuthorization, "compromised public key")
	ErrKeyMismatch      = NewKindError(KindAuthorization, "key mismatch")
	ErrNonceReuse       = NewKindError(KindAuthorization, "nonce reuse")
	ErrUnauthorized     = NewKindError(KindAuthorization, "authorization kind not accepted for event")
)

// Protocol errors.
var (
	ErrInvalidState               = NewKindError(KindProtocol, "invalid state")
	ErrInsufficientParticipants   = NewKindError(KindProtocol, "insufficient participants")
	ErrCommitmentValidationFailed = NewKindError(KindProtocol, "commitment validation failed")
	ErrRevealValidationFailed     = NewKindError(KindProtocol, "reveal validation failed")
)

// Resource errors.
var (
	ErrStorage = NewKindError(KindResource, "storage error")
	ErrNetwork = NewKindError(KindResource, "network error")
	ErrTimeout = NewKindError(KindResource, "timeout")
)

// Policy errors.
var (
	ErrCapabilityShrink = NewKindError(KindPolicy, "capability shrink")
	ErrBudgetExceeded   = NewKindError(KindPolicy, "budget exceeded")
)

// Lifecycle errors.
var (
	ErrExpired         = NewKindError(KindLifecycle, "expired")
	ErrSessionUnknown  = NewKindError(KindLifecycle, "unknown session")
	ErrSessionTerminal = NewKindError(KindLifecycle, "session is terminal")
	ErrLockHeld        = NewKindError(KindLifecycle, "operation lock held")
)

// ThresholdNotMetError reports too few signers or approvals.
type ThresholdNotMetError struct {
	Current  int
	Required int
}

func (e *ThresholdNotMetError) Error() string {
	return fmt.Sprintf("threshold not met: %d of %d", e.Current, e.Required)
}

func (e *ThresholdNotMetError) Kind() Kind { return KindAuthorization }

// StaleEpochError reports an epoch that does not advance the clock.
type StaleEpochError struct {
	Provided uint64
	Current  uint64
}

func (e *StaleEpochError) Error() string {
	return fmt.Sprintf("stale epoch: provided %d, current %d", e.Provided, e.Current)
}

func (e *StaleEpochError) Kind() Kind { return KindLifecycle }

// InvalidEventError reports an event that fails a precondition.
type InvalidEventError struct {
	Details string
}

func (e *InvalidEventError) Error() string { return "invalid event: " + e.Details }

func (e *InvalidEventError) Kind() Kind { return KindAuthorization }

func invalidf(format string, args ...any) error {
	return &InvalidEventError{Details: fmt.Sprintf(format, args...)}
}

// ByzantineError blames a device for provably wrong protocol behaviour.
type ByzantineError struct {
	Who ids.DeviceID
	Why string
}

func (e *ByzantineError) Error() string {
	return fmt.Sprintf("byzantine behavior by %s: %s", ids.Short(e.Who), e.Why)
}

func (e *ByzantineError) Kind() Kind { return KindProtocol }
