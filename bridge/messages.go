package bridge

import "fmt"

// Command is a request dispatched to the device.
type Command interface {
	CommandName() string
}

// Recovery commands.
type (
	StartRecovery          struct{}
	SubmitGuardianApproval struct{ GuardianID string }
	CompleteRecovery       struct{}
	CancelRecovery         struct{}
)

// Channel commands. Channel is the channel id in lower hex.
type (
	SendMessage struct {
		Channel string
		Content string
	}
	JoinChannel  struct{ Channel string }
	LeaveChannel struct{ Channel string }
	// InviteUser invites the authority Target, reachable at device Device,
	// to Channel.
	InviteUser struct {
		Channel string
		Target  string
		Device  string
	}
	AcceptInvitation  struct{ InvitationID string }
	DeclineInvitation struct{ InvitationID string }
	SetTopic          struct {
		Channel string
		Text    string
	}
	KickUser struct {
		Channel string
		Target  string
		Reason  string
	}
)

// System commands.
type (
	ForceSync struct{}
	// Ping carries the dispatch time so the Pong can report latency.
	Ping     struct{ SentAtMs uint64 }
	Shutdown struct{}
)

func (StartRecovery) CommandName() string          { return "start_recovery" }
func (SubmitGuardianApproval) CommandName() string { return "submit_guardian_approval" }
func (CompleteRecovery) CommandName() string       { return "complete_recovery" }
func (CancelRecovery) CommandName() string         { return "cancel_recovery" }
func (SendMessage) CommandName() string            { return "send_message" }
func (JoinChannel) CommandName() string            { return "join_channel" }
func (LeaveChannel) CommandName() string           { return "leave_channel" }
func (InviteUser) CommandName() string             { return "invite_user" }
func (AcceptInvitation) CommandName() string       { return "accept_invitation" }
func (DeclineInvitation) CommandName() string      { return "decline_invitation" }
func (SetTopic) CommandName() string               { return "set_topic" }
func (KickUser) CommandName() string               { return "kick_user" }
func (ForceSync) CommandName() string              { return "force_sync" }
func (Ping) CommandName() string                   { return "ping" }
func (Shutdown) CommandName() string               { return "shutdown" }

// Category groups events for filtering.
type Category uint8

const (
	CategoryConnection Category = 1 << iota
	CategoryRecovery
	CategoryAccount
	CategoryChat
	CategorySync
	CategoryErrors
	CategorySystem
	CategoryProposals
)

func (c Category) String() string {
	switch c {
	case CategoryConnection:
		return "connection"
	case CategoryRecovery:
		return "recovery"
	case CategoryAccount:
		return "account"
	case CategoryChat:
		return "chat"
	case CategorySync:
		return "sync"
	case CategoryErrors:
		return "errors"
	case CategorySystem:
		return "system"
	case CategoryProposals:
		return "proposals"
	}
	return fmt.Sprintf("category(%#x)", uint8(c))
}

// Event is something the device reports to its subscribers.
type Event interface {
	Category() Category
}

type (
	Connected    struct{}
	Disconnected struct{ Reason string }
	Reconnecting struct{ Attempt, Max uint32 }

	RecoveryStarted  struct{ SessionID string }
	GuardianApproved struct {
		GuardianID         string
		Current, Threshold uint32
	}
	ThresholdMet      struct{ SessionID string }
	RecoveryCompleted struct{ SessionID string }
	RecoveryFailed    struct{ SessionID, Reason string }
	RecoveryCancelled struct{ SessionID string }

	AccountUpdated struct{ AuthorityID string }
	DeviceAdded    struct{ DeviceID string }
	DeviceRemoved  struct{ DeviceID string }

	MessageReceived struct {
		Channel   string
		From      string
		Content   string
		Timestamp uint64
	}
	UserJoined struct{ Channel, User string }
	UserLeft   struct{ Channel, User string }
	// InvitationReceived reports an invitation awaiting AcceptInvitation
	// or DeclineInvitation.
	InvitationReceived struct{ InvitationID, Channel, From string }

	SyncStarted   struct{ Peer string }
	SyncCompleted struct {
		Peer    string
		Changes uint32
	}
	SyncFailed struct{ Peer, Reason string }

	Error struct {
		Code    string
		Message string
	}
	Warning struct{ Message string }

	Pong         struct{ LatencyMs uint64 }
	ShuttingDown struct{}

	// ProposalCreated reports an operation deferred to approval.
	ProposalCreated struct {
		ProposalID string
		Operation  string
	}
	ProposalCompleted struct{ ProposalID string }
	ProposalFailed    struct{ ProposalID, Reason string }
)

func (Connected) Category() Category    { return CategoryConnection }
func (Disconnected) Category() Category { return CategoryConnection }
func (Reconnecting) Category() Category { return CategoryConnection }

func (RecoveryStarted) Category() Category   { return CategoryRecovery }
func (GuardianApproved) Category() Category  { return CategoryRecovery }
func (ThresholdMet) Category() Category      { return CategoryRecovery }
func (RecoveryCompleted) Category() Category { return CategoryRecovery }
func (RecoveryFailed) Category() Category    { return CategoryRecovery }
func (RecoveryCancelled) Category() Category { return CategoryRecovery }

func (AccountUpdated) Category() Category { return CategoryAccount }
func (DeviceAdded) Category() Category    { return CategoryAccount }
func (DeviceRemoved) Category() Category  { return CategoryAccount }

func (MessageReceived) Category() Category { return CategoryChat }
func (UserJoined) Category() Category      { return CategoryChat }
func (UserLeft) Category() Category        { return CategoryChat }

func (InvitationReceived) Category() Category { return CategoryChat }

func (SyncStarted) Category() Category   { return CategorySync }
func (SyncCompleted) Category() Category { return CategorySync }
func (SyncFailed) Category() Category    { return CategorySync }

func (Error) Category() Category   { return CategoryErrors }
func (Warning) Category() Category { return CategoryErrors }

func (Pong) Category() Category         { return CategorySystem }
func (ShuttingDown) Category() Category { return CategorySystem }

func (ProposalCreated) Category() Category   { return CategoryProposals }
func (ProposalCompleted) Category() Category { return CategoryProposals }
func (ProposalFailed) Category() Category    { return CategoryProposals }

// Filter is a set of categories.
type Filter Category

// Filters of common interest.
const (
	FilterAll       = Filter(0xff)
	FilterEssential = Filter(CategoryConnection | CategoryErrors | CategorySystem)
	FilterRecovery  = Filter(CategoryRecovery | CategoryErrors)
)

// Only returns the filter accepting exactly cats.
func Only(cats ...Category) Filter {
	var f Filter
	for _, c := range cats {
		f |= Filter(c)
	}
	return f
}

// Matches reports whether ev passes f.
func (f Filter) Matches(ev Event) bool { return Category(f)&ev.Category() != 0 }
