// Package policy decides when the effect of a user-facing operation is
// applied: at once, after a proposal gathers approvals, or after a key
// ceremony completes.
//
// A Registry resolves an operation's timing from a context-specific
// override, then the operation's default, then a fallback derived from the
// operation's security level:
//
//	reg := policy.DefaultRegistry()
//	switch d := reg.Decide(policy.OpRemoveChannelMember, &contextID); d.Kind {
//	case policy.ApplyImmediate:
//		// apply now
//	case policy.CreateProposal:
//		// open a proposal with d.Approvers, d.Threshold and d.TimeoutMs
//	case policy.RunCeremony:
//		// run d.Ceremony
//	}
package policy

import "fmt"

// Operation is a user-facing action subject to effect policy.
type Operation uint8

const (
	OpSendMessage Operation = iota + 1
	OpEditMessage
	OpDeleteMessage
	OpReactToMessage

	OpCreateChannel
	OpUpdateChannelTopic
	OpArchiveChannel
	OpDeleteChannel
	OpPinMessage

	OpAddChannelMember
	OpRemoveChannelMember
	OpChangeChannelPermissions
	OpTransferChannelOwnership

	OpAddContact
	OpBlockContact
	OpUnblockContact
	OpSetContactNickname

	OpCreateGroup
	OpAddGroupMember
	OpRemoveGroupMember

	OpUpdateProfile
	OpUpdatePreferences

	OpRotateGuardians
	OpExecuteRecovery
	OpApproveRecovery

	OpAddDevice
	OpRevokeDevice

	OpProposeOTAUpdate
	OpActivateOTA

	OpJoinSocialBlock
	OpProposeBlockAdjacency
)

type operationInfo struct {
	name  string
	level SecurityLevel
}

var operations = map[Operation]operationInfo{
	OpSendMessage:              {"send_message", Low},
	OpEditMessage:              {"edit_message", Low},
	OpDeleteMessage:            {"delete_message", Low},
	OpReactToMessage:           {"react_to_message", Low},
	OpCreateChannel:            {"create_channel", Low},
	OpUpdateChannelTopic:       {"update_channel_topic", Low},
	OpArchiveChannel:           {"archive_channel", Medium},
	OpDeleteChannel:            {"delete_channel", High},
	OpPinMessage:               {"pin_message", Low},
	OpAddChannelMember:         {"add_channel_member", Medium},
	OpRemoveChannelMember:      {"remove_channel_member", Medium},
	OpChangeChannelPermissions: {"change_channel_permissions", Medium},
	OpTransferChannelOwnership: {"transfer_channel_ownership", High},
	OpAddContact:               {"add_contact", Critical},
	OpBlockContact:             {"block_contact", Low},
	OpUnblockContact:           {"unblock_contact", Low},
	OpSetContactNickname:       {"set_contact_nickname", Low},
	OpCreateGroup:              {"create_group", Critical},
	OpAddGroupMember:           {"add_group_member", Critical},
	OpRemoveGroupMember:        {"remove_group_member", High},
	OpUpdateProfile:            {"update_profile", Low},
	OpUpdatePreferences:        {"update_preferences", Low},
	OpRotateGuardians:          {"rotate_guardians", Critical},
	OpExecuteRecovery:          {"execute_recovery", Critical},
	OpApproveRecovery:          {"approve_recovery", Critical},
	OpAddDevice:                {"add_device", Critical},
	OpRevokeDevice:             {"revoke_device", Critical},
	OpProposeOTAUpdate:         {"propose_ota_update", Critical},
	OpActivateOTA:              {"activate_ota", Critical},
	OpJoinSocialBlock:          {"join_social_block", Medium},
	OpProposeBlockAdjacency:    {"propose_block_adjacency", Medium},
}

var operationsByName = func() map[string]Operation {
	m := make(map[string]Operation, len(operations))
	for op, info := range operations {
		m[info.name] = op
	}
	return m
}()

func (o Operation) String() string {
	if info, ok := operations[o]; ok {
		return info.name
	}
	return fmt.Sprintf("operation(%d)", uint8(o))
}

// SecurityLevel returns the operation's default security level. Unknown
// operations are Critical.
func (o Operation) SecurityLevel() SecurityLevel {
	if info, ok := operations[o]; ok {
		return info.level
	}
	return Critical
}

// Operations returns every known operation in declaration order.
func Operations() []Operation {
	out := make([]Operation, 0, len(operations))
	for op := OpSendMessage; op <= OpProposeBlockAdjacency; op++ {
		out = append(out, op)
	}
	return out
}

// ParseOperation returns the operation named s.
func ParseOperation(s string) (Operation, error) {
	if op, ok := operationsByName[s]; ok {
		return op, nil
	}
	return 0, fmt.Errorf("unknown operation type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (o Operation) MarshalText() ([]byte, error) {
	if _, ok := operations[o]; !ok {
		return nil, fmt.Errorf("unknown operation %d", uint8(o))
	}
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Operation) UnmarshalText(text []byte) error {
	op, err := ParseOperation(string(text))
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// SecurityLevel grades the risk of an operation.
type SecurityLevel uint8

const (
	// Low operations stay within an existing context.
	Low SecurityLevel = iota
	// Medium operations affect others but are reversible.
	Medium
	// High operations are irreversible or have significant impact.
	High
	// Critical operations establish or modify cryptographic relationships.
	Critical
)

func (l SecurityLevel) String() string {
	switch l {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// Ceremony is the key ceremony a blocking operation waits for.
type Ceremony uint8

const (
	CeremonyInvitation Ceremony = iota + 1
	CeremonyGuardianRotation
	CeremonyRecovery
	CeremonyOTAActivation
	CeremonyGroupMembership
)

func (c Ceremony) String() string {
	switch c {
	case CeremonyInvitation:
		return "invitation"
	case CeremonyGuardianRotation:
		return "guardian_rotation"
	case CeremonyRecovery:
		return "recovery"
	case CeremonyOTAActivation:
		return "ota_activation"
	case CeremonyGroupMembership:
		return "group_membership"
	}
	return fmt.Sprintf("ceremony(%d)", uint8(c))
}
