package chat

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"sort"
)

// Capability is a named action a chat member may perform. Capabilities form a
// closed bit set.
type Capability uint16

const (
	CapRead Capability = 1 << iota
	CapSend
	CapSendPrivate
	CapUseRAG
	CapInvite
	CapRemoveMembers
	CapManageSettings
	CapDeleteChat

	capLimit
)

// AllCapabilities is the full set, held by every owner.
const AllCapabilities = capLimit - 1

var capabilityNames = map[Capability]string{
	CapRead:           "read",
	CapSend:           "send",
	CapSendPrivate:    "send_private",
	CapUseRAG:         "use_rag",
	CapInvite:         "invite",
	CapRemoveMembers:  "remove_members",
	CapManageSettings: "manage_settings",
	CapDeleteChat:     "delete_chat",
}

// ParseCapability resolves a capability name.
func ParseCapability(name string) (Capability, error) {
	for c, n := range capabilityNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown capability %q", name)
}

// Has reports whether every capability in want is present.
func (c Capability) Has(want Capability) bool { return c&want == want }

// With returns c plus add.
func (c Capability) With(add Capability) Capability { return (c | add) & AllCapabilities }

// Without returns c minus drop.
func (c Capability) Without(drop Capability) Capability { return c &^ drop }

// Len returns the number of capabilities in the set.
func (c Capability) Len() int { return bits.OnesCount16(uint16(c & AllCapabilities)) }

// Names lists the capability names in sorted order.
func (c Capability) Names() []string {
	names := make([]string, 0, c.Len())
	for bit, name := range capabilityNames {
		if c.Has(bit) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (c Capability) String() string { return fmt.Sprint(c.Names()) }

// MarshalJSON encodes the set as a sorted list of names.
func (c Capability) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Names())
}

// UnmarshalJSON decodes a list of names; unknown names are rejected.
func (c *Capability) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	set, err := ParseCapabilities(names)
	if err != nil {
		return err
	}
	*c = set
	return nil
}

// ParseCapabilities resolves a list of names into a set.
func ParseCapabilities(names []string) (Capability, error) {
	var set Capability
	for _, n := range names {
		c, err := ParseCapability(n)
		if err != nil {
			return 0, err
		}
		set |= c
	}
	return set, nil
}
