package models

// Member is one participant of a room, either the host or a joined peer.
type Member struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	ActiveSelections []Selection `json:"activeSelections"`
	IsHost           bool        `json:"isHost"`
	Connected        bool        `json:"connected"`
}

// Clone returns a deep copy of the member.
func (m Member) Clone() Member {
	out := m
	out.ActiveSelections = CloneSelections(m.ActiveSelections)
	return out
}
