package models

import "time"

// Room is an immutable snapshot of a session. Every helper returns a new Room and leaves the
// receiver untouched, so observers can compare snapshots by pointer.
type Room struct {
	ID        string   `json:"id"`
	CreatedAt int64    `json:"createdAt"`
	Host      Member   `json:"host"`
	Members   []Member `json:"members"`
}

// NewRoom creates a room hosted by hostName under the given code. The code doubles as the host's
// peer address.
func NewRoom(code, hostName string, createdAt time.Time) *Room {
	return &Room{
		ID:        code,
		CreatedAt: createdAt.UnixMilli(),
		Host: Member{
			ID:               code,
			Name:             hostName,
			ActiveSelections: []Selection{},
			IsHost:           true,
			Connected:        true,
		},
		Members: []Member{},
	}
}

// Clone returns a deep copy.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	out := &Room{
		ID:        r.ID,
		CreatedAt: r.CreatedAt,
		Host:      r.Host.Clone(),
		Members:   make([]Member, 0, len(r.Members)),
	}
	for _, member := range r.Members {
		out.Members = append(out.Members, member.Clone())
	}
	return out
}

// Member looks up a joined member by id. The host is not part of the member list.
func (r *Room) Member(id string) (Member, bool) {
	if r == nil {
		return Member{}, false
	}
	for _, member := range r.Members {
		if member.ID == id {
			return member.Clone(), true
		}
	}
	return Member{}, false
}

// WithMember returns a snapshot where member is appended, or replaces the entry with the same id.
func (r *Room) WithMember(member Member) *Room {
	out := r.Clone()
	member = member.Clone()
	member.IsHost = false
	for i := range out.Members {
		if out.Members[i].ID == member.ID {
			out.Members[i] = member
			return out
		}
	}
	out.Members = append(out.Members, member)
	return out
}

// WithoutMember returns a snapshot without the member, and whether it was present.
func (r *Room) WithoutMember(id string) (*Room, bool) {
	out := r.Clone()
	for i := range out.Members {
		if out.Members[i].ID == id {
			out.Members = append(out.Members[:i], out.Members[i+1:]...)
			return out, true
		}
	}
	return out, false
}

// WithSelections returns a snapshot where the host or member id has the given selections.
func (r *Room) WithSelections(id string, selections []Selection) (*Room, bool) {
	out := r.Clone()
	if out.Host.ID == id {
		out.Host.ActiveSelections = CloneSelections(selections)
		return out, true
	}
	for i := range out.Members {
		if out.Members[i].ID == id {
			out.Members[i].ActiveSelections = CloneSelections(selections)
			return out, true
		}
	}
	return out, false
}

// MemberIDs lists joined member ids in join order.
func (r *Room) MemberIDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.Members))
	for _, member := range r.Members {
		ids = append(ids, member.ID)
	}
	return ids
}

// Equal reports whether two snapshots describe the same room state.
func (r *Room) Equal(other *Room) bool {
	if r == nil || other == nil {
		return r == other
	}
	if r.ID != other.ID || r.CreatedAt != other.CreatedAt || len(r.Members) != len(other.Members) {
		return false
	}
	if !membersEqual(r.Host, other.Host) {
		return false
	}
	for i := range r.Members {
		if !membersEqual(r.Members[i], other.Members[i]) {
			return false
		}
	}
	return true
}

func membersEqual(a, b Member) bool {
	if a.ID != b.ID || a.Name != b.Name || a.IsHost != b.IsHost || a.Connected != b.Connected {
		return false
	}
	if len(a.ActiveSelections) != len(b.ActiveSelections) {
		return false
	}
	for i := range a.ActiveSelections {
		if !a.ActiveSelections[i].Equal(b.ActiveSelections[i]) {
			return false
		}
	}
	return true
}
