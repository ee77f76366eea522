package models

import (
	"bytes"
	"encoding/json"
)

// TransferDescriptor advertises that a selection refers to a user-supplied file that peers may pull.
type TransferDescriptor struct {
	LocalPathToken   string `json:"localPathToken,omitempty"`
	ByteSize         int64  `json:"byteSize"`
	ContentHash      string `json:"contentHash"`
	FileName         string `json:"fileName"`
	SupportsTransfer bool   `json:"supportsTransfer"`
}

// Selection is one asset a member has chosen. Only Transfer is interpreted by the session layer;
// Extra is carried verbatim.
type Selection struct {
	Champion string              `json:"champion"`
	ItemID   string              `json:"itemId"`
	ChromaID string              `json:"chromaId,omitempty"`
	Name     string              `json:"name"`
	Transfer *TransferDescriptor `json:"transfer,omitempty"`
	Extra    json.RawMessage     `json:"extra,omitempty"`
}

// Subject returns the asset identity of the selection.
func (s Selection) Subject() Subject {
	return Subject{
		Champion: s.Champion,
		ItemID:   s.ItemID,
		ChromaID: s.ChromaID,
		Name:     s.Name,
	}
}

// Transferable reports whether peers can request the selection's file.
func (s Selection) Transferable() bool {
	return s.Transfer != nil && s.Transfer.SupportsTransfer
}

// Clone returns a deep copy of the selection.
func (s Selection) Clone() Selection {
	out := s
	if s.Transfer != nil {
		descriptor := *s.Transfer
		out.Transfer = &descriptor
	}
	if s.Extra != nil {
		out.Extra = append(json.RawMessage(nil), s.Extra...)
	}
	return out
}

// Equal reports whether two selections carry the same values.
func (s Selection) Equal(other Selection) bool {
	if s.Champion != other.Champion || s.ItemID != other.ItemID || s.ChromaID != other.ChromaID || s.Name != other.Name {
		return false
	}
	if (s.Transfer == nil) != (other.Transfer == nil) {
		return false
	}
	if s.Transfer != nil && *s.Transfer != *other.Transfer {
		return false
	}
	return bytes.Equal(s.Extra, other.Extra)
}

// CloneSelections deep-copies a selection list. A nil input yields an empty, non-nil list.
func CloneSelections(in []Selection) []Selection {
	out := make([]Selection, 0, len(in))
	for _, selection := range in {
		out = append(out, selection.Clone())
	}
	return out
}

// Subject identifies the cosmetic asset a file belongs to.
type Subject struct {
	Champion string `json:"champion"`
	ItemID   string `json:"itemId,omitempty"`
	ChromaID string `json:"chromaId,omitempty"`
	Name     string `json:"name"`
}
