package ledger

import (
	"time"

	"github.com/google/uuid"
)

// EntriesAppendedEvent is the payload recorded when entries are written.
type EntriesAppendedEvent struct {
	PartnershipID uuid.UUID   `json:"partnership_id"`
	RawInputID    uuid.UUID   `json:"raw_input_id"`
	EntryIDs      []uuid.UUID `json:"entry_ids"`
	Kinds         []Kind      `json:"kinds"`
	CommittedBy   uuid.UUID   `json:"committed_by"`
	CommittedAt   time.Time   `json:"committed_at"`
}

// EntrySupersededEvent is the payload recorded when a correction replaces an
// entry.
type EntrySupersededEvent struct {
	PartnershipID uuid.UUID   `json:"partnership_id"`
	OldEntryID    uuid.UUID   `json:"old_entry_id"`
	NewEntryIDs   []uuid.UUID `json:"new_entry_ids"`
	Version       int         `json:"version"`
	CorrectedBy   uuid.UUID   `json:"corrected_by"`
	CorrectedAt   time.Time   `json:"corrected_at"`
}

func NewEntriesAppendedEvent(written []Entry, by uuid.UUID, at time.Time) EntriesAppendedEvent {
	evt := EntriesAppendedEvent{CommittedBy: by, CommittedAt: at}
	for _, e := range written {
		evt.PartnershipID = e.PartnershipID
		evt.RawInputID = e.RawInputID
		evt.EntryIDs = append(evt.EntryIDs, e.ID)
		evt.Kinds = append(evt.Kinds, e.Kind)
	}
	return evt
}

func NewEntrySupersededEvent(oldID uuid.UUID, written []Entry, by uuid.UUID, at time.Time) EntrySupersededEvent {
	evt := EntrySupersededEvent{OldEntryID: oldID, CorrectedBy: by, CorrectedAt: at}
	for _, e := range written {
		evt.PartnershipID = e.PartnershipID
		evt.Version = e.InterpretationVersion
		evt.NewEntryIDs = append(evt.NewEntryIDs, e.ID)
	}
	return evt
}
