package study

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"diffspect/internal/models"
	"diffspect/pkg/registration"
)

// ImageCodec serializes volumes for persistence
type ImageCodec interface {
	EncodeImage(v *models.Volume) ([]byte, error)
	DecodeImage(data []byte) (*models.Volume, error)
}

// Snapshot is the persisted form of a study: its metadata and a dictionary
// of encoded slot values keyed by slot name. Only persisted slots appear.
type Snapshot struct {
	ID                     uuid.UUID
	Patient                Patient
	HasStructuralReference bool
	UseNonlinearAlignment  bool
	CreatedAt              time.Time

	Entries map[string][]byte
}

// Snapshot encodes every occupied persisted slot
func (s *State) Snapshot(codec ImageCodec) (*Snapshot, error) {
	snap := &Snapshot{
		ID:                     s.ID,
		Patient:                s.Patient,
		HasStructuralReference: s.HasStructuralReference,
		UseNonlinearAlignment:  s.UseNonlinearAlignment,
		CreatedAt:              s.CreatedAt,
		Entries:                make(map[string][]byte),
	}

	for _, slot := range PersistedSlots() {
		var (
			data []byte
			err  error
		)
		switch slot.Kind() {
		case KindImage:
			v, ok := s.Image(slot)
			if !ok {
				continue
			}
			data, err = codec.EncodeImage(v)
		case KindTransform:
			t, ok := s.Transform(slot)
			if !ok {
				continue
			}
			data, err = registration.MarshalTransformation(t)
		case KindStats:
			records, ok := s.Stats(slot)
			if !ok {
				continue
			}
			data, err = json.Marshal(records)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to encode slot %s: %w", slot, err)
		}
		snap.Entries[slot.String()] = data
	}

	return snap, nil
}

// Restore rebuilds a study from a snapshot
func Restore(snap *Snapshot, codec ImageCodec) (*State, error) {
	if err := snap.Patient.Validate(); err != nil {
		return nil, fmt.Errorf("failed to restore study %s: %w", snap.ID, err)
	}

	s := newState(snap.ID, snap.Patient, snap.HasStructuralReference, snap.UseNonlinearAlignment)
	s.CreatedAt = snap.CreatedAt

	for name, data := range snap.Entries {
		slot, ok := ParseSlot(name)
		if !ok {
			return nil, fmt.Errorf("failed to restore study %s: %w %q", snap.ID, ErrUnknownSlot, name)
		}

		switch slot.Kind() {
		case KindImage:
			v, err := codec.DecodeImage(data)
			if err != nil {
				return nil, fmt.Errorf("failed to decode slot %s: %w", name, err)
			}
			v.Description = name
			s.images[slot] = v
		case KindTransform:
			t, err := registration.UnmarshalTransformation(data)
			if err != nil {
				return nil, fmt.Errorf("failed to decode slot %s: %w", name, err)
			}
			s.transforms[slot] = t
		case KindStats:
			records := []models.ClusterRecord{}
			if err := json.Unmarshal(data, &records); err != nil {
				return nil, fmt.Errorf("failed to decode slot %s: %w", name, err)
			}
			s.stats[slot] = records
		}
	}

	return s, nil
}
