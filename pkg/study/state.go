package study

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"diffspect/internal/models"
	"diffspect/pkg/registration"
)

// Phase is the workflow state of a study, derived from slot occupancy
type Phase int

const (
	Empty Phase = iota
	ImagesLoaded
	Registered
	Resliced
	Analyzed
)

// String returns the phase name
func (p Phase) String() string {
	switch p {
	case Empty:
		return "Empty"
	case ImagesLoaded:
		return "ImagesLoaded"
	case Registered:
		return "Registered"
	case Resliced:
		return "Resliced"
	case Analyzed:
		return "Analyzed"
	default:
		return "Unknown"
	}
}

// Patient identifies the subject of a study
type Patient struct {
	Name   string
	Number string
}

// Validate checks that both fields are filled in
func (p Patient) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("patient name is required")
	}
	if strings.TrimSpace(p.Number) == "" {
		return fmt.Errorf("patient number is required")
	}
	return nil
}

// State is one study. Slot values are accessed by key only; the protocol
// flags are fixed at creation.
type State struct {
	ID        uuid.UUID
	Patient   Patient
	CreatedAt time.Time

	// HasStructuralReference selects the protocol routed through the
	// patient MRI
	HasStructuralReference bool

	// UseNonlinearAlignment enables nonlinear atlas registrations
	UseNonlinearAlignment bool

	mu         sync.RWMutex
	images     map[Slot]*models.Volume
	transforms map[Slot]registration.Transformation
	stats      map[Slot][]models.ClusterRecord

	// busy is the pipeline lock, held for the duration of one operation
	busy chan struct{}
}

// New creates an empty study
func New(patient Patient, hasStructuralReference, useNonlinearAlignment bool) (*State, error) {
	if err := patient.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create study: %w", err)
	}
	s := newState(uuid.New(), patient, hasStructuralReference, useNonlinearAlignment)
	s.CreatedAt = time.Now().UTC()
	return s, nil
}

func newState(id uuid.UUID, patient Patient, hasStructuralReference, useNonlinearAlignment bool) *State {
	return &State{
		ID:                     id,
		Patient:                patient,
		HasStructuralReference: hasStructuralReference,
		UseNonlinearAlignment:  useNonlinearAlignment,
		images:                 make(map[Slot]*models.Volume),
		transforms:             make(map[Slot]registration.Transformation),
		stats:                  make(map[Slot][]models.ClusterRecord),
		busy:                   make(chan struct{}, 1),
	}
}

// Acquire takes the pipeline lock, waiting until it is free or ctx is done.
// The returned function releases it.
func (s *State) Acquire(ctx context.Context) (func(), error) {
	select {
	case s.busy <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s.busy }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Image returns the volume in an image slot
func (s *State) Image(slot Slot) (*models.Volume, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.images[slot]
	return v, ok
}

// Transform returns the transformation in a transform slot
func (s *State) Transform(slot Slot) (registration.Transformation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transforms[slot]
	return t, ok
}

// Stats returns the cluster table in a stats slot
func (s *State) Stats(slot Slot) ([]models.ClusterRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records, ok := s.stats[slot]
	return records, ok
}

// SetImage stores a volume. A nil volume empties the slot.
func (s *State) SetImage(slot Slot, v *models.Volume) error {
	if err := checkKind(slot, KindImage); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v == nil {
		delete(s.images, slot)
	} else {
		s.images[slot] = v
	}
	return nil
}

// SetTransform stores a transformation. A nil value empties the slot.
func (s *State) SetTransform(slot Slot, t registration.Transformation) error {
	if err := checkKind(slot, KindTransform); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t == nil {
		delete(s.transforms, slot)
	} else {
		s.transforms[slot] = t
	}
	return nil
}

// SetStats stores a cluster table. An empty table is a valid value; a nil
// one empties the slot.
func (s *State) SetStats(slot Slot, records []models.ClusterRecord) error {
	if err := checkKind(slot, KindStats); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if records == nil {
		delete(s.stats, slot)
	} else {
		s.stats[slot] = records
	}
	return nil
}

func checkKind(slot Slot, kind Kind) error {
	if !slot.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownSlot, int(slot))
	}
	if slot.Kind() != kind {
		return fmt.Errorf("slot %s holds %s values, not %s", slot, slot.Kind(), kind)
	}
	return nil
}

// Has reports whether a slot holds a value
func (s *State) Has(slot Slot) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasLocked(slot)
}

func (s *State) hasLocked(slot Slot) bool {
	switch slot.Kind() {
	case KindImage:
		_, ok := s.images[slot]
		return ok
	case KindTransform:
		_, ok := s.transforms[slot]
		return ok
	case KindStats:
		_, ok := s.stats[slot]
		return ok
	}
	return false
}

// Clear empties the given slots in one step
func (s *State) Clear(slots ...Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range slots {
		delete(s.images, slot)
		delete(s.transforms, slot)
		delete(s.stats, slot)
	}
}

// ReplaceBaseImage stores a base image and clears every derived slot under
// a single lock, so no reader observes a partially invalidated study
func (s *State) ReplaceBaseImage(slot Slot, v *models.Volume) error {
	if slot.Role() != RoleInput {
		return fmt.Errorf("slot %s is not a base image", slot)
	}
	if v == nil {
		return fmt.Errorf("cannot load an empty image into %s", slot)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range DerivedSlots() {
		delete(s.images, d)
		delete(s.transforms, d)
		delete(s.stats, d)
	}
	s.images[slot] = v
	return nil
}

// Occupied lists the slots holding a value, in declaration order
func (s *State) Occupied() []Slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Slot
	for _, slot := range AllSlots() {
		if s.hasLocked(slot) {
			out = append(out, slot)
		}
	}
	return out
}

// Phase derives the workflow state from slot occupancy
func (s *State) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inputs := s.hasLocked(Interictal) && s.hasLocked(Ictal)
	if s.HasStructuralReference {
		inputs = inputs && s.hasLocked(MRI)
	}
	if !inputs {
		return Empty
	}

	if s.hasLocked(Hyper) && s.hasLocked(Hypo) && s.hasLocked(TMap) {
		return Analyzed
	}
	if s.hasLocked(AtlasToIctalReslice) {
		return Resliced
	}

	registered := s.hasLocked(InterToIctalXform)
	if s.HasStructuralReference {
		registered = registered && s.hasLocked(AtlasToMRIXform) && s.hasLocked(MRIToInterictalXform)
	} else {
		registered = registered && s.hasLocked(AtlasToInterXform)
	}
	if registered {
		return Registered
	}
	return ImagesLoaded
}
