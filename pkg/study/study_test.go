package study

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diffspect/internal/models"
	"diffspect/pkg/registration"
)

// jsonCodec is a test codec storing volumes as JSON
type jsonCodec struct{}

func (jsonCodec) EncodeImage(v *models.Volume) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) DecodeImage(data []byte) (*models.Volume, error) {
	v := &models.Volume{}
	return v, json.Unmarshal(data, v)
}

func newTestState(t *testing.T, structural bool) *State {
	t.Helper()
	s, err := New(Patient{Name: "Doe", Number: "0042"}, structural, false)
	require.NoError(t, err)
	return s
}

func testVolume(name string) *models.Volume {
	v := models.NewVolume(2, 2, 2, [3]float64{1, 1, 1})
	v.Description = name
	return v
}

func TestSlotNames(t *testing.T) {
	expected := []string{
		"interictal", "ictal", "mri",
		"ATLAS_spect", "ATLAS_mri", "ATLAS_stdspect", "ATLAS_mask",
		"tmap",
		"intertoictal_xform", "atlastomri_xform", "mritointerictal_xform", "atlastointer_xform",
		"atlastointer_reslice", "atlastoictal_reslice", "intertoictal_reslice", "atlastomri_reslice", "mritointerictal_reslice",
		"hyper", "hypo",
	}
	slots := AllSlots()
	require.Len(t, slots, len(expected))
	for i, slot := range slots {
		if slot.String() != expected[i] {
			t.Errorf("Expected slot %d to be named %s, got %s", i, expected[i], slot)
		}
		parsed, ok := ParseSlot(expected[i])
		assert.True(t, ok)
		assert.Equal(t, slot, parsed)
	}

	_, ok := ParseSlot("nope")
	assert.False(t, ok)
	assert.Equal(t, "unknown", Slot(-1).String())
}

func TestSlotLists(t *testing.T) {
	derived := DerivedSlots()
	assert.Contains(t, derived, TMap)
	assert.Contains(t, derived, Hyper)
	assert.Contains(t, derived, AtlasToMRIReslice)
	assert.NotContains(t, derived, Interictal)
	assert.NotContains(t, derived, AtlasSpect)

	// Inputs, t-map, transforms and stats are saved; atlas and reslices are not
	persisted := PersistedSlots()
	assert.ElementsMatch(t, []Slot{
		Interictal, Ictal, MRI, TMap,
		InterToIctalXform, AtlasToMRIXform, MRIToInterictalXform, AtlasToInterXform,
		Hyper, Hypo,
	}, persisted)

	assert.Equal(t, "transform", AtlasToInterXform.Kind().String())
	assert.Equal(t, "stats", Hypo.Kind().String())
	assert.Equal(t, RoleAtlas, AtlasMask.Role())
}

func TestUnknownSlots(t *testing.T) {
	s := newTestState(t, false)
	require.NoError(t, s.SetImage(Interictal, testVolume("interictal")))

	for _, slot := range []Slot{Slot(99), Slot(-1), numSlots} {
		assert.Equal(t, KindUnknown, slot.Kind())
		assert.Equal(t, RoleUnknown, slot.Role())
		assert.False(t, slot.Persisted())
		assert.False(t, s.Has(slot))
		assert.NotPanics(t, func() { s.Clear(slot) })
		assert.Error(t, s.ReplaceBaseImage(slot, testVolume("x")))
	}
	assert.True(t, s.Has(Interictal), "clearing an unknown slot leaves the study alone")
}

func TestNewRequiresPatient(t *testing.T) {
	_, err := New(Patient{Name: "Doe"}, false, false)
	assert.Error(t, err)
	_, err = New(Patient{Number: "1"}, false, false)
	assert.Error(t, err)

	s := newTestState(t, true)
	assert.NotEqual(t, s.ID.String(), "")
	assert.True(t, s.HasStructuralReference)
	assert.Equal(t, Empty, s.Phase())
}

func TestSetterKindChecks(t *testing.T) {
	s := newTestState(t, false)

	assert.Error(t, s.SetImage(Hyper, testVolume("x")))
	assert.Error(t, s.SetTransform(Ictal, registration.NewIdentity()))
	assert.Error(t, s.SetStats(TMap, nil))
	assert.ErrorIs(t, s.SetImage(Slot(99), testVolume("x")), ErrUnknownSlot)

	require.NoError(t, s.SetStats(Hyper, []models.ClusterRecord{}))
	records, ok := s.Stats(Hyper)
	assert.True(t, ok, "an empty table is a value")
	assert.Empty(t, records)

	require.NoError(t, s.SetStats(Hyper, nil))
	assert.False(t, s.Has(Hyper))
}

func TestReplaceBaseImageInvalidates(t *testing.T) {
	s := newTestState(t, false)
	require.NoError(t, s.SetImage(AtlasSpect, testVolume("atlas")))
	require.NoError(t, s.SetImage(Interictal, testVolume("inter")))
	require.NoError(t, s.SetImage(Ictal, testVolume("ictal")))
	require.NoError(t, s.SetTransform(InterToIctalXform, registration.NewIdentity()))
	require.NoError(t, s.SetImage(AtlasToIctalReslice, testVolume("r")))
	require.NoError(t, s.SetImage(TMap, testVolume("t")))
	require.NoError(t, s.SetStats(Hyper, []models.ClusterRecord{{Index: 1}}))

	require.NoError(t, s.ReplaceBaseImage(Ictal, testVolume("ictal2")))

	for _, slot := range DerivedSlots() {
		assert.False(t, s.Has(slot), "slot %s should be cleared", slot)
	}
	assert.True(t, s.Has(AtlasSpect))
	assert.True(t, s.Has(Interictal))
	v, _ := s.Image(Ictal)
	assert.Equal(t, "ictal2", v.Description)

	assert.Error(t, s.ReplaceBaseImage(TMap, testVolume("x")))
	assert.Error(t, s.ReplaceBaseImage(MRI, nil))
}

func TestPhaseFollowsSlots(t *testing.T) {
	s := newTestState(t, false)
	assert.Equal(t, Empty, s.Phase())

	require.NoError(t, s.SetImage(Interictal, testVolume("inter")))
	assert.Equal(t, Empty, s.Phase())
	require.NoError(t, s.SetImage(Ictal, testVolume("ictal")))
	assert.Equal(t, ImagesLoaded, s.Phase())

	require.NoError(t, s.SetTransform(AtlasToInterXform, registration.NewIdentity()))
	assert.Equal(t, ImagesLoaded, s.Phase())
	require.NoError(t, s.SetTransform(InterToIctalXform, registration.NewIdentity()))
	assert.Equal(t, Registered, s.Phase())

	require.NoError(t, s.SetImage(AtlasToIctalReslice, testVolume("r")))
	assert.Equal(t, Resliced, s.Phase())

	require.NoError(t, s.SetImage(TMap, testVolume("t")))
	require.NoError(t, s.SetStats(Hyper, []models.ClusterRecord{}))
	require.NoError(t, s.SetStats(Hypo, []models.ClusterRecord{}))
	assert.Equal(t, Analyzed, s.Phase())
	assert.Equal(t, "Analyzed", s.Phase().String())

	require.NoError(t, s.ReplaceBaseImage(Interictal, testVolume("inter2")))
	assert.Equal(t, ImagesLoaded, s.Phase())

	// The structural protocol also needs the MRI
	m := newTestState(t, true)
	require.NoError(t, m.SetImage(Interictal, testVolume("inter")))
	require.NoError(t, m.SetImage(Ictal, testVolume("ictal")))
	assert.Equal(t, Empty, m.Phase())
	require.NoError(t, m.SetImage(MRI, testVolume("mri")))
	assert.Equal(t, ImagesLoaded, m.Phase())
}

func TestAcquireSerializes(t *testing.T) {
	s := newTestState(t, false)

	release, err := s.Acquire(context.Background())
	require.NoError(t, err)

	// A second caller waits until its context expires
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Releasing twice is harmless
	release()
	release()

	release, err = s.Acquire(context.Background())
	require.NoError(t, err)
	release()
}

func TestErrors(t *testing.T) {
	err := error(&MissingInputError{Operation: "interictal2ictal", Slot: Ictal})
	assert.Equal(t, "interictal2ictal: missing input ictal", err.Error())

	var missing *MissingInputError
	wrapped := fmt.Errorf("protocol failed: %w", err)
	require.True(t, errors.As(wrapped, &missing))
	assert.Equal(t, Ictal, missing.Slot)

	cause := errors.New("optimizer diverged")
	ext := &ExternalComputationError{Operation: "atlas2mri", Err: cause}
	assert.ErrorIs(t, ext, cause)
	assert.Contains(t, ext.Error(), "atlas2mri")
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestState(t, true)
	s.UseNonlinearAlignment = true

	inter := testVolume("inter")
	inter.Data[3] = 7
	require.NoError(t, s.SetImage(Interictal, inter))
	require.NoError(t, s.SetImage(AtlasSpect, testVolume("atlas")))
	require.NoError(t, s.SetImage(AtlasToIctalReslice, testVolume("r")))
	require.NoError(t, s.SetTransform(AtlasToMRIXform, registration.NewTranslation([3]float64{1, 2, 3})))
	require.NoError(t, s.SetStats(Hyper, []models.ClusterRecord{{Index: 1, Size: 120, Coords: [3]int{1, 2, 3}, MaxT: 4.5}}))
	require.NoError(t, s.SetStats(Hypo, []models.ClusterRecord{}))

	snap, err := s.Snapshot(jsonCodec{})
	require.NoError(t, err)

	// Atlas and resliced images are not persisted
	assert.NotContains(t, snap.Entries, "ATLAS_spect")
	assert.NotContains(t, snap.Entries, "atlastoictal_reslice")
	assert.Contains(t, snap.Entries, "atlastomri_xform")

	restored, err := Restore(snap, jsonCodec{})
	require.NoError(t, err)
	assert.Equal(t, s.ID, restored.ID)
	assert.Equal(t, s.Patient, restored.Patient)
	assert.True(t, restored.HasStructuralReference)
	assert.True(t, restored.UseNonlinearAlignment)

	v, ok := restored.Image(Interictal)
	require.True(t, ok)
	assert.Equal(t, 7.0, v.Data[3])

	xf, ok := restored.Transform(AtlasToMRIXform)
	require.True(t, ok)
	assert.Equal(t, [3]float64{1, 2, 3}, xf.Transform([3]float64{}))

	hyper, _ := restored.Stats(Hyper)
	assert.Equal(t, 120, hyper[0].Size)
	hypo, ok := restored.Stats(Hypo)
	assert.True(t, ok)
	assert.Empty(t, hypo)

	snap.Entries["bogus"] = []byte("{}")
	_, err = Restore(snap, jsonCodec{})
	assert.ErrorIs(t, err, ErrUnknownSlot)
}
