package inbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"diffspect/internal/models"
	"diffspect/pkg/imageio"
	"diffspect/pkg/study"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingLoader struct {
	mu    sync.Mutex
	slots []study.Slot
	err   error
}

func (r *recordingLoader) LoadImage(_ context.Context, slot study.Slot, v *models.Volume) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.slots = append(r.slots, slot)
	return nil
}

func (r *recordingLoader) loaded() []study.Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]study.Slot(nil), r.slots...)
}

func testVolume() *models.Volume {
	v := models.NewVolume(4, 4, 4, [3]float64{2, 2, 2})
	for i := range v.Data {
		v.Data[i] = 1
	}
	return v
}

func TestSlotForFile(t *testing.T) {
	tests := []struct {
		name string
		slot study.Slot
		ok   bool
	}{
		{"ictal.nii.gz", study.Ictal, true},
		{"/data/inbox/interictal.nii", study.Interictal, true},
		{"MRI.NII.GZ", study.MRI, true},
		{"tmap.nii.gz", 0, false},
		{"ATLAS_spect.nii", 0, false},
		{"ictal.png", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slot, ok := SlotForFile(tt.name)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.slot, slot)
			}
		})
	}
}

func TestWatcherLoadsImages(t *testing.T) {
	dir := t.TempDir()
	loader := &recordingLoader{}
	w, err := NewWatcher(dir, loader, 50*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, imageio.Save(filepath.Join(dir, "ictal.nii.gz"), testVolume()))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	require.Eventually(t, func() bool {
		return len(loader.loaded()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, []study.Slot{study.Ictal}, loader.loaded())
	stats := w.Stats()
	assert.Equal(t, 1, stats.Loaded)
	assert.Zero(t, stats.Failed)
	assert.Positive(t, stats.Ignored)
}

func TestWatcherReportsFailures(t *testing.T) {
	dir := t.TempDir()
	loader := &recordingLoader{err: errors.New("study busy")}
	w, err := NewWatcher(dir, loader, 50*time.Millisecond, nil)
	require.NoError(t, err)

	results := make(chan error, 4)
	w.OnLoad = func(slot study.Slot, err error) {
		assert.Equal(t, study.Interictal, slot)
		results <- err
	}

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, imageio.Save(filepath.Join(dir, "interictal.nii"), testVolume()))

	select {
	case err := <-results:
		assert.EqualError(t, err, "study busy")
	case <-time.After(5 * time.Second):
		t.Fatal("no load attempt reported")
	}
	assert.Equal(t, 1, w.Stats().Failed)
}

func TestStopWithoutStart(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), &recordingLoader{}, 0, nil)
	require.NoError(t, err)
	w.Stop()
}
