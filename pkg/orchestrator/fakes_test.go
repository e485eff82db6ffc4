package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"diffspect/internal/models"
	"diffspect/pkg/diffspect"
	"diffspect/pkg/registration"
	"diffspect/pkg/study"
)

// registrationCall records one call made to fakeRegistrar
type registrationCall struct {
	Reference string
	Target    string
	Mode      registration.Mode
}

// fakeRegistrar returns a translation unique to each reference/target pair
// and can be told to fail for a given target
type fakeRegistrar struct {
	mu       sync.Mutex
	calls    []registrationCall
	failFor  map[string]error
	noResult bool
}

func (f *fakeRegistrar) Register(_ context.Context, reference, target *models.Volume, opts registration.Options) (*registration.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, registrationCall{reference.Description, target.Description, opts.Mode})
	if err, ok := f.failFor[target.Description]; ok {
		return nil, err
	}
	if f.noResult {
		return &registration.Output{}, nil
	}
	resliced := models.NewLike(reference)
	return &registration.Output{
		Transformation: registration.NewTranslation(translationFor(reference.Description, target.Description)),
		Resliced:       resliced,
		Metric:         1.5,
	}, nil
}

func (f *fakeRegistrar) scenarios() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Reference + "->" + c.Target
	}
	return out
}

// translationFor gives each registration a distinguishable offset
func translationFor(reference, target string) [3]float64 {
	offsets := map[string][3]float64{
		"ATLAS_spect->interictal": {1, 0, 0},
		"interictal->ictal":       {0, 10, 0},
		"ATLAS_spect->mri":        {0, 0, 100},
		"mri->interictal":         {1000, 0, 0},
	}
	return offsets[reference+"->"+target]
}

// countingReslicer counts calls and remembers the last transformation
type countingReslicer struct {
	mu    sync.Mutex
	calls int
	last  registration.Transformation
	err   error
}

func (r *countingReslicer) Reslice(_ context.Context, input, reference *models.Volume, xform registration.Transformation) (*models.Volume, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.last = xform
	if r.err != nil {
		return nil, r.err
	}
	out := models.NewLike(reference)
	for i := range out.Data {
		out.Data[i] = float64(r.calls)
	}
	return out, nil
}

func (r *countingReslicer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// fakeAnalyzer returns a fixed result
type fakeAnalyzer struct {
	calls int
	err   error
}

func (a *fakeAnalyzer) ProcessSpect(_ context.Context, interictal, ictal, sd, mask *models.Volume, params diffspect.Params) (*diffspect.Result, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	if !models.Congruent(interictal, ictal) {
		return nil, fmt.Errorf("inputs not congruent")
	}
	return &diffspect.Result{
		TMap:  models.NewLike(interictal),
		Hyper: []models.ClusterRecord{{Index: 1, Size: params.ClusterSize}},
		Hypo:  nil,
	}, nil
}

// harness bundles an orchestrator with its fakes
type harness struct {
	orch      *Orchestrator
	state     *study.State
	registrar *fakeRegistrar
	reslicer  *countingReslicer
	analyzer  *fakeAnalyzer
}

func newHarness(structural, nonlinear bool) (*harness, error) {
	state, err := study.New(study.Patient{Name: "Doe", Number: "0042"}, structural, nonlinear)
	if err != nil {
		return nil, err
	}
	h := &harness{
		state:     state,
		registrar: &fakeRegistrar{failFor: map[string]error{}},
		reslicer:  &countingReslicer{},
		analyzer:  &fakeAnalyzer{},
	}
	h.orch = New(state, h.registrar, h.reslicer, h.analyzer, nil, nil)
	return h, nil
}

func testImage(size int) *models.Volume {
	v := models.NewVolume(size, size, size, [3]float64{2, 2, 2})
	for i := range v.Data {
		v.Data[i] = 1
	}
	return v
}

// loadAll loads the atlas and every base image the protocol needs
func (h *harness) loadAll(ctx context.Context) error {
	atlas := Atlas{Spect: testImage(6), MRI: testImage(6), StdSpect: testImage(6), Mask: testImage(6)}
	if err := h.orch.LoadAtlas(ctx, atlas); err != nil {
		return err
	}
	images := []study.Slot{study.Interictal, study.Ictal}
	if h.state.HasStructuralReference {
		images = append(images, study.MRI)
	}
	for _, slot := range images {
		if err := h.orch.LoadImage(ctx, slot, testImage(4)); err != nil {
			return err
		}
	}
	return nil
}
