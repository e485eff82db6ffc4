package imagemath

import (
	"context"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat/distuv"

	"diffspect/internal/models"
	"diffspect/pkg/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestEngine() *Engine {
	cfg := config.DefaultConfig()
	cfg.Processing.NumCores = 3
	return NewEngine(cfg, zap.NewNop())
}

// fillBlock sets value on every voxel of the box [x0,x1)x[y0,y1)x[z0,z1)
func fillBlock(v *models.Volume, x0, x1, y0, y1, z0, z1 int, value float64) {
	for z := z0; z < z1; z++ {
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				v.Set(x, y, z, value)
			}
		}
	}
}

func TestMultiply(t *testing.T) {
	e := newTestEngine()
	a := models.NewVolume(2, 2, 2, [3]float64{1, 1, 1})
	b := models.NewVolume(2, 2, 2, [3]float64{1, 1, 1})
	for i := range a.Data {
		a.Data[i] = float64(i)
		b.Data[i] = 2
	}

	out, err := e.Multiply(a, b)
	require.NoError(t, err)
	for i := range out.Data {
		if out.Data[i] != 2*float64(i) {
			t.Errorf("Expected %f at %d, got %f", 2*float64(i), i, out.Data[i])
		}
	}

	_, err = e.Multiply(a, models.NewVolume(3, 2, 2, [3]float64{1, 1, 1}))
	assert.Error(t, err)
}

func TestGaussianKernel(t *testing.T) {
	k := gaussianKernel(2, 3, 100)
	require.Len(t, k, 2*6+1)

	sum := 0.0
	for _, w := range k {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
	assert.Equal(t, k[0], k[len(k)-1])

	// Capped to the axis
	assert.Len(t, gaussianKernel(10, 6, 5), 2*4+1)

	// No smoothing on a zero sigma
	assert.Equal(t, []float64{1}, gaussianKernel(0, 6, 10))
}

func TestSmoothPreservesConstant(t *testing.T) {
	e := newTestEngine()
	v := models.NewVolume(8, 7, 6, [3]float64{2, 2, 2})
	for i := range v.Data {
		v.Data[i] = 42
	}

	out, err := e.Smooth(context.Background(), v, [3]float64{4, 4, 4}, true, 6)
	require.NoError(t, err)
	for i, val := range out.Data {
		if math.Abs(val-42) > 1e-9 {
			t.Fatalf("Expected constant 42 at %d, got %f", i, val)
		}
	}
}

func TestSmoothSpreadsImpulse(t *testing.T) {
	e := newTestEngine()
	v := models.NewVolume(21, 21, 21, [3]float64{1, 1, 1})
	v.Set(10, 10, 10, 1000)

	out, err := e.Smooth(context.Background(), v, [3]float64{2, 2, 2}, true, 3)
	require.NoError(t, err)

	// Peak decreases, mass is conserved away from the borders, and the
	// result stays symmetric
	assert.Less(t, out.At(10, 10, 10), 1000.0)
	assert.Greater(t, out.At(10, 10, 10), out.At(11, 10, 10))
	assert.InDelta(t, out.At(9, 10, 10), out.At(11, 10, 10), 1e-9)
	assert.InDelta(t, out.At(10, 8, 10), out.At(10, 10, 12), 1e-9)

	total := 0.0
	for _, val := range out.Data {
		total += val
	}
	assert.InDelta(t, 1000.0, total, 1e-6)

	// Input is untouched
	assert.Equal(t, 1000.0, v.At(10, 10, 10))
}

func TestSmoothRejectsBadInput(t *testing.T) {
	e := newTestEngine()
	v := models.NewVolume(4, 4, 4, [3]float64{1, 1, 1})

	_, err := e.Smooth(context.Background(), v, [3]float64{1, 1, 1}, true, 0)
	assert.Error(t, err)

	v.Data = v.Data[:10]
	_, err = e.Smooth(context.Background(), v, [3]float64{1, 1, 1}, true, 6)
	assert.Error(t, err)
}

func TestSmoothCancelled(t *testing.T) {
	e := newTestEngine()
	v := models.NewVolume(8, 8, 8, [3]float64{1, 1, 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Smooth(ctx, v, [3]float64{1, 1, 1}, false, 3)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSpectNormalize(t *testing.T) {
	e := newTestEngine()
	v := models.NewVolume(10, 1, 1, [3]float64{1, 1, 1})
	// Background of zeros, a dim rim and a bright core
	copy(v.Data, []float64{0, 0, 0, 10, 10, 100, 100, 100, 100, 0})

	out, err := e.SpectNormalize(v)
	require.NoError(t, err)

	// Global positive mean is 70, threshold 56, core mean 100, scale 0.5
	assert.InDelta(t, 50.0, out.Data[5], 1e-12)
	assert.InDelta(t, 5.0, out.Data[3], 1e-12)
	assert.Equal(t, 0.0, out.Data[0])

	_, err = e.SpectNormalize(models.NewVolume(2, 2, 2, [3]float64{1, 1, 1}))
	assert.Error(t, err)
}

func TestSpectTmap(t *testing.T) {
	e := newTestEngine()
	e.PopulationSize = 14

	newVol := func(values ...float64) *models.Volume {
		v := models.NewVolume(len(values), 1, 1, [3]float64{1, 1, 1})
		copy(v.Data, values)
		return v
	}

	inter := newVol(50, 50, 50, 50)
	ictal := newVol(60, 40, 60, 60)
	sd := newVol(5, 5, 0, 5)
	mask := newVol(1, 1, 1, 0)

	tmap, err := e.SpectTmap(context.Background(), inter, ictal, sd, mask)
	require.NoError(t, err)

	scale := math.Sqrt(1 + 1.0/14)
	assert.InDelta(t, 10/(5*scale), tmap.Data[0], 1e-12)
	assert.InDelta(t, -10/(5*scale), tmap.Data[1], 1e-12)
	assert.Equal(t, 0.0, tmap.Data[2], "zero sd")
	assert.Equal(t, 0.0, tmap.Data[3], "outside mask")

	// Mask is optional
	tmap, err = e.SpectTmap(context.Background(), inter, ictal, sd, nil)
	require.NoError(t, err)
	assert.NotZero(t, tmap.Data[3])

	_, err = e.SpectTmap(context.Background(), inter, newVol(1, 2), sd, nil)
	assert.Error(t, err)
}

func TestTThreshold(t *testing.T) {
	e := newTestEngine()
	e.PopulationSize = 14

	thr, err := e.TThreshold(0.05)
	require.NoError(t, err)
	want := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: 13}.Quantile(0.95)
	assert.InDelta(t, want, thr, 1e-12)
	assert.InDelta(t, 1.771, thr, 1e-3)

	_, err = e.TThreshold(0)
	assert.Error(t, err)
	_, err = e.TThreshold(1)
	assert.Error(t, err)
}

func TestClusterThresholdRanking(t *testing.T) {
	e := newTestEngine()
	tmap := models.NewVolume(40, 40, 10, [3]float64{2, 2, 2})

	// Three separated blobs of 50, 150 and 300 voxels
	fillBlock(tmap, 0, 5, 0, 5, 0, 2, 10)    // 50
	fillBlock(tmap, 10, 20, 0, 5, 0, 3, 8)   // 150
	fillBlock(tmap, 25, 35, 20, 30, 0, 3, 6) // 300

	records, err := e.ClusterThreshold(context.Background(), tmap, 0.05, 100, true)
	require.NoError(t, err)
	require.Len(t, records, 2)

	got := make([][2]int, len(records))
	for i, r := range records {
		got[i] = [2]int{r.Index, r.Size}
	}
	if diff := cmp.Diff([][2]int{{1, 300}, {2, 150}}, got); diff != "" {
		t.Errorf("cluster ranking mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, 6.0, records[0].MaxT)
	assert.Equal(t, 8.0, records[1].MaxT)

	// Coords fall inside the cluster
	c := records[0].Coords
	assert.Equal(t, 6.0, tmap.At(c[0], c[1], c[2]))

	// Larger clusters are less likely under the null
	assert.LessOrEqual(t, records[0].ClusterP, records[1].ClusterP)
	for _, r := range records {
		assert.GreaterOrEqual(t, r.ClusterP, 0.0)
		assert.LessOrEqual(t, r.CorrectedP, 1.0)
	}

	// No negative clusters
	hypo, err := e.ClusterThreshold(context.Background(), tmap, 0.05, 100, false)
	require.NoError(t, err)
	assert.Empty(t, hypo)
}

func TestClusterThresholdConnectivity(t *testing.T) {
	e := newTestEngine()
	tmap := models.NewVolume(10, 10, 10, [3]float64{1, 1, 1})

	// Two voxels touching only at a corner form one cluster
	tmap.Set(2, 2, 2, -5)
	tmap.Set(3, 3, 3, -7)
	tmap.Set(8, 8, 8, -6)

	records, err := e.ClusterThreshold(context.Background(), tmap, 0.05, 1, false)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 2, records[0].Size)
	assert.Equal(t, -7.0, records[0].MaxT)
	assert.Equal(t, 1, records[1].Size)
	assert.Equal(t, [3]int{8, 8, 8}, records[1].Coords)
}

func TestRandomFieldMonotonic(t *testing.T) {
	e := newTestEngine()
	tmap := models.NewVolume(30, 30, 30, [3]float64{2, 2, 2})
	for i := range tmap.Data {
		tmap.Data[i] = 0.5
	}

	field := e.newRandomField(tmap, 0.001)
	require.Greater(t, field.beta, 0.0)

	prevP, prevCorr := 1.0, 1.0
	for _, k := range []int{1, 10, 100, 1000} {
		p, corr := field.clusterPValues(k)
		assert.Less(t, p, prevP)
		assert.LessOrEqual(t, corr, prevCorr)
		prevP, prevCorr = p, corr
	}

	// Threshold below u=1 yields no expected clusters
	low := e.newRandomField(tmap, 0.4)
	p, corr := low.clusterPValues(10)
	assert.Equal(t, 1.0, p)
	assert.Equal(t, 1.0, corr)
}
