package sqlite

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnclabs/fairkg/internal/nn"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	st, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRuns(t *testing.T) {
	ctx := context.Background()
	st := openTemp(t)

	_, err := st.LatestRun(ctx, "train")
	assert.ErrorIs(t, err, ErrNotFound)

	first, err := st.CreateRun(ctx, "baseline", "train", "embed_dim: 20\n")
	require.NoError(t, err)
	second, err := st.CreateRun(ctx, "", "train", "")
	require.NoError(t, err)
	_, err = st.CreateRun(ctx, "audit", "retrain", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	got, err := st.GetRun(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "baseline", got.Name)
	assert.Equal(t, "embed_dim: 20\n", got.Config)
	assert.True(t, first.StartedAt.Equal(got.StartedAt))

	latest, err := st.LatestRun(ctx, "train")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	_, err = st.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSinkStoresMetrics(t *testing.T) {
	ctx := context.Background()
	st := openTemp(t)
	run, err := st.CreateRun(ctx, "m", "train", "")
	require.NoError(t, err)

	sink := st.Sink(run.ID)
	sink.Log("TransD Loss", 2.5, 2)
	sink.Log("TransD Loss", 3.5, 1)
	sink.Log("Fair Gender Disc Loss", 0.7, 1)
	// write failures are swallowed
	sink.Log("TransD Loss", math.NaN(), 3)
	st.Sink("no-such-run").Log("TransD Loss", 1, 1)

	pts, err := st.Metrics(ctx, run.ID, "TransD Loss")
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.Equal(t, 1, pts[0].Step)
	assert.Equal(t, 3.5, pts[0].Value)
	assert.Equal(t, 2.5, pts[1].Value)
}

func TestParamsCheckpoint(t *testing.T) {
	ctx := context.Background()
	st := openTemp(t)
	run, err := st.CreateRun(ctx, "ckpt", "train", "")
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	a := nn.NewParam("transd.ent", 3, 2, true)
	a.Uniform(rng, 1)
	b := nn.NewParam("transd.rel", 2, 2, true)
	b.Uniform(rng, 1)

	require.NoError(t, st.SaveParams(ctx, run.ID, "scorer", 4, []*nn.Param{a, b}))
	a.Uniform(rng, 1)
	want := append([]float64(nil), a.Data...)
	require.NoError(t, st.SaveParams(ctx, run.ID, "scorer", 7, []*nn.Param{a, b}))

	ra := nn.NewParam("transd.ent", 3, 2, true)
	rb := nn.NewParam("transd.rel", 2, 2, true)
	epoch, err := st.LoadParams(ctx, run.ID, "scorer", []*nn.Param{ra, rb})
	require.NoError(t, err)
	assert.Equal(t, 7, epoch)
	assert.Equal(t, want, ra.Data)
	assert.Equal(t, b.Data, rb.Data)

	_, err = st.LoadParams(ctx, run.ID, "filter.gender", []*nn.Param{ra})
	assert.ErrorIs(t, err, ErrNotFound)

	wrong := nn.NewParam("transd.ent", 4, 2, true)
	_, err = st.LoadParams(ctx, run.ID, "scorer", []*nn.Param{wrong})
	assert.Error(t, err)
}
