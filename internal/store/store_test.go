package store

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigild/internal/anomaly"
	"vigild/internal/baseline"
	"vigild/internal/feature"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "profiles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// validSnapshot builds a schema-conforming snapshot with an identity
// covariance baseline and a symmetric two-component mixture.
func validSnapshot(m feature.Modality) *ModalitySnapshot {
	cov := make([]float64, feature.Dim*feature.Dim)
	for i := 0; i < feature.Dim; i++ {
		cov[i*feature.Dim+i] = 1
	}
	mean := make([]float64, feature.Dim)
	median := make([]float64, feature.Dim)
	mad := make([]float64, feature.Dim)
	comp0 := make([]float64, feature.Dim)
	comp1 := make([]float64, feature.Dim)
	vari := make([]float64, feature.Dim)
	for i := range mad {
		mean[i] = 0.5
		median[i] = 0.5
		mad[i] = 0.1
		comp0[i] = -0.5
		comp1[i] = 0.5
		vari[i] = 1
	}
	return &ModalitySnapshot{
		Modality:  m,
		CreatedAt: time.Now().UTC(),
		Baseline: &baseline.Baseline{
			Mean:        mean,
			Cov:         cov,
			SampleCount: 60,
			Established: time.Now().UTC(),
		},
		Preprocessor: &anomaly.Preprocessor{
			Spec:   anomaly.SpecFor(m),
			Median: median,
			MAD:    mad,
		},
		Mixture: &anomaly.GMM{
			Weights:   []float64{0.5, 0.5},
			Means:     [][]float64{comp0, comp1},
			Variances: [][]float64{vari, append([]float64(nil), vari...)},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	snap := validSnapshot(feature.ModalityTouch)
	require.NoError(t, s.SaveSnapshot("owner", snap))

	got, err := s.LoadSnapshot("owner", feature.ModalityTouch)
	require.NoError(t, err)
	assert.Equal(t, snap.Modality, got.Modality)
	assert.Equal(t, snap.Baseline.Mean, got.Baseline.Mean)
	assert.Equal(t, snap.Baseline.Cov, got.Baseline.Cov)
	assert.Equal(t, snap.Mixture.Weights, got.Mixture.Weights)
	assert.Equal(t, snap.Preprocessor.Median, got.Preprocessor.Median)
}

func TestSaveUpserts(t *testing.T) {
	s := openTestStore(t)
	first := validSnapshot(feature.ModalityTyping)
	require.NoError(t, s.SaveSnapshot("owner", first))

	second := validSnapshot(feature.ModalityTyping)
	second.Baseline.Mean[0] = 0.9
	require.NoError(t, s.SaveSnapshot("owner", second))

	got, err := s.LoadSnapshot("owner", feature.ModalityTyping)
	require.NoError(t, err)
	assert.Equal(t, 0.9, got.Baseline.Mean[0])
}

func TestSaveRejectsNonFinite(t *testing.T) {
	s := openTestStore(t)

	snap := validSnapshot(feature.ModalityTouch)
	snap.Baseline.Mean[3] = math.NaN()
	err := s.SaveSnapshot("owner", snap)
	require.Error(t, err)
	assert.ErrorIs(t, err, feature.ErrInvalidInput)

	snap = validSnapshot(feature.ModalityTouch)
	snap.Mixture.Variances[0][0] = math.Inf(1)
	err = s.SaveSnapshot("owner", snap)
	require.Error(t, err)
	assert.ErrorIs(t, err, feature.ErrInvalidInput)
}

func TestSaveRejectsMalformedShape(t *testing.T) {
	s := openTestStore(t)

	snap := validSnapshot(feature.ModalityMotion)
	snap.Baseline.Mean = snap.Baseline.Mean[:9]
	err := s.SaveSnapshot("owner", snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")
}

func TestLoadMissingSnapshot(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LoadSnapshot("owner", feature.ModalityTouch)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadSnapshotsSkipsCorrupt(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSnapshot("owner", validSnapshot(feature.ModalityTouch)))
	require.NoError(t, s.SaveSnapshot("owner", validSnapshot(feature.ModalityTyping)))

	// Corrupt one row behind the store's back.
	_, err := s.db.Exec(
		`UPDATE snapshots SET doc = '{"modality":"typing"}' WHERE modality = 'typing'`)
	require.NoError(t, err)

	snaps, err := s.LoadSnapshots("owner")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, feature.ModalityTouch, snaps[0].Modality)
}

func TestDeleteProfile(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSnapshot("owner", validSnapshot(feature.ModalityTouch)))
	require.NoError(t, s.DeleteProfile("owner"))

	snaps, err := s.LoadSnapshots("owner")
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestValidateSnapshotDocRejectsUnknownModality(t *testing.T) {
	err := ValidateSnapshotDoc([]byte(`{"modality":"gait","created_at":"2026-01-01T00:00:00Z"}`))
	require.Error(t, err)
}
