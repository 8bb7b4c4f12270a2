package store

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/trose-neuro/CaImAn/internal/models"
	"github.com/trose-neuro/CaImAn/pkg/matrix"
	"github.com/trose-neuro/CaImAn/pkg/pipeline"
)

func testState() *pipeline.State {
	return &pipeline.State{
		A: matrix.NewSparse(6, [][]matrix.Entry{
			{{Row: 0, Value: 0.6}, {Row: 1, Value: 0.8}},
			{{Row: 4, Value: 1}},
		}),
		C: mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6}),
		S: mat.NewDense(2, 3, []float64{0, 1, 0, 0, 0, 1}),
		B: mat.NewDense(6, 1, []float64{1, 1, 1, 1, 1, 1}),
		F: mat.NewDense(1, 3, []float64{0.5, 0.5, 0.5}),
		Components: []models.Component{
			{Baseline: 0.1, Noise: 0.2, AR: []float64{0.9}, Origins: []int{0}},
			{Status: models.StatusNonConverged, AR: []float64{0.8}, Origins: []int{1, 2}},
		},
		Noise:  []float64{0.1, 0.1, 0.1, 0.1, 0.1, 0.1},
		Merges: []models.MergeRecord{{Groups: [][]int{{1, 2}}, Replaced: []int{1}}},
	}
}

func TestRoundTrip(t *testing.T) {
	st := testState()
	path := filepath.Join(t.TempDir(), "result.gob.zst")
	require.NoError(t, Save(path, FromState(st, 2, 3)))

	snap, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Height)
	assert.Equal(t, 3, snap.Width)

	got := snap.State()
	require.Equal(t, 2, got.K())
	for j := 0; j < 2; j++ {
		assert.Equal(t, st.A.Column(j), got.A.Column(j))
	}
	assert.True(t, mat.Equal(st.C, got.C))
	assert.True(t, mat.Equal(st.S, got.S))
	assert.True(t, mat.Equal(st.B, got.B))
	assert.True(t, mat.Equal(st.F, got.F))
	assert.Equal(t, st.Components, got.Components)
	assert.Equal(t, st.Noise, got.Noise)
	assert.Equal(t, st.Merges, got.Merges)
	assert.Nil(t, got.Residual)
}

func TestRoundTripWithoutBackground(t *testing.T) {
	st := testState()
	st.B, st.F = nil, nil

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, FromState(st, 2, 3)))
	snap, err := Decode(&buf)
	require.NoError(t, err)
	assert.Nil(t, snap.B)
	assert.Nil(t, snap.F)
	assert.True(t, mat.Equal(st.C, snap.C))
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("not a snapshot")))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
