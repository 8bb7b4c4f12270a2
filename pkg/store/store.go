// Package store exports and imports factorization results as a zstd
// compressed gob stream.
package store

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"gonum.org/v1/gonum/mat"

	"github.com/trose-neuro/CaImAn/internal/models"
	"github.com/trose-neuro/CaImAn/pkg/matrix"
	"github.com/trose-neuro/CaImAn/pkg/pipeline"
)

// Snapshot is the serialized form of a pipeline State. The residual movie is
// not stored; it can be recomputed from the movie and the factors.
type Snapshot struct {
	Height, Width int

	// Footprints holds the columns of A
	Footprints [][]matrix.Entry

	C, S, B, F *mat.Dense

	Components []models.Component
	Noise      []float64
	Merges     []models.MergeRecord
}

// FromState captures st for a height x width frame.
func FromState(st *pipeline.State, height, width int) *Snapshot {
	snap := &Snapshot{
		Height:     height,
		Width:      width,
		C:          st.C,
		S:          st.S,
		B:          st.B,
		F:          st.F,
		Components: st.Components,
		Noise:      st.Noise,
		Merges:     st.Merges,
	}
	for j := 0; j < st.K(); j++ {
		snap.Footprints = append(snap.Footprints, st.A.Column(j))
	}
	return snap
}

// State rebuilds the pipeline State. Residual is left nil.
func (s *Snapshot) State() *pipeline.State {
	return &pipeline.State{
		A:          matrix.NewSparse(s.Height*s.Width, s.Footprints),
		C:          s.C,
		S:          s.S,
		B:          s.B,
		F:          s.F,
		Components: s.Components,
		Noise:      s.Noise,
		Merges:     s.Merges,
	}
}

// Encode writes snap to w.
func Encode(w io.Writer, snap *Snapshot) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	if err := gob.NewEncoder(enc).Encode(snap); err != nil {
		enc.Close()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return enc.Close()
}

// Decode reads a snapshot written by Encode.
func Decode(r io.Reader) (*Snapshot, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	var snap Snapshot
	if err := gob.NewDecoder(dec).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// Save writes snap to path.
func Save(path string, snap *Snapshot) error {
	fid, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create result file: %w", err)
	}
	if err := Encode(fid, snap); err != nil {
		fid.Close()
		return err
	}
	return fid.Close()
}

// Load reads a snapshot from path.
func Load(path string) (*Snapshot, error) {
	fid, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open result file: %w", err)
	}
	defer fid.Close()
	return Decode(fid)
}
