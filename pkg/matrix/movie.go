package matrix

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"

	"golang.org/x/exp/mmap"
	"gonum.org/v1/gonum/mat"
)

// Movie is a read-only pixels x frames matrix. Implementations must be safe
// for concurrent Row calls.
type Movie interface {
	// Dims returns the number of pixels d and frames T.
	Dims() (pixels, frames int)

	// Row copies the trace of pixel p into dst (allocated when nil) and
	// returns it.
	Row(p int, dst []float64) []float64
}

// ShapeError reports a mismatch between the declared movie geometry and the
// actual matrix size. It is fatal and raised before any solve starts.
type ShapeError struct {
	Op        string
	Want, Got [2]int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: movie shape mismatch: want %dx%d (pixels x frames), got %dx%d",
		e.Op, e.Want[0], e.Want[1], e.Got[0], e.Got[1])
}

// CheckShape verifies that m holds height*width pixels. frames is checked
// when positive.
func CheckShape(m Movie, height, width, frames int) error {
	d, t := m.Dims()
	wantT := t
	if frames > 0 {
		wantT = frames
	}
	if height <= 0 || width <= 0 || d != height*width || t != wantT || t == 0 {
		return &ShapeError{Op: "check", Want: [2]int{height * width, wantT}, Got: [2]int{d, t}}
	}
	return nil
}

// InMemory is a Movie backed by a dense matrix.
type InMemory struct {
	m *mat.Dense
}

// NewInMemory wraps a pixels x frames matrix.
func NewInMemory(m *mat.Dense) *InMemory {
	return &InMemory{m: m}
}

func (im *InMemory) Dims() (int, int) { return im.m.Dims() }

func (im *InMemory) Row(p int, dst []float64) []float64 {
	src := im.m.RawRowView(p)
	if dst == nil {
		dst = make([]float64, len(src))
	}
	copy(dst, src)
	return dst
}

// Dense returns the backing matrix.
func (im *InMemory) Dense() *mat.Dense { return im.m }

// DenseOf returns the movie as a dense matrix that must be treated as
// read-only. An in-memory movie is returned without copying.
func DenseOf(m Movie) *mat.Dense {
	if im, ok := m.(*InMemory); ok {
		return im.m
	}
	return Materialize(m)
}

// Materialize copies any Movie into a dense matrix.
func Materialize(m Movie) *mat.Dense {
	if im, ok := m.(*InMemory); ok {
		return mat.DenseCopyOf(im.m)
	}
	d, t := m.Dims()
	out := mat.NewDense(d, t, nil)
	for p := 0; p < d; p++ {
		m.Row(p, out.RawRowView(p))
	}
	return out
}

// Mapped is a Movie stored on disk as little-endian float32 values in
// pixel-major order (all frames of pixel 0, then pixel 1, ...). The file is
// memory-mapped, so only the rows a reader touches are paged in.
//
// Row has no error return. A failed read yields a zero row and the first
// failure is kept for Err.
type Mapped struct {
	r      *mmap.ReaderAt
	pixels int
	frames int

	mu  sync.Mutex
	err error
}

// OpenMapped memory-maps path and checks that its size matches
// pixels x frames float32 values.
func OpenMapped(path string, pixels, frames int) (*Mapped, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to map movie: %w", err)
	}
	want := pixels * frames * 4
	if pixels <= 0 || frames <= 0 || r.Len() != want {
		r.Close()
		return nil, &ShapeError{
			Op:   "open " + path,
			Want: [2]int{pixels, frames},
			Got:  [2]int{pixels, r.Len() / 4 / max(pixels, 1)},
		}
	}
	return &Mapped{r: r, pixels: pixels, frames: frames}, nil
}

func (m *Mapped) Dims() (int, int) { return m.pixels, m.frames }

func (m *Mapped) Row(p int, dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, m.frames)
	}
	buf := make([]byte, 4*m.frames)
	if _, err := m.r.ReadAt(buf, int64(p)*int64(len(buf))); err != nil {
		m.fail(fmt.Errorf("reading pixel %d: %w", p, err))
		for t := range dst {
			dst[t] = 0
		}
		return dst
	}
	for t := range dst {
		dst[t] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4*t:])))
	}
	return dst
}

func (m *Mapped) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err == nil {
		m.err = err
	}
}

// Err returns the first read failure, nil when every read succeeded.
func (m *Mapped) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close releases the mapping.
func (m *Mapped) Close() error {
	return m.r.Close()
}

// Load reads a raw movie file fully into memory.
func Load(path string, pixels, frames int) (*InMemory, error) {
	mapped, err := OpenMapped(path, pixels, frames)
	if err != nil {
		return nil, err
	}
	defer mapped.Close()

	data := Materialize(mapped)
	if err := mapped.Err(); err != nil {
		return nil, fmt.Errorf("failed to read movie: %w", err)
	}
	return NewInMemory(data), nil
}

// WorkingSet estimates the peak memory in bytes of a factorization of a
// pixels x frames movie: the movie itself, the initializer's residual and
// blurred copies, and the residual kept between passes.
func WorkingSet(pixels, frames int) uint64 {
	return 4 * 8 * uint64(pixels) * uint64(frames)
}

// WriteRaw stores a pixels x frames matrix in the format read by OpenMapped.
func WriteRaw(path string, m *mat.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	r, c := m.Dims()
	var word [4]byte
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			binary.LittleEndian.PutUint32(word[:], math.Float32bits(float32(m.At(i, j))))
			if _, err := w.Write(word[:]); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}
