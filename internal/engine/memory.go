package engine

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/lidarhub/pointserve/internal/fsutil"
)

// maxRasterCells bounds the raster grid so a bad cell size cannot ask
// for an absurd allocation.
const maxRasterCells = 16 << 20

// dimension describes one schema field of the memory engine's fixed
// point layout.
type dimension struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int    `json:"size"`
}

var memorySchema = []dimension{
	{Name: "X", Type: "floating", Size: 8},
	{Name: "Y", Type: "floating", Size: 8},
	{Name: "Z", Type: "floating", Size: 8},
	{Name: "Intensity", Type: "unsigned", Size: 2},
}

// memoryPipeline is the pipeline definition the memory engine accepts.
type memoryPipeline struct {
	Count  int64     `json:"count"`
	Bounds []float64 `json:"bounds"`
	Seed   int64     `json:"seed"`
	SRS    string    `json:"srs"`
}

type point struct {
	X, Y, Z   float64
	Intensity uint16
}

// Memory is a deterministic in-memory Engine. Its pipeline definition
// is a JSON object {"count": N, "bounds": [x0,y0,z0,x1,y1,z1],
// "seed": S, "srs": "..."}; execution generates count points uniformly
// inside bounds from the seed, so the same definition always yields
// the same dataset.
type Memory struct {
	fs fsutil.FileSystem

	mu       sync.RWMutex
	def      memoryPipeline
	points   []point
	executed bool
}

// NewMemory returns an uninitialized memory engine writing serialized
// output to the real filesystem.
func NewMemory() *Memory {
	return NewMemoryOn(fsutil.OSFileSystem{})
}

// NewMemoryOn returns an uninitialized memory engine writing
// serialized output through fs.
func NewMemoryOn(fs fsutil.FileSystem) *Memory {
	return &Memory{fs: fs}
}

// Initialize parses and validates the pipeline definition, then
// generates the dataset when execute is true. Auxiliary paths are
// accepted for contract compatibility but the memory engine reads
// nothing from disk.
func (m *Memory) Initialize(pipeline string, auxPaths []string, execute bool) error {
	var def memoryPipeline
	dec := json.NewDecoder(strings.NewReader(pipeline))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return fmt.Errorf("invalid pipeline definition: %v", err)
	}
	if def.Count <= 0 {
		return fmt.Errorf("invalid pipeline definition: count must be positive, got %d", def.Count)
	}
	if len(def.Bounds) != 6 || !ValidBounds(def.Bounds) {
		return fmt.Errorf("invalid pipeline definition: bounds must be 6 finite numbers forming a box")
	}
	if def.SRS == "" {
		def.SRS = "EPSG:4326"
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.def = def
	m.points = nil
	m.executed = false

	if !execute {
		return nil
	}

	rng := rand.New(rand.NewSource(def.Seed))
	b := def.Bounds
	pts := make([]point, def.Count)
	for i := range pts {
		pts[i] = point{
			X:         b[0] + rng.Float64()*(b[3]-b[0]),
			Y:         b[1] + rng.Float64()*(b[4]-b[1]),
			Z:         b[2] + rng.Float64()*(b[5]-b[2]),
			Intensity: uint16(rng.Intn(1 << 16)),
		}
	}
	m.points = pts
	m.executed = true
	return nil
}

func (m *Memory) NumPoints() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.points))
}

func (m *Memory) Schema() string {
	out, _ := json.Marshal(map[string]interface{}{"dimensions": memorySchema})
	return string(out)
}

// Stats reports per-dimension min/max/mean/stddev over the executed
// dataset as a JSON document.
func (m *Memory) Stats() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dims := map[string][]float64{"X": nil, "Y": nil, "Z": nil}
	for _, p := range m.points {
		dims["X"] = append(dims["X"], p.X)
		dims["Y"] = append(dims["Y"], p.Y)
		dims["Z"] = append(dims["Z"], p.Z)
	}

	summary := map[string]interface{}{"num_points": len(m.points)}
	for name, vals := range dims {
		if len(vals) == 0 {
			continue
		}
		minV, maxV := vals[0], vals[0]
		for _, v := range vals {
			minV = math.Min(minV, v)
			maxV = math.Max(maxV, v)
		}
		summary[strings.ToLower(name)] = map[string]float64{
			"min":    minV,
			"max":    maxV,
			"mean":   stat.Mean(vals, nil),
			"stddev": stat.StdDev(vals, nil),
		}
	}
	out, _ := json.Marshal(summary)
	return string(out)
}

func (m *Memory) SRS() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.def.SRS
}

// Fills reports the number of points in each ChunkSize-point chunk of
// the executed dataset.
func (m *Memory) Fills() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var fills []int
	remaining := len(m.points)
	for remaining > 0 {
		n := remaining
		if n > ChunkSize {
			n = ChunkSize
		}
		fills = append(fills, n)
		remaining -= n
	}
	return fills
}

// Serialize writes the full packed dataset to every target path,
// creating parent directories as needed.
func (m *Memory) Serialize(paths []string) error {
	m.mu.RLock()
	pts := m.points
	executed := m.executed
	m.mu.RUnlock()

	if !executed {
		return fmt.Errorf("nothing to serialize: pipeline was not executed")
	}
	if len(paths) == 0 {
		return fmt.Errorf("no serialization paths given")
	}

	data := packPoints(pts, nil)
	for _, path := range paths {
		if err := m.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		if err := m.fs.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	return nil
}

// Read extracts points matching the query. Raw reads return packed
// records; rasterized reads return a row-major grid of mean-Z cells
// (NaN for empty cells) plus the grid layout.
func (m *Memory) Read(q Query) (*ReadResponse, error) {
	m.mu.RLock()
	pts := m.points
	executed := m.executed
	m.mu.RUnlock()

	if !executed {
		return nil, fmt.Errorf("pipeline was not executed")
	}
	if !ValidBounds(q.Bounds) {
		return nil, fmt.Errorf("bounds must be 4 or 6 finite numbers forming a valid box")
	}
	for _, f := range q.Fields {
		if !ValidField(f) {
			return nil, fmt.Errorf("unknown dimension %q", f)
		}
	}

	selected := filterBounds(pts, q.Bounds)

	if q.Rasterize {
		return m.rasterize(selected, q)
	}

	data := packPoints(selected, q.Fields)
	var err error
	if data, err = maybeCompress(data, q.Compress); err != nil {
		return nil, err
	}
	return &ReadResponse{
		NumPoints: int64(len(selected)),
		Data:      bytes.NewReader(data),
	}, nil
}

func (m *Memory) rasterize(pts []point, q Query) (*ReadResponse, error) {
	bounds := q.Bounds
	if len(bounds) == 0 {
		m.mu.RLock()
		bounds = m.def.Bounds
		m.mu.RUnlock()
	}
	// Only the 2D footprint matters for gridding.
	x0, y0 := bounds[0], bounds[1]
	x1, y1 := bounds[len(bounds)/2], bounds[len(bounds)/2+1]

	xNum, err := GridCount(x1-x0, q.CellSize)
	if err != nil {
		return nil, err
	}
	yNum, err := GridCount(y1-y0, q.CellSize)
	if err != nil {
		return nil, err
	}
	if xNum > maxRasterCells || yNum > maxRasterCells || xNum*yNum > maxRasterCells {
		return nil, fmt.Errorf("%w: %dx%d cells exceeds limit", ErrRasterize, xNum, yNum)
	}

	sums := make([]float64, xNum*yNum)
	counts := make([]int, xNum*yNum)
	var numPoints int64
	for _, p := range pts {
		xi := int((p.X - x0) / q.CellSize)
		yi := int((p.Y - y0) / q.CellSize)
		if xi < 0 || xi >= xNum || yi < 0 || yi >= yNum {
			continue
		}
		idx := yi*xNum + xi
		sums[idx] += p.Z
		counts[idx]++
		numPoints++
	}

	buf := new(bytes.Buffer)
	for i := range sums {
		v := math.NaN()
		if counts[i] > 0 {
			v = sums[i] / float64(counts[i])
		}
		binary.Write(buf, binary.LittleEndian, v)
	}

	data := buf.Bytes()
	if data, err = maybeCompress(data, q.Compress); err != nil {
		return nil, err
	}
	return &ReadResponse{
		NumPoints: numPoints,
		Raster: &RasterMeta{
			XBegin: x0, XStep: q.CellSize, XNum: xNum,
			YBegin: y0, YStep: q.CellSize, YNum: yNum,
		},
		Data: bytes.NewReader(data),
	}, nil
}

func filterBounds(pts []point, bounds []float64) []point {
	if len(bounds) == 0 {
		return pts
	}
	half := len(bounds) / 2
	checkZ := len(bounds) == 6
	var out []point
	for _, p := range pts {
		if p.X < bounds[0] || p.X > bounds[half] {
			continue
		}
		if p.Y < bounds[1] || p.Y > bounds[half+1] {
			continue
		}
		if checkZ && (p.Z < bounds[2] || p.Z > bounds[5]) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// packPoints encodes records little-endian, projecting onto the
// requested fields (all schema dimensions when fields is empty).
func packPoints(pts []point, fields []string) []byte {
	if len(fields) == 0 {
		fields = []string{"X", "Y", "Z", "Intensity"}
	}
	buf := new(bytes.Buffer)
	for _, p := range pts {
		for _, f := range fields {
			switch f {
			case "X":
				binary.Write(buf, binary.LittleEndian, p.X)
			case "Y":
				binary.Write(buf, binary.LittleEndian, p.Y)
			case "Z":
				binary.Write(buf, binary.LittleEndian, p.Z)
			case "Intensity":
				binary.Write(buf, binary.LittleEndian, p.Intensity)
			}
		}
	}
	return buf.Bytes()
}

// ValidField reports whether name is a dimension of the memory
// engine's schema.
func ValidField(name string) bool {
	for _, d := range memorySchema {
		if d.Name == name {
			return true
		}
	}
	return false
}

func maybeCompress(data []byte, compress bool) ([]byte, error) {
	if !compress {
		return data, nil
	}
	buf := new(bytes.Buffer)
	zw := gzip.NewWriter(buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	return buf.Bytes(), nil
}
