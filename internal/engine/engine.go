// Package engine defines the contract with the point-cloud engine that
// backs a session, plus an in-memory implementation used by the server
// and by tests. The engine owns all point-cloud semantics (formats,
// coordinate math, rasterization); callers treat it as opaque.
package engine

import (
	"errors"
	"fmt"
	"io"
	"math"
)

// ChunkSize is the unit in which read results are produced and drained.
const ChunkSize = 65536

// ErrRasterize marks an engine error caused by infeasible rasterization
// parameters, as opposed to a general engine failure.
var ErrRasterize = errors.New("rasterization failed")

// Query describes one read against an initialized engine.
type Query struct {
	// Bounds is a 2D box [x0,y0,x1,y1] or 3D box [x0,y0,z0,x1,y1,z1].
	// Empty means the full extent of the dataset.
	Bounds []float64
	// Fields projects the output onto a subset of schema dimensions,
	// in the requested order. Empty means all dimensions.
	Fields []string
	// Compress gzips the produced buffer.
	Compress bool
	// Rasterize grids the points onto a regular 2D layout instead of
	// returning raw records. CellSize must be positive when set.
	Rasterize bool
	CellSize  float64
}

// RasterMeta describes the grid layout of a rasterized read.
type RasterMeta struct {
	XBegin float64 `json:"xBegin"`
	XStep  float64 `json:"xStep"`
	XNum   int     `json:"xNum"`
	YBegin float64 `json:"yBegin"`
	YStep  float64 `json:"yStep"`
	YNum   int     `json:"yNum"`
}

// ReadResponse carries the outcome of Engine.Read. Data is drained by
// the caller in ChunkSize pieces; Raster is nil for raw reads.
type ReadResponse struct {
	NumPoints int64
	Raster    *RasterMeta
	Data      io.Reader
}

// Engine is the point-cloud processing context behind one session.
// Initialize must complete before any other method is called; the
// accessor methods are safe for concurrent use after that.
type Engine interface {
	// Initialize builds the pipeline described by the definition. When
	// execute is false the pipeline is validated but no points are
	// produced (the handle is only good for introspection).
	Initialize(pipeline string, auxPaths []string, execute bool) error
	NumPoints() int64
	Schema() string
	Stats() string
	SRS() string
	// Fills reports per-chunk fill counts; their meaning is owned by
	// the engine and passed through verbatim.
	Fills() []int
	// Serialize persists the executed result set to each target path.
	Serialize(paths []string) error
	Read(q Query) (*ReadResponse, error)
}

// ValidBounds reports whether b is a well-formed 2D or 3D box: 4 or 6
// finite numbers with min <= max on every axis. An empty slice is
// valid (full extent).
func ValidBounds(b []float64) bool {
	if len(b) == 0 {
		return true
	}
	if len(b) != 4 && len(b) != 6 {
		return false
	}
	for _, v := range b {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	half := len(b) / 2
	for i := 0; i < half; i++ {
		if b[i] > b[i+half] {
			return false
		}
	}
	return true
}

// GridCount returns the number of raster cells covering extent at the
// given cell size: ceil(extent/cellSize), never less than 1 for a
// positive extent.
func GridCount(extent, cellSize float64) (int, error) {
	if cellSize <= 0 || math.IsNaN(cellSize) || math.IsInf(cellSize, 0) {
		return 0, fmt.Errorf("%w: cell size %v is not a positive number", ErrRasterize, cellSize)
	}
	if extent <= 0 {
		return 0, fmt.Errorf("%w: degenerate extent %v", ErrRasterize, extent)
	}
	return int(math.Ceil(extent / cellSize)), nil
}
