// Package preview renders a rasterized read result as a heatmap PNG
// for quick visual inspection of a session's data.
package preview

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/lidarhub/pointserve/internal/engine"
)

// grid adapts a raster buffer to the plotter's GridXYZ interface. The
// buffer is row-major, YNum rows of XNum cells.
type grid struct {
	meta  *engine.RasterMeta
	cells []float64
}

func (g grid) Dims() (c, r int)   { return g.meta.XNum, g.meta.YNum }
func (g grid) Z(c, r int) float64 { return g.cells[r*g.meta.XNum+c] }
func (g grid) X(c int) float64    { return g.meta.XBegin + float64(c)*g.meta.XStep }
func (g grid) Y(r int) float64    { return g.meta.YBegin + float64(r)*g.meta.YStep }

// Render draws the raster described by meta as a heatmap and returns
// the encoded PNG. data is the uncompressed little-endian float64 cell
// buffer produced by a rasterized read.
func Render(meta *engine.RasterMeta, data []byte) ([]byte, error) {
	if meta == nil {
		return nil, fmt.Errorf("no raster metadata")
	}
	want := meta.XNum * meta.YNum * 8
	if len(data) != want {
		return nil, fmt.Errorf("raster buffer is %d bytes, want %d for %dx%d cells",
			len(data), want, meta.XNum, meta.YNum)
	}

	cells := make([]float64, meta.XNum*meta.YNum)
	floor := math.Inf(1)
	for i := range cells {
		cells[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
		if !math.IsNaN(cells[i]) && cells[i] < floor {
			floor = cells[i]
		}
	}
	if math.IsInf(floor, 1) {
		floor = 0
	}
	// Empty cells are NaN in the read buffer; paint them at the floor
	// so the palette range stays finite.
	for i := range cells {
		if math.IsNaN(cells[i]) {
			cells[i] = floor
		}
	}

	p := plot.New()
	p.Title.Text = "raster preview"
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"
	p.Add(plotter.NewHeatMap(grid{meta: meta, cells: cells}, palette.Heat(16, 1)))

	wt, err := p.WriterTo(8*vg.Inch, 8*vg.Inch, "png")
	if err != nil {
		return nil, fmt.Errorf("failed to render preview: %w", err)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode preview: %w", err)
	}
	return buf.Bytes(), nil
}
