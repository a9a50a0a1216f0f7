// raster/grid.go
package raster

import (
	"fmt"
	"math"
)

// Grid is a single-band raster: width x height float64 samples anchored to
// a coordinate reference system by an affine north-up geotransform.
type Grid struct {
	Width  int
	Height int

	// OriginX/OriginY locate the outer corner of the top-left pixel.
	// PixelWidth and PixelHeight are positive; rows advance downward, so a
	// pixel's y coordinate decreases with its row index.
	OriginX     float64
	OriginY     float64
	PixelWidth  float64
	PixelHeight float64

	// EPSG identifies the CRS (4326 for the provider's native grids).
	EPSG int

	NoData    float64
	HasNoData bool

	// Data is row-major, Width*Height samples.
	Data []float64
}

// NewGrid allocates a grid with every sample set to the nodata value.
func NewGrid(width, height int, originX, originY, pw, ph float64, epsg int, nodata float64, hasNoData bool) *Grid {
	g := &Grid{
		Width: width, Height: height,
		OriginX: originX, OriginY: originY,
		PixelWidth: pw, PixelHeight: ph,
		EPSG:   epsg,
		NoData: nodata, HasNoData: hasNoData,
		Data: make([]float64, width*height),
	}
	if hasNoData && nodata != 0 {
		for i := range g.Data {
			g.Data[i] = nodata
		}
	}
	return g
}

// At returns the sample at (col, row).
func (g *Grid) At(col, row int) float64 {
	return g.Data[row*g.Width+col]
}

// Set stores a sample at (col, row).
func (g *Grid) Set(col, row int, v float64) {
	g.Data[row*g.Width+col] = v
}

// IsNoData reports whether v is the grid's missing-value marker. NaN always
// counts as missing.
func (g *Grid) IsNoData(v float64) bool {
	if math.IsNaN(v) {
		return true
	}
	return g.HasNoData && v == g.NoData
}

// Bounds returns the grid's outer envelope in CRS coordinates.
func (g *Grid) Bounds() (minX, minY, maxX, maxY float64) {
	minX = g.OriginX
	maxX = g.OriginX + float64(g.Width)*g.PixelWidth
	maxY = g.OriginY
	minY = g.OriginY - float64(g.Height)*g.PixelHeight
	return minX, minY, maxX, maxY
}

// CellCenter returns the CRS coordinates of a pixel's center.
func (g *Grid) CellCenter(col, row int) (x, y float64) {
	x = g.OriginX + (float64(col)+0.5)*g.PixelWidth
	y = g.OriginY - (float64(row)+0.5)*g.PixelHeight
	return x, y
}

// Cell returns the pixel indexes containing the CRS coordinate. The indexes
// may fall outside the grid; callers bounds-check.
func (g *Grid) Cell(x, y float64) (col, row int) {
	col = int(math.Floor((x - g.OriginX) / g.PixelWidth))
	row = int(math.Floor((g.OriginY - y) / g.PixelHeight))
	return col, row
}

// sameResolution tolerates the float jitter that creeps into geotransforms
// of files cut from one global grid.
func sameResolution(a, b *Grid) bool {
	const relTol = 1e-6
	return math.Abs(a.PixelWidth-b.PixelWidth) <= relTol*math.Abs(a.PixelWidth) &&
		math.Abs(a.PixelHeight-b.PixelHeight) <= relTol*math.Abs(a.PixelHeight)
}

// Merge mosaics per-region grids into one grid covering their union. The
// first grid's resolution, CRS and nodata marker define the output; on
// overlap the earliest grid's samples win, and nodata never overwrites
// data. Inputs must share CRS, resolution and nodata marker.
func Merge(grids []*Grid) (*Grid, error) {
	if len(grids) == 0 {
		return nil, fmt.Errorf("nothing to merge")
	}
	first := grids[0]
	minX, minY, maxX, maxY := first.Bounds()
	for _, g := range grids[1:] {
		if g.EPSG != first.EPSG {
			return nil, fmt.Errorf("cannot merge CRS EPSG:%d with EPSG:%d", g.EPSG, first.EPSG)
		}
		if !sameResolution(first, g) {
			return nil, fmt.Errorf("cannot merge differing resolutions %gx%g and %gx%g",
				first.PixelWidth, first.PixelHeight, g.PixelWidth, g.PixelHeight)
		}
		if g.HasNoData != first.HasNoData || (g.HasNoData && g.NoData != first.NoData && !(math.IsNaN(g.NoData) && math.IsNaN(first.NoData))) {
			return nil, fmt.Errorf("cannot merge grids with differing nodata markers")
		}
		x0, y0, x1, y1 := g.Bounds()
		minX = math.Min(minX, x0)
		minY = math.Min(minY, y0)
		maxX = math.Max(maxX, x1)
		maxY = math.Max(maxY, y1)
	}

	pw, ph := first.PixelWidth, first.PixelHeight
	width := int(math.Round((maxX - minX) / pw))
	height := int(math.Round((maxY - minY) / ph))
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("merge produced an empty extent")
	}

	nodata := first.NoData
	if !first.HasNoData {
		// Without a declared marker, unset mosaic pixels become NaN.
		nodata = math.NaN()
	}
	out := NewGrid(width, height, minX, maxY, pw, ph, first.EPSG, nodata, true)
	for i := range out.Data {
		out.Data[i] = nodata
	}

	for _, g := range grids {
		// Source pixel (0,0) lands at this offset in the output.
		offCol := int(math.Round((g.OriginX - minX) / pw))
		offRow := int(math.Round((maxY - g.OriginY) / ph))
		for row := 0; row < g.Height; row++ {
			dstRow := offRow + row
			if dstRow < 0 || dstRow >= height {
				continue
			}
			for col := 0; col < g.Width; col++ {
				dstCol := offCol + col
				if dstCol < 0 || dstCol >= width {
					continue
				}
				v := g.At(col, row)
				if g.IsNoData(v) {
					continue
				}
				if out.IsNoData(out.At(dstCol, dstRow)) {
					out.Set(dstCol, dstRow, v)
				}
			}
		}
	}
	return out, nil
}

// MaskNoData replaces the grid's missing-value marker with NaN in place.
func (g *Grid) MaskNoData() {
	if !g.HasNoData {
		return
	}
	for i, v := range g.Data {
		if v == g.NoData {
			g.Data[i] = math.NaN()
		}
	}
	g.NoData = math.NaN()
}
