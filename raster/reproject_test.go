// raster/reproject_test.go
package raster

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMercatorKnownValues(t *testing.T) {
	x, y := lonLatToMercator(0, 0)
	assert.Zero(t, x)
	assert.Zero(t, y)

	x, _ = lonLatToMercator(180, 0)
	assert.InDelta(t, 20037508.342789244, x, 1e-6)

	x1, _ := lonLatToMercator(1, 0)
	x2, _ := lonLatToMercator(2, 0)
	assert.InDelta(t, 2*x1, x2, 1e-6, "x is linear in longitude")

	// The projection domain is square: the y extreme equals the x extreme.
	_, yMax := lonLatToMercator(0, webMercatorMaxLat)
	assert.InDelta(t, 20037508.342789244, yMax, 1)

	// Latitudes beyond the domain clamp instead of blowing up.
	_, yClamped := lonLatToMercator(0, 89)
	assert.Equal(t, yMax, yClamped)
}

func TestMercatorRoundTrip(t *testing.T) {
	points := [][2]float64{
		{0, 0}, {-0.2, 5.56}, {8.68, 9.08}, {-179.9, 84}, {179.9, -84}, {13.4, 52.5},
	}
	for _, p := range points {
		x, y := lonLatToMercator(p[0], p[1])
		lon, lat := mercatorToLonLat(x, y)
		assert.InDelta(t, p[0], lon, 1e-9, "lon round trip for %v", p)
		assert.InDelta(t, p[1], lat, 1e-9, "lat round trip for %v", p)
	}
}

func TestReprojectSameCRS(t *testing.T) {
	g := NewGrid(2, 2, 0, 2, 1, 1, 4326, -1, true)
	out, err := Reproject(g, 4326)
	require.NoError(t, err)
	assert.Same(t, g, out, "matching CRS must not copy the grid")
}

func TestReprojectUnsupportedPair(t *testing.T) {
	g := NewGrid(2, 2, 0, 2, 1, 1, 4326, -1, true)
	_, err := Reproject(g, 32630)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported reprojection")
}

func TestReprojectToWebMercator(t *testing.T) {
	// Column-striped source: every pixel carries its column index, so any
	// row resampling leaves the expected value intact.
	g := NewGrid(4, 4, 0, 2, 1, 1, 4326, -9, true)
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			g.Set(col, row, float64(col))
		}
	}

	out, err := Reproject(g, 3857)
	require.NoError(t, err)

	assert.Equal(t, 3857, out.EPSG)
	assert.Equal(t, g.Width, out.Width)
	assert.Equal(t, g.Height, out.Height)
	assert.Equal(t, -9.0, out.NoData)
	assert.True(t, out.HasNoData)

	wantMinX, wantMinY := lonLatToMercator(0, -2)
	wantMaxX, wantMaxY := lonLatToMercator(4, 2)
	minX, minY, maxX, maxY := out.Bounds()
	assert.InDelta(t, wantMinX, minX, 1e-6)
	assert.InDelta(t, wantMinY, minY, 1e-6)
	assert.InDelta(t, wantMaxX, maxX, 1e-6)
	assert.InDelta(t, wantMaxY, maxY, 1e-6)

	// x is linear in longitude, so columns map one to one.
	for row := 0; row < out.Height; row++ {
		for col := 0; col < out.Width; col++ {
			assert.Equal(t, float64(col), out.At(col, row), "cell (%d,%d)", col, row)
		}
	}
}

func TestReprojectRoundTrip(t *testing.T) {
	g := NewGrid(4, 4, 0, 2, 1, 1, 4326, math.NaN(), true)
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			g.Set(col, row, float64(col))
		}
	}

	merc, err := Reproject(g, 3857)
	require.NoError(t, err)
	back, err := Reproject(merc, 4326)
	require.NoError(t, err)

	assert.Equal(t, 4326, back.EPSG)
	minX, minY, maxX, maxY := back.Bounds()
	assert.InDelta(t, 0, minX, 1e-6)
	assert.InDelta(t, -2, minY, 1e-6)
	assert.InDelta(t, 4, maxX, 1e-6)
	assert.InDelta(t, 2, maxY, 1e-6)
	for row := 0; row < back.Height; row++ {
		for col := 0; col < back.Width; col++ {
			assert.Equal(t, float64(col), back.At(col, row), "cell (%d,%d)", col, row)
		}
	}
}
