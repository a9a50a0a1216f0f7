// raster/reproject.go
package raster

import (
	"fmt"
	"math"
)

const (
	epsgGeographic  = 4326
	epsgWebMercator = 3857

	earthRadiusM = 6378137.0

	// Web Mercator's projection domain; latitudes beyond this are clamped.
	webMercatorMaxLat = 85.05112878
)

// Reproject resamples g into the target CRS by nearest neighbour, keeping
// the pixel counts of the source. Only the pair EPSG:4326 and EPSG:3857 is
// supported; matching codes return g untouched.
func Reproject(g *Grid, targetEPSG int) (*Grid, error) {
	if g.EPSG == targetEPSG {
		return g, nil
	}

	var forward, inverse func(x, y float64) (float64, float64)
	switch {
	case g.EPSG == epsgGeographic && targetEPSG == epsgWebMercator:
		forward, inverse = lonLatToMercator, mercatorToLonLat
	case g.EPSG == epsgWebMercator && targetEPSG == epsgGeographic:
		forward, inverse = mercatorToLonLat, lonLatToMercator
	default:
		return nil, fmt.Errorf("unsupported reprojection EPSG:%d to EPSG:%d", g.EPSG, targetEPSG)
	}

	// Both directions transform the axes independently, so projecting the
	// two extreme corners gives the exact target bounds.
	minX, minY, maxX, maxY := g.Bounds()
	tMinX, tMinY := forward(minX, minY)
	tMaxX, tMaxY := forward(maxX, maxY)

	out := NewGrid(g.Width, g.Height,
		tMinX, tMaxY,
		(tMaxX-tMinX)/float64(g.Width), (tMaxY-tMinY)/float64(g.Height),
		targetEPSG, g.NoData, g.HasNoData)

	for row := 0; row < out.Height; row++ {
		for col := 0; col < out.Width; col++ {
			cx, cy := out.CellCenter(col, row)
			sx, sy := inverse(cx, cy)
			sc, sr := g.Cell(sx, sy)
			if sc < 0 || sc >= g.Width || sr < 0 || sr >= g.Height {
				continue
			}
			out.Set(col, row, g.At(sc, sr))
		}
	}
	return out, nil
}

func lonLatToMercator(lon, lat float64) (float64, float64) {
	if lat > webMercatorMaxLat {
		lat = webMercatorMaxLat
	} else if lat < -webMercatorMaxLat {
		lat = -webMercatorMaxLat
	}
	x := earthRadiusM * lon * math.Pi / 180
	y := earthRadiusM * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
	return x, y
}

func mercatorToLonLat(x, y float64) (float64, float64) {
	lon := x / earthRadiusM * 180 / math.Pi
	lat := (2*math.Atan(math.Exp(y/earthRadiusM)) - math.Pi/2) * 180 / math.Pi
	return lon, lat
}
