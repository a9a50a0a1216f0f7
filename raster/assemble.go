// raster/assemble.go
package raster

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/popgrid/popgrid/models"
)

var logger = logrus.WithField("component", "raster")

// Options control how downloaded rasters are combined.
type Options struct {
	// MaskMissing rewrites nodata samples to NaN after merging, so sums and
	// means over the result ignore unfilled pixels.
	MaskMissing bool

	// TargetEPSG reprojects each merged layer when non-zero and different
	// from the source CRS.
	TargetEPSG int
}

// YearLayer is one annual slice of a multi-year result.
type YearLayer struct {
	Year int
	Grid *Grid
}

// AssembledRaster is the merged product of one acquisition run. A static
// product or a single requested year fills Grid; several years fill Layers
// in ascending order. Missing lists the targets whose raster could not be
// included, whether the download failed or the file would not decode.
type AssembledRaster struct {
	Product string
	Grid    *Grid
	Layers  []YearLayer
	Missing []models.DownloadTarget
}

// Years lists the annual layers present, ascending. A collapsed result
// reports no years.
func (a *AssembledRaster) Years() []int {
	years := make([]int, len(a.Layers))
	for i, l := range a.Layers {
		years[i] = l.Year
	}
	return years
}

// Complete reports whether every requested raster made it into the result.
func (a *AssembledRaster) Complete() bool {
	return len(a.Missing) == 0
}

// AssemblyError reports a run from which nothing could be merged.
type AssemblyError struct {
	Product string
	Reason  string
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("failed to assemble %s: %s", e.Product, e.Reason)
}

// Assemble decodes the rasters behind a download run's outcomes and mosaics
// them one layer per year. Failed downloads and unreadable files are
// reported in Missing rather than aborting the run; only a run with no
// usable raster at all is an AssemblyError.
func Assemble(ctx context.Context, product string, outcomes []models.DownloadOutcome, opts Options) (*AssembledRaster, error) {
	byYear := make(map[int][]*Grid)
	res := &AssembledRaster{Product: product}
	usable := 0

	for _, o := range outcomes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if o.Status == models.StatusFailed {
			res.Missing = append(res.Missing, o.Target)
			continue
		}
		g, err := DecodeFile(o.LocalPath)
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"region": o.Target.RegionID,
				"path":   o.LocalPath,
			}).Warn("Skipping unreadable raster")
			res.Missing = append(res.Missing, o.Target)
			continue
		}
		byYear[o.Target.Year] = append(byYear[o.Target.Year], g)
		usable++
	}
	if usable == 0 {
		return nil, &AssemblyError{Product: product, Reason: "no region raster could be read"}
	}

	years := make([]int, 0, len(byYear))
	for y := range byYear {
		years = append(years, y)
	}
	sort.Ints(years)

	layers := make([]YearLayer, 0, len(years))
	for _, y := range years {
		merged, err := Merge(byYear[y])
		if err != nil {
			if y == 0 {
				return nil, fmt.Errorf("failed to merge region rasters: %w", err)
			}
			return nil, fmt.Errorf("failed to merge region rasters for %d: %w", y, err)
		}
		if opts.TargetEPSG != 0 {
			merged, err = Reproject(merged, opts.TargetEPSG)
			if err != nil {
				return nil, err
			}
		}
		if opts.MaskMissing {
			merged.MaskNoData()
		}
		layers = append(layers, YearLayer{Year: y, Grid: merged})
	}

	if len(layers) == 1 {
		res.Grid = layers[0].Grid
	} else {
		res.Layers = layers
	}

	logger.WithFields(logrus.Fields{
		"product": product,
		"layers":  len(layers),
		"merged":  usable,
		"missing": len(res.Missing),
	}).Info("Assembled raster")
	return res, nil
}
