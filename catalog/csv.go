// catalog/csv.go
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/sirupsen/logrus"

	"github.com/popgrid/popgrid/models"
	"github.com/popgrid/popgrid/utils"
)

// firstYear is the earliest plausible year identifier in a dataset name.
// The provider published nothing before it.
const firstYear = 2000

var yearPattern = regexp.MustCompile(`_\d{4}`)

// ExtractYear returns the year identifier embedded in an annual dataset
// name. The name must contain exactly one _YYYY group with a plausible
// year (firstYear up to the current year); anything else is an error.
func ExtractYear(datasetName string) (int, error) {
	matches := yearPattern.FindAllString(datasetName, -1)
	if len(matches) != 1 {
		return 0, fmt.Errorf("dataset name %q must contain exactly one year identifier", datasetName)
	}
	year, err := strconv.Atoi(matches[0][1:])
	if err != nil {
		return 0, fmt.Errorf("dataset name %q has unparseable year: %w", datasetName, err)
	}
	if year < firstYear || year > time.Now().Year() {
		return 0, fmt.Errorf("dataset name %q has implausible year %d", datasetName, year)
	}
	return year, nil
}

// SplitDatasetName splits a dataset name into its product name and year.
// Names without a single plausible year identifier belong to static
// products and come back unchanged with year 0.
func SplitDatasetName(datasetName string) (string, int) {
	year, err := ExtractYear(datasetName)
	if err != nil {
		return datasetName, 0
	}
	product := strings.Replace(datasetName, fmt.Sprintf("_%d", year), "", 1)
	return product, year
}

// remoteRow mirrors one row of the provider's catalog CSV.
type remoteRow struct {
	Idx            int    `csv:"idx"`
	CountryNumeric string `csv:"country_numeric"`
	ISO3           string `csv:"iso3"`
	CountryName    string `csv:"country_name"`
	DatasetName    string `csv:"dataset_name"`
	RemotePath     string `csv:"remote_path"`
	Description    string `csv:"description"`
	VersionTag     string `csv:"version_tag"`
	ByteSize       int64  `csv:"byte_size"`
}

// parseRemote turns the raw provider CSV into manifest entries. Rows that
// cannot become a valid entry (bad region code, non-tif path, duplicate
// key) are skipped with a warning rather than failing the whole refresh.
func parseRemote(raw []byte, dataBaseURL string) (map[models.ManifestKey]models.ManifestEntry, error) {
	var rows []remoteRow
	if err := csvutil.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode catalog rows: %w", err)
	}

	entries := make(map[models.ManifestKey]models.ManifestEntry, len(rows))
	for _, row := range rows {
		region := utils.NormalizeRegionCode(row.ISO3)
		if !utils.ValidRegionCode(region) {
			logger.WithField("iso3", row.ISO3).Warn("Skipping catalog row with bad region code")
			continue
		}
		if row.DatasetName == "" {
			logger.WithField("idx", row.Idx).Warn("Skipping catalog row with empty dataset name")
			continue
		}
		if !strings.HasSuffix(row.RemotePath, ".tif") {
			logger.WithFields(logrus.Fields{
				"dataset": row.DatasetName,
				"path":    row.RemotePath,
			}).Warn("Skipping catalog row with non-tif remote path")
			continue
		}

		product, year := SplitDatasetName(row.DatasetName)
		entry := models.ManifestEntry{
			ProductName: product,
			RegionID:    region,
			Year:        year,
			SourceURL:   joinURL(dataBaseURL, row.RemotePath),
			VersionTag:  row.VersionTag,
			ByteSize:    row.ByteSize,
		}
		if _, dup := entries[entry.Key()]; dup {
			logger.WithField("key", entry.Key().String()).Warn("Skipping duplicate catalog row")
			continue
		}
		entries[entry.Key()] = entry
	}
	return entries, nil
}

// loadLocal reads the persisted manifest CSV. A missing file returns an
// empty map and no error.
func loadLocal(path string) (map[models.ManifestKey]models.ManifestEntry, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[models.ManifestKey]models.ManifestEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read local manifest: %w", err)
	}

	var list []models.ManifestEntry
	if err := csvutil.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("failed to decode local manifest: %w", err)
	}

	entries := make(map[models.ManifestKey]models.ManifestEntry, len(list))
	for _, e := range list {
		entries[e.Key()] = e
	}
	return entries, nil
}

// persist writes the manifest to path via a temp file and rename, so a
// concurrent reader never observes a half-written manifest. Entries are
// written in sorted key order to keep the file byte-stable across
// refreshes that change nothing.
func persist(path string, entries map[models.ManifestKey]models.ManifestEntry) error {
	list := sortedEntries(entries)
	data, err := csvutil.Marshal(list)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".part*")
	if err != nil {
		return fmt.Errorf("failed to create manifest temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close manifest temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to install manifest: %w", err)
	}
	return nil
}

func sortedEntries(entries map[models.ManifestKey]models.ManifestEntry) []models.ManifestEntry {
	list := make([]models.ManifestEntry, 0, len(entries))
	for _, e := range entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		return lessKey(list[i].Key(), list[j].Key())
	})
	return list
}

func lessKey(a, b models.ManifestKey) bool {
	if a.Product != b.Product {
		return a.Product < b.Product
	}
	if a.Region != b.Region {
		return a.Region < b.Region
	}
	return a.Year < b.Year
}

func joinURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}
