// catalog/verify.go
package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/popgrid/popgrid/models"
	"github.com/popgrid/popgrid/utils"
)

// VerifyReport summarises an availability check of manifest entries against
// the data server's directory listings.
type VerifyReport struct {
	Checked     int
	Directories int
	// Missing holds entries the manifest advertises but whose file does not
	// appear in the server's autoindex. Fetching one of these would 404.
	Missing []models.ManifestEntry
}

// Verify walks the data server's autoindex pages for the given product and
// reports advertised entries whose files are missing server-side. The
// provider's manifest is known to run ahead of its file tree; this is the
// diagnostic for that gap. An empty region list checks every region the
// product covers.
func (c *Catalog) Verify(ctx context.Context, product string, regionIDs ...string) (VerifyReport, error) {
	if err := c.Ensure(ctx); err != nil {
		return VerifyReport{}, err
	}

	regionFilter := make(map[string]bool, len(regionIDs))
	for _, raw := range regionIDs {
		regionFilter[utils.NormalizeRegionCode(raw)] = true
	}

	c.mu.RLock()
	var candidates []models.ManifestEntry
	for key, entry := range c.entries {
		if key.Product != product {
			continue
		}
		if len(regionFilter) > 0 && !regionFilter[key.Region] {
			continue
		}
		candidates = append(candidates, entry)
	}
	c.mu.RUnlock()

	if len(candidates) == 0 {
		return VerifyReport{}, fmt.Errorf("%w: %q", ErrUnknownProduct, product)
	}

	// One listing fetch per remote directory, shared by all files under it.
	byDir := make(map[string][]models.ManifestEntry)
	for _, entry := range candidates {
		dir, _ := splitSourceURL(entry.SourceURL)
		byDir[dir] = append(byDir[dir], entry)
	}

	report := VerifyReport{Checked: len(candidates), Directories: len(byDir)}
	for dir, entries := range byDir {
		listed, err := c.fetchListing(ctx, dir)
		if err != nil {
			return VerifyReport{}, fmt.Errorf("failed to list %s: %w", dir, err)
		}
		for _, entry := range entries {
			_, fname := splitSourceURL(entry.SourceURL)
			if !listed[fname] {
				report.Missing = append(report.Missing, entry)
			}
		}
	}

	sort.Slice(report.Missing, func(i, j int) bool {
		return lessKey(report.Missing[i].Key(), report.Missing[j].Key())
	})
	logger.WithFields(logrus.Fields{
		"product": product,
		"checked": report.Checked,
		"missing": len(report.Missing),
	}).Info("Verified manifest against server listings")
	return report, nil
}

// fetchListing downloads one autoindex page and collects the file names its
// anchors point at.
func (c *Catalog) fetchListing(ctx context.Context, dir string) (map[string]bool, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, dir+"/", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build listing request: %w", err)
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse listing HTML: %w", err)
	}

	listed := make(map[string]bool)
	doc.Find("a").Each(func(i int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		if q := strings.IndexAny(href, "?#"); q >= 0 {
			href = href[:q]
		}
		name := path.Base(href)
		if decoded, err := url.PathUnescape(name); err == nil {
			name = decoded
		}
		if name != "" && name != "/" && name != "." && name != ".." {
			listed[name] = true
		}
	})
	return listed, nil
}

// splitSourceURL separates a source URL into its directory and file name.
func splitSourceURL(sourceURL string) (dir, file string) {
	idx := strings.LastIndex(sourceURL, "/")
	if idx < 0 {
		return "", sourceURL
	}
	return sourceURL[:idx], sourceURL[idx+1:]
}
