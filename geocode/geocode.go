// geocode/geocode.go
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "geocode")

// ErrNoMatch is returned when the geocoder finds no candidate for a query.
// This is an expected outcome for obscure place names, not a service fault.
var ErrNoMatch = errors.New("geocoder returned no match")

// Match is the best candidate the geocoder returned for a place name.
type Match struct {
	Lat         float64
	Lon         float64
	DisplayName string
}

// Client is a thin client for a Nominatim-style geocoding endpoint. The
// endpoint returns a JSON array of candidates with lat/lon encoded as
// strings.
type Client struct {
	baseURL   string
	userAgent string
	http      *retryablehttp.Client
}

// New creates a geocoder client. The user agent is mandatory for public
// Nominatim instances and is sent on every request.
func New(baseURL, userAgent string, httpClient *retryablehttp.Client) *Client {
	return &Client{baseURL: baseURL, userAgent: userAgent, http: httpClient}
}

type candidate struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// Search resolves a free-form place name to its best-match coordinate.
func (c *Client) Search(ctx context.Context, query string) (Match, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return Match{}, fmt.Errorf("invalid geocoder URL: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("limit", "1")
	u.RawQuery = q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Match{}, fmt.Errorf("failed to build geocoder request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Match{}, fmt.Errorf("geocoder request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Match{}, fmt.Errorf("geocoder returned status %d", resp.StatusCode)
	}

	var candidates []candidate
	if err := json.NewDecoder(resp.Body).Decode(&candidates); err != nil {
		return Match{}, fmt.Errorf("failed to decode geocoder response: %w", err)
	}
	if len(candidates) == 0 {
		return Match{}, ErrNoMatch
	}

	best := candidates[0]
	lat, err := strconv.ParseFloat(best.Lat, 64)
	if err != nil {
		return Match{}, fmt.Errorf("geocoder returned bad latitude %q: %w", best.Lat, err)
	}
	lon, err := strconv.ParseFloat(best.Lon, 64)
	if err != nil {
		return Match{}, fmt.Errorf("geocoder returned bad longitude %q: %w", best.Lon, err)
	}

	logger.WithFields(logrus.Fields{
		"query": query,
		"match": best.DisplayName,
	}).Debug("Geocoded place name")
	return Match{Lat: lat, Lon: lon, DisplayName: best.DisplayName}, nil
}
