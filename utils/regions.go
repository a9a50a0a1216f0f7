// utils/regions.go
package utils

import "strings"

// NormalizeRegionCode upper-cases and trims an ISO 3166-1 alpha-3 region
// code (e.g., " gha " -> "GHA"). It does not validate the code against the
// border table; unknown codes are caught at resolution time.
func NormalizeRegionCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidRegionCode reports whether a normalized code has the alpha-3 shape.
func ValidRegionCode(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
