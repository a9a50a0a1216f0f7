// utils/regions_test.go
package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRegionCode(t *testing.T) {
	assert.Equal(t, "GHA", NormalizeRegionCode(" gha "), "codes should be trimmed and upper-cased")
	assert.Equal(t, "NGA", NormalizeRegionCode("NGA"), "clean codes should pass through")
	assert.Equal(t, "", NormalizeRegionCode("   "), "whitespace should normalize to empty")
}

func TestValidRegionCode(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"GHA", true},
		{"NGA", true},
		{"gha", false},
		{"GH", false},
		{"GHAN", false},
		{"G1A", false},
		{"-99", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidRegionCode(tt.code), "validity of %q", tt.code)
	}
}
