package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidAddress(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"0x31ca8395cf837de08b24da3f660e77761dfb974b", true},
		{"0x31CA8395CF837DE08B24DA3F660E77761DFB974B", true},
		{"31ca8395cf837de08b24da3f660e77761dfb974b", false},  // missing prefix
		{"0x31ca8395cf837de08b24da3f660e77761dfb974", false}, // 39 hex chars
		{"0x31ca8395cf837de08b24da3f660e77761dfb974bb", false},
		{"0x31ca8395cf837de08b24da3f660e77761dfb974g", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidAddress(tt.in), "input %q", tt.in)
	}
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t,
		"0x31ca8395cf837de08b24da3f660e77761dfb974b",
		NormalizeAddress("  0x31CA8395CF837DE08B24DA3F660E77761DFB974B "))
	assert.Equal(t, "", NormalizeAddress("   "))
}
