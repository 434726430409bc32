package tun

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateInterfaceName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"crynet0", true},
		{"wg-test_1.2", true},
		{"", false},
		{"tun0; rm -rf /", false},
		{"$(reboot)", false},
		{"averyveryverylongname", false},
	}
	for _, tt := range tests {
		err := validateInterfaceName(tt.name)
		if tt.valid {
			assert.NoError(t, err, tt.name)
		} else {
			assert.Error(t, err, tt.name)
		}
	}
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, validateAddress("10.9.0.1/24"))
	assert.NoError(t, validateAddress("fd00::1/64"))
	assert.Error(t, validateAddress("10.9.0.1"), "prefix length required")
	assert.Error(t, validateAddress("10.9.0.1/24; reboot"))
	assert.Error(t, validateAddress("not-an-address/8"))
}

func TestSetupRejectsBadInput(t *testing.T) {
	_, err := Setup("bad name", "10.9.0.1/24", nil)
	assert.Error(t, err)
	_, err = Setup("crynet0", "10.9.0.1", nil)
	assert.Error(t, err)
}
