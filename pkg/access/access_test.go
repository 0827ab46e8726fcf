package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortRangeParsing(t *testing.T) {
	pr, err := ParsePortRange("22")
	require.NoError(t, err)
	assert.Equal(t, PortRange{22, 22}, pr)

	pr, err = ParsePortRange("80-443")
	require.NoError(t, err)
	assert.Equal(t, PortRange{80, 443}, pr)

	_, err = ParsePortRange("500-100")
	assert.Error(t, err)
}

func TestValidateScenarioC(t *testing.T) {
	l, err := NewList([]string{"192.168.0.0/16"}, []string{"22", "80-443", "5432"})
	require.NoError(t, err)

	assert.NoError(t, l.Validate("192.168.1.10:22"))
	assert.ErrorIs(t, l.Validate("192.168.1.10:8080"), ErrPortNotAllowed)
	assert.ErrorIs(t, l.Validate("10.0.0.1:22"), ErrCIDRNotAllowed)
}

func TestEmptyAxesAllowAll(t *testing.T) {
	l := AllowAll()
	assert.True(t, l.IsEmpty())
	assert.NoError(t, l.Validate("8.8.8.8:9999"))

	portOnly, err := NewList(nil, []string{"22"})
	require.NoError(t, err)
	assert.NoError(t, portOnly.Validate("8.8.8.8:22"))

	cidrOnly, err := NewList([]string{"127.0.0.1/32"}, nil)
	require.NoError(t, err)
	assert.NoError(t, cidrOnly.Validate("127.0.0.1:9999"))
}

func TestInvalidAddress(t *testing.T) {
	l := AllowAll()
	assert.ErrorIs(t, l.Validate("not-an-address"), ErrInvalidAddress)
}

func TestBareIPTreatedAsSingleHost(t *testing.T) {
	l, err := NewList([]string{"10.0.0.5"}, nil)
	require.NoError(t, err)
	assert.NoError(t, l.Validate("10.0.0.5:80"))
	assert.ErrorIs(t, l.Validate("10.0.0.6:80"), ErrCIDRNotAllowed)
}
