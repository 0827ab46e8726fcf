package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateSequentialWithWrap(t *testing.T) {
	p := NewPortPool(10000, 10002)

	a, err := p.Allocate()
	require.NoError(t, err)
	b, err := p.Allocate()
	require.NoError(t, err)
	c, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, []uint16{10000, 10001, 10002}, []uint16{a, b, c})

	_, err = p.Allocate()
	assert.Error(t, err)

	p.Release(b)
	d, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint16(10001), d)
}

func TestReserveSpecificPort(t *testing.T) {
	p := NewPortPool(10000, 10010)
	require.NoError(t, p.Reserve(10005))
	assert.Error(t, p.Reserve(10005))
}
