package pendingreq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localup/localup/pkg/wire"
)

func TestRegisterAndComplete(t *testing.T) {
	tab := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	wait := tab.Register(ctx, "req-1")
	assert.Equal(t, 1, tab.Len())

	ok := tab.Complete(&wire.HTTPResponse{ReqID: "req-1", Status: 200})
	require.True(t, ok)

	resp, err := wait()
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, 0, tab.Len())
}

func TestCompleteUnknownReqIDReturnsFalse(t *testing.T) {
	tab := New()
	assert.False(t, tab.Complete(&wire.HTTPResponse{ReqID: "missing"}))
}

func TestWaitTimesOutWithoutComplete(t *testing.T) {
	tab := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	wait := tab.Register(ctx, "req-2")
	_, err := wait()
	assert.Error(t, err)
	assert.Equal(t, 0, tab.Len())
}

func TestFailAllDeliversSyntheticResponses(t *testing.T) {
	tab := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	wait1 := tab.Register(ctx, "a")
	wait2 := tab.Register(ctx, "b")

	tab.FailAll(502, "connection lost")

	r1, err := wait1()
	require.NoError(t, err)
	assert.Equal(t, 502, r1.Status)

	r2, err := wait2()
	require.NoError(t, err)
	assert.Equal(t, 502, r2.Status)
}
