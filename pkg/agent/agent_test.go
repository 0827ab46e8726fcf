package agent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localup/localup/pkg/access"
	"github.com/localup/localup/pkg/client"
)

func TestNewAgentRejectsDisallowedTarget(t *testing.T) {
	allow, err := access.NewList([]string{"10.0.0.0/8"}, nil)
	require.NoError(t, err)

	a := New(Config{Allow: allow})

	// Exercise the Dial func installed on the underlying session
	// directly, the way handleDataStream would call it.
	dial := a.session.Cfg().Dial
	_, err = dial(context.Background(), "192.168.1.1:80")
	assert.Error(t, err)
}

func TestNewAgentAllowsMatchingTarget(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	allow, err := access.NewList([]string{"127.0.0.1/32"}, nil)
	require.NoError(t, err)

	a := New(Config{Allow: allow})
	dial := a.session.Cfg().Dial

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	conn.Close()
}

func TestNewAgentDefaultsToAllowAll(t *testing.T) {
	a := New(Config{})
	assert.Equal(t, client.StateIdle, a.State())
}
