package apikey

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localup/localup/pkg/auth"
)

func TestRegisterAndValidate(t *testing.T) {
	tbl := NewTable()
	tbl.Register("sk_live_abc123", auth.Result{TunnelID: "tunnel-1"})

	res, err := tbl.Validate(context.Background(), "sk_live_abc123")
	require.NoError(t, err)
	assert.Equal(t, "tunnel-1", res.TunnelID)
}

func TestUnknownKeyRejected(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Validate(context.Background(), "unknown")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestRevoke(t *testing.T) {
	tbl := NewTable()
	tbl.Register("k1", auth.Result{TunnelID: "t1"})
	tbl.Revoke("k1")

	_, err := tbl.Validate(context.Background(), "k1")
	assert.Error(t, err)
}
