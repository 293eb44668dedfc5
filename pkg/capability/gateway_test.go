package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalGateway_Invoke(t *testing.T) {
	gw := NewLocalGateway()
	gw.Register("lookup", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"found": true, "id": params["id"]}, nil
	})

	res, err := gw.Invoke(context.Background(), "lookup", map[string]any{"id": "claim-7"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "claim-7", res.Output["id"])
}

func TestLocalGateway_HandlerErrorIsResult(t *testing.T) {
	gw := NewLocalGateway()
	gw.Register("flaky", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, errors.New("backend unavailable")
	})

	res, err := gw.Invoke(context.Background(), "flaky", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "backend unavailable", res.Error)
}

func TestLocalGateway_UnknownCapability(t *testing.T) {
	gw := NewLocalGateway()
	_, err := gw.Invoke(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownCapability)
}
