package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Talos/internal/nats"
	sdkerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/message"
	"go.uber.org/zap/zaptest"
)

func TestNewClientIsDisconnected(t *testing.T) {
	c := NewClient(nats.DefaultConnectionConfig("nats://127.0.0.1:4222"), message.ServiceConfig{}, nil)

	assert.False(t, c.IsConnected())
	assert.Nil(t, c.Connection())
	assert.Nil(t, c.KeyValue())
	assert.Equal(t, ConnectionStats{}, c.Stats())
	assert.NoError(t, c.Close())

	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrNotConnected)
}

func TestNewClientWithJSContextWiresMessages(t *testing.T) {
	c := NewClientWithJSContext(nil, nil, zaptest.NewLogger(t))
	// A nil JetStream context is rejected by the message service
	assert.Nil(t, c.Messages)
}

func TestConnectFailureIsTransportError(t *testing.T) {
	cfg := nats.DefaultConnectionConfig("nats://127.0.0.1:1")
	cfg.MaxReconnects = 0
	c := NewClient(cfg, message.ServiceConfig{}, zaptest.NewLogger(t))

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, sdkerrors.IsType(err, sdkerrors.TransportUnavailable))
	assert.False(t, c.IsConnected())
}
