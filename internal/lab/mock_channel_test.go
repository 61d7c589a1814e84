package lab

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockChannelInjectCallsHandler(t *testing.T) {
	var received InboundMessage
	channel := NewMockChannel()
	channel.SetHandler(func(ctx context.Context, msg InboundMessage) error {
		received = msg
		return nil
	})

	err := channel.Inject(context.Background(), "chan-1", "alice", "hello there", true, false)
	require.NoError(t, err)
	assert.Equal(t, "hello there", received.Text)
	assert.Equal(t, "alice", received.AuthorName)
	assert.True(t, received.IsPrimaryUser)
}

func TestMockChannelInjectWithoutHandlerErrors(t *testing.T) {
	channel := NewMockChannel()
	err := channel.Inject(context.Background(), "chan-1", "alice", "hello", false, false)
	assert.Error(t, err)
}

func TestMockChannelSendAndWaitForResponse(t *testing.T) {
	channel := NewMockChannel()
	channel.SetHandler(func(ctx context.Context, msg InboundMessage) error {
		go channel.Send(context.Background(), msg.ChannelKey, "a reply")
		return nil
	})

	require.NoError(t, channel.Inject(context.Background(), "chan-1", "alice", "hi", false, false))

	resp := channel.WaitForResponse(context.Background(), time.Second)
	require.NotNil(t, resp)
	assert.Equal(t, "a reply", resp.Text)
}

func TestMockChannelWaitForResponseTimesOut(t *testing.T) {
	channel := NewMockChannel()
	resp := channel.WaitForResponse(context.Background(), 20*time.Millisecond)
	assert.Nil(t, resp)
}

func TestMockChannelClearResponses(t *testing.T) {
	channel := NewMockChannel()
	require.NoError(t, channel.Send(context.Background(), "chan-1", "one"))
	require.NoError(t, channel.Send(context.Background(), "chan-1", "two"))
	assert.Equal(t, 2, channel.ResponseCount())

	channel.ClearResponses()
	assert.Equal(t, 0, channel.ResponseCount())
	assert.Nil(t, channel.LastResponse())
}
