package delivery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSender struct{ sent int }

func (s *countingSender) Send(context.Context, Payload) error {
	s.sent++
	return nil
}

func TestNewRouterRequiresChatChannel(t *testing.T) {
	_, err := NewRouter(map[Channel]Sender{ChannelEmail: &countingSender{}})
	require.Error(t, err)

	_, err = NewRouter(map[Channel]Sender{ChannelChat: &countingSender{}})
	require.NoError(t, err)
}

func TestRouterDispatchesByTag(t *testing.T) {
	chat := &countingSender{}
	email := &countingSender{}
	router, err := NewRouter(map[Channel]Sender{ChannelChat: chat, ChannelEmail: email})
	require.NoError(t, err)

	require.NoError(t, router.Send(context.Background(), Payload{Channel: ChannelEmail}))
	assert.Equal(t, 1, email.sent)
	assert.Equal(t, 0, chat.sent)

	// Unknown tags fall back to chat rather than failing delivery.
	require.NoError(t, router.Send(context.Background(), Payload{Channel: "pager"}))
	assert.Equal(t, 1, chat.sent)
}
