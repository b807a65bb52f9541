package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/tg-relay/app/events/mocks"
	"github.com/umputun/tg-relay/app/relay"
)

func TestTelegram_Send(t *testing.T) {
	mockAPI := &mocks.TbAPIMock{
		SendFunc: func(c tbapi.Chattable) (tbapi.Message, error) {
			return tbapi.Message{MessageID: 321}, nil
		},
	}
	tg := &Telegram{API: mockAPI, GroupID: -100500}

	msgID, err := tg.Send(context.Background(), relay.Destination{ChatID: -100500, ThreadID: 77}, "hello", true)
	require.NoError(t, err)
	assert.Equal(t, int64(321), msgID)

	require.Equal(t, 1, len(mockAPI.SendCalls()))
	sent := mockAPI.SendCalls()[0].C.(tbapi.MessageConfig)
	assert.Equal(t, int64(-100500), sent.ChatID)
	assert.Equal(t, 77, sent.MessageThreadID)
	assert.Equal(t, "hello", sent.Text)
	assert.True(t, sent.DisableNotification)
}

func TestTelegram_SendFailed(t *testing.T) {
	mockAPI := &mocks.TbAPIMock{
		SendFunc: func(c tbapi.Chattable) (tbapi.Message, error) {
			return tbapi.Message{}, errors.New("Forbidden: bot was blocked by the user")
		},
	}
	tg := &Telegram{API: mockAPI}

	_, err := tg.Send(context.Background(), relay.Destination{ChatID: 123}, "hello", false)
	require.Error(t, err)
	assert.False(t, errors.Is(err, relay.ErrTransient), "blocked bot is a permanent failure")
}

func TestTelegram_Forward(t *testing.T) {
	mockAPI := &mocks.TbAPIMock{
		RequestFunc: func(c tbapi.Chattable) (*tbapi.APIResponse, error) {
			return &tbapi.APIResponse{Ok: true}, nil
		},
	}
	tg := &Telegram{API: mockAPI, GroupID: -100500}

	err := tg.Forward(context.Background(), relay.Destination{ChatID: -100500, ThreadID: 77}, 123, 42, false)
	require.NoError(t, err)

	require.Equal(t, 1, len(mockAPI.RequestCalls()))
	_, ok := mockAPI.RequestCalls()[0].C.(tbapi.CopyMessageConfig)
	assert.True(t, ok, "forward should copy the message to keep media intact")
}

func TestTelegram_CreateThread(t *testing.T) {
	mockAPI := &mocks.TbAPIMock{
		RequestFunc: func(c tbapi.Chattable) (*tbapi.APIResponse, error) {
			req, ok := c.(tbapi.CreateForumTopicConfig)
			require.True(t, ok)
			assert.Equal(t, "Alice (@alice)", req.Name)
			return &tbapi.APIResponse{Ok: true, Result: json.RawMessage(`{"message_thread_id": 771, "name": "Alice (@alice)"}`)}, nil
		},
	}
	tg := &Telegram{API: mockAPI, GroupID: -100500}

	threadID, err := tg.CreateThread(context.Background(), "Alice (@alice)")
	require.NoError(t, err)
	assert.Equal(t, int64(771), threadID)
}

func TestTelegram_CloseThread(t *testing.T) {
	mockAPI := &mocks.TbAPIMock{
		RequestFunc: func(c tbapi.Chattable) (*tbapi.APIResponse, error) {
			return &tbapi.APIResponse{Ok: true}, nil
		},
	}
	tg := &Telegram{API: mockAPI, GroupID: -100500}

	err := tg.CloseThread(context.Background(), 771)
	require.NoError(t, err)

	require.Equal(t, 1, len(mockAPI.RequestCalls()))
	req, ok := mockAPI.RequestCalls()[0].C.(tbapi.CloseForumTopicConfig)
	require.True(t, ok)
	assert.Equal(t, 771, req.MessageThreadID)
}

func TestTelegram_EditAndDelete(t *testing.T) {
	mockAPI := &mocks.TbAPIMock{
		SendFunc: func(c tbapi.Chattable) (tbapi.Message, error) {
			return tbapi.Message{}, nil
		},
		RequestFunc: func(c tbapi.Chattable) (*tbapi.APIResponse, error) {
			return &tbapi.APIResponse{Ok: true}, nil
		},
	}
	tg := &Telegram{API: mockAPI}

	err := tg.EditMessage(context.Background(), relay.Destination{ChatID: 123}, 42, "fixed")
	require.NoError(t, err)
	require.Equal(t, 1, len(mockAPI.SendCalls()))
	edit := mockAPI.SendCalls()[0].C.(tbapi.EditMessageTextConfig)
	assert.Equal(t, int64(123), edit.ChatID)
	assert.Equal(t, 42, edit.MessageID)
	assert.Equal(t, "fixed", edit.Text)

	err = tg.DeleteMessage(context.Background(), relay.Destination{ChatID: 123}, 42)
	require.NoError(t, err)
	require.Equal(t, 1, len(mockAPI.RequestCalls()))
	_, ok := mockAPI.RequestCalls()[0].C.(tbapi.DeleteMessageConfig)
	assert.True(t, ok)
}

func TestTelegram_classifyErr(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{name: "nil", err: nil, transient: false},
		{name: "flood limit", err: errors.New("Too Many Requests: retry after 5"), transient: true},
		{name: "timeout", err: errors.New("Post \"https://api.telegram.org\": context deadline exceeded (Client.Timeout exceeded)"), transient: true},
		{name: "server error", err: errors.New("Internal Server Error"), transient: true},
		{name: "bad gateway", err: errors.New("Bad Gateway"), transient: true},
		{name: "connection reset", err: errors.New("read tcp: connection reset by peer"), transient: true},
		{name: "blocked by user", err: errors.New("Forbidden: bot was blocked by the user"), transient: false},
		{name: "chat not found", err: errors.New("Bad Request: chat not found"), transient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := classifyErr(tt.err)
			if tt.err == nil {
				assert.NoError(t, res)
				return
			}
			assert.Equal(t, tt.transient, errors.Is(res, relay.ErrTransient))
		})
	}
}
