package events

import (
	"errors"
	"testing"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/stretchr/testify/assert"

	"github.com/umputun/tg-relay/app/events/mocks"
	"github.com/umputun/tg-relay/app/relay"
)

func TestEvents_escapeMarkDownV1Text(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "all markdown symbols", input: "_*`[", expected: "\\_\\*\\`\\["},
		{name: "no markdown symbols", input: "Hello World", expected: "Hello World"},
		{name: "mixed content", input: "Hello_World*`[", expected: "Hello\\_World\\*\\`\\["},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, escapeMarkDownV1Text(tt.input))
		})
	}
}

func TestEvents_send(t *testing.T) {
	mockAPI := &mocks.TbAPIMock{
		SendFunc: func(c tbapi.Chattable) (tbapi.Message, error) {
			if mc, ok := c.(tbapi.MessageConfig); ok {
				if mc.Text == "badmd" && mc.ParseMode == tbapi.ModeMarkdown {
					return tbapi.Message{}, errors.New("bad markdown")
				}
			}
			return tbapi.Message{}, nil
		},
	}

	t.Run("markdown passed", func(t *testing.T) {
		mockAPI.ResetCalls()
		err := send(tbapi.NewMessage(123, "test"), mockAPI)
		assert.NoError(t, err)
		assert.Equal(t, 1, len(mockAPI.SendCalls()))
		assert.Equal(t, int64(123), mockAPI.SendCalls()[0].C.(tbapi.MessageConfig).ChatID)
		assert.Equal(t, "test", mockAPI.SendCalls()[0].C.(tbapi.MessageConfig).Text)
		assert.Equal(t, tbapi.ModeMarkdown, mockAPI.SendCalls()[0].C.(tbapi.MessageConfig).ParseMode)
	})

	t.Run("markdown failed, fallback to plain", func(t *testing.T) {
		mockAPI.ResetCalls()
		err := send(tbapi.NewMessage(123, "badmd"), mockAPI)
		assert.NoError(t, err)
		assert.Equal(t, 2, len(mockAPI.SendCalls()))
		assert.Equal(t, tbapi.ModeMarkdown, mockAPI.SendCalls()[0].C.(tbapi.MessageConfig).ParseMode)
		assert.Equal(t, "", mockAPI.SendCalls()[1].C.(tbapi.MessageConfig).ParseMode)
	})

	t.Run("both failed", func(t *testing.T) {
		failAPI := &mocks.TbAPIMock{
			SendFunc: func(c tbapi.Chattable) (tbapi.Message, error) {
				return tbapi.Message{}, errors.New("oh no")
			},
		}
		err := send(tbapi.NewMessage(123, "test"), failAPI)
		assert.Error(t, err)
		assert.Equal(t, 2, len(failAPI.SendCalls()))
	})
}

func TestTelegramListener_transform(t *testing.T) {
	t.Run("text message", func(t *testing.T) {
		msg := &tbapi.Message{
			MessageID: 30,
			From: &tbapi.User{
				ID:           100000001,
				UserName:     "username",
				FirstName:    "First",
				LastName:     "Last",
				LanguageCode: "de",
			},
			Date: 1578627415,
			Text: "Message",
		}
		assert.Equal(t, relay.Message{
			ID:          30,
			UserID:      100000001,
			UserName:    "username",
			DisplayName: "First Last",
			Lang:        "de",
			Text:        "Message",
			Sent:        time.Unix(1578627415, 0),
		}, transform(msg))
	})

	t.Run("caption used when text empty", func(t *testing.T) {
		msg := &tbapi.Message{
			MessageID: 31,
			From:      &tbapi.User{ID: 100000001, UserName: "username", FirstName: "First"},
			Date:      1578627415,
			Caption:   "photo caption",
		}
		res := transform(msg)
		assert.Equal(t, "photo caption", res.Text)
		assert.Equal(t, "First", res.DisplayName)
	})
}
