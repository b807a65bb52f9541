package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	tbapi "github.com/OvyFlash/telegram-bot-api"

	"github.com/umputun/tg-relay/app/relay"
)

// Telegram implements the relay.Transport capability over the bot API.
// Retryable failures (timeouts, flood limits, server errors) are wrapped with
// relay.ErrTransient so the dispatcher and broadcaster can tell them from
// permanent rejections like a user who blocked the bot.
type Telegram struct {
	API     TbAPI
	GroupID int64 // staff group all topics live in, set once the group is resolved
}

// Send delivers a text message to the destination and returns its message id
func (t *Telegram) Send(_ context.Context, dest relay.Destination, text string, silent bool) (int64, error) {
	msg := tbapi.NewMessage(dest.ChatID, text)
	msg.MessageThreadID = int(dest.ThreadID)
	msg.DisableNotification = silent
	res, err := t.API.Send(msg)
	if err != nil {
		return 0, classifyErr(fmt.Errorf("failed to send to chat %d: %w", dest.ChatID, err))
	}
	return int64(res.MessageID), nil
}

// Forward copies a message into the destination thread, keeping media intact
func (t *Telegram) Forward(_ context.Context, dest relay.Destination, fromChatID, msgID int64, silent bool) error {
	msg := tbapi.NewCopyMessage(dest.ChatID, fromChatID, int(msgID))
	msg.MessageThreadID = int(dest.ThreadID)
	msg.DisableNotification = silent
	if _, err := t.API.Request(msg); err != nil {
		return classifyErr(fmt.Errorf("failed to copy message %d from chat %d: %w", msgID, fromChatID, err))
	}
	return nil
}

// CreateThread makes a new forum topic in the group and returns its id
func (t *Telegram) CreateThread(_ context.Context, title string) (int64, error) {
	resp, err := t.API.Request(tbapi.CreateForumTopicConfig{
		ChatConfig: tbapi.ChatConfig{ChatID: t.GroupID},
		Name:       title,
	})
	if err != nil {
		return 0, classifyErr(fmt.Errorf("failed to create topic %q: %w", title, err))
	}
	var topic tbapi.ForumTopic
	if err := json.Unmarshal(resp.Result, &topic); err != nil {
		return 0, fmt.Errorf("failed to decode created topic: %w", err)
	}
	return int64(topic.MessageThreadID), nil
}

// CloseThread closes a forum topic
func (t *Telegram) CloseThread(_ context.Context, threadID int64) error {
	_, err := t.API.Request(tbapi.CloseForumTopicConfig{
		BaseForum: tbapi.BaseForum{
			ChatConfig:      tbapi.ChatConfig{ChatID: t.GroupID},
			MessageThreadID: int(threadID),
		},
	})
	if err != nil {
		return classifyErr(fmt.Errorf("failed to close topic %d: %w", threadID, err))
	}
	return nil
}

// EditMessage replaces the text of a previously sent message
func (t *Telegram) EditMessage(_ context.Context, dest relay.Destination, msgID int64, text string) error {
	msg := tbapi.NewEditMessageText(dest.ChatID, int(msgID), text)
	if _, err := t.API.Send(msg); err != nil {
		return classifyErr(fmt.Errorf("failed to edit message %d in chat %d: %w", msgID, dest.ChatID, err))
	}
	return nil
}

// DeleteMessage removes a previously sent message
func (t *Telegram) DeleteMessage(_ context.Context, dest relay.Destination, msgID int64) error {
	_, err := t.API.Request(tbapi.DeleteMessageConfig{BaseChatMessage: tbapi.BaseChatMessage{
		ChatConfig: tbapi.ChatConfig{ChatID: dest.ChatID},
		MessageID:  int(msgID),
	}})
	if err != nil {
		return classifyErr(fmt.Errorf("failed to delete message %d in chat %d: %w", msgID, dest.ChatID, err))
	}
	return nil
}

// classifyErr wraps retryable telegram failures with relay.ErrTransient
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	retryable := []string{"too many requests", "timeout", "internal server error",
		"bad gateway", "gateway timeout", "connection reset", "temporarily unavailable"}
	for _, marker := range retryable {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%v: %w", err, relay.ErrTransient)
		}
	}
	return err
}
