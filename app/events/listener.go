package events

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	tbapi "github.com/OvyFlash/telegram-bot-api"

	"github.com/umputun/tg-relay/app/relay"
)

// Submitter is the dispatcher side the listener feeds inbound messages to
type Submitter interface {
	Submit(msg relay.Message)
}

// TelegramListener receives telegram updates and routes them: private
// messages go to the dispatcher, staff group activity goes to the admin
// handler or back to the thread owner.
// Not thread safe.
type TelegramListener struct {
	TbAPI        TbAPI
	Transport    *Telegram
	Dispatcher   Submitter
	Admin        *relay.AdminOps
	AdminHandler *AdminHandler
	Group        string // can be int64 or public group username (without "@" prefix)
	SuperUsers   SuperUser
	StartupMsg   string
	SpamThreadID int64
	Locator      *Locator

	chatID int64
}

// Do process all events, blocked call
func (l *TelegramListener) Do(ctx context.Context) error {
	log.Printf("[INFO] start telegram listener for %q", l.Group)

	var getChatErr error
	if l.chatID, getChatErr = l.getChatID(l.Group); getChatErr != nil {
		return fmt.Errorf("failed to get chat ID for group %q: %w", l.Group, getChatErr)
	}
	l.Transport.GroupID = l.chatID
	l.AdminHandler.chatID = l.chatID

	if l.StartupMsg != "" {
		msg := tbapi.NewMessage(l.chatID, l.StartupMsg)
		if err := send(msg, l.TbAPI); err != nil {
			log.Printf("[WARN] failed to send startup message, %v", err)
		}
	}

	u := tbapi.NewUpdate(0)
	u.Timeout = 60

	updates := l.TbAPI.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram update chan closed")
			}
			if err := l.processUpdate(ctx, update); err != nil {
				log.Printf("[WARN] failed to process update: %v", err)
			}
		}
	}
}

func (l *TelegramListener) processUpdate(ctx context.Context, update tbapi.Update) error {
	switch {
	case update.Message != nil && update.Message.Chat.Type == "private":
		return l.processPrivate(update.Message)
	case update.Message != nil && update.Message.Chat.ID == l.chatID:
		return l.processGroup(ctx, update.Message)
	case update.EditedMessage != nil && update.EditedMessage.Chat.ID == l.chatID:
		return l.processGroupEdit(ctx, update.EditedMessage)
	}
	return nil
}

// processPrivate hands an end-user message to the dispatcher, non-blocking
func (l *TelegramListener) processPrivate(msg *tbapi.Message) error {
	if msg.From == nil || msg.From.IsBot {
		return nil
	}
	m := transform(msg)
	log.Printf("[DEBUG] inbound message %d from user %d (%s)", m.ID, m.UserID, m.UserName)
	l.Dispatcher.Submit(m)
	return nil
}

// processGroup handles staff activity: admin commands anywhere in the group,
// plain messages inside a user topic are relayed back to the topic's owner.
func (l *TelegramListener) processGroup(ctx context.Context, msg *tbapi.Message) error {
	if msg.From == nil || msg.From.IsBot {
		return nil
	}
	if !l.SuperUsers.IsSuper(msg.From.UserName) {
		return nil // non-staff messages in the group are none of our business
	}

	if strings.HasPrefix(msg.Text, "/") {
		return l.AdminHandler.Handle(ctx, msg)
	}

	threadID := int64(msg.MessageThreadID)
	if threadID == 0 || threadID == l.SpamThreadID {
		return nil // general chatter or spam intake, nothing to relay
	}

	userMsgID, err := l.Admin.StaffReply(ctx, threadID, msg.Text)
	if err != nil {
		return fmt.Errorf("failed to relay staff message from thread %d: %w", threadID, err)
	}
	l.Locator.Add(threadID, msg.MessageID, userMsgID)
	return nil
}

// processGroupEdit propagates a staff edit to the user's copy of the message
func (l *TelegramListener) processGroupEdit(ctx context.Context, msg *tbapi.Message) error {
	if msg.From == nil || msg.From.IsBot || !l.SuperUsers.IsSuper(msg.From.UserName) {
		return nil
	}
	threadID := int64(msg.MessageThreadID)
	if threadID == 0 || threadID == l.SpamThreadID {
		return nil
	}
	userMsgID, ok := l.Locator.Get(threadID, msg.MessageID)
	if !ok {
		log.Printf("[DEBUG] no delivery record for edited message %d in thread %d", msg.MessageID, threadID)
		return nil
	}
	return l.Admin.StaffEdit(ctx, threadID, userMsgID, msg.Text)
}

func (l *TelegramListener) getChatID(group string) (int64, error) {
	chatID, err := strconv.ParseInt(group, 10, 64)
	if err == nil {
		return chatID, nil
	}

	chat, err := l.TbAPI.GetChat(tbapi.ChatInfoConfig{
		ChatConfig: tbapi.ChatConfig{SuperGroupUsername: "@" + group}})
	if err != nil {
		return 0, fmt.Errorf("can't get chat for %s: %w", group, err)
	}
	return chat.ID, nil
}

// transform converts a telegram message to the engine's view of it
func transform(msg *tbapi.Message) relay.Message {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	displayName := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	return relay.Message{
		ID:          int64(msg.MessageID),
		UserID:      msg.From.ID,
		UserName:    msg.From.UserName,
		DisplayName: displayName,
		Lang:        msg.From.LanguageCode,
		Text:        text,
		Sent:        msg.Time(),
	}
}
