package events

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tbapi "github.com/OvyFlash/telegram-bot-api"

	"github.com/umputun/tg-relay/app/relay"
	"github.com/umputun/tg-relay/app/storage"
)

// Broadcaster starts mass-send jobs
type Broadcaster interface {
	Broadcast(ctx context.Context, content string) (int64, error)
}

// AdminHandler parses staff commands posted in the group and turns them into
// engine operations. Commands inside a user topic default to that topic's
// owner, so "/ban" with no argument bans the user the staff member is
// looking at.
type AdminHandler struct {
	TbAPI       TbAPI
	Admin       *relay.AdminOps
	Broadcaster Broadcaster
	Users       *storage.Users
	Jobs        *storage.Broadcasts
	Locator     *Locator

	chatID int64 // set by the listener once the group is resolved
}

// Handle processes one staff command message
func (h *AdminHandler) Handle(ctx context.Context, msg *tbapi.Message) error {
	command, arg := splitCommand(msg.Text)
	threadID := int64(msg.MessageThreadID)
	admin := msg.From.UserName

	reply := func(text string) {
		out := tbapi.NewMessage(h.chatID, text)
		out.MessageThreadID = int(threadID)
		_ = send(out, h.TbAPI) // send logs its own failures
	}

	var err error
	switch command {
	case "/ban":
		err = h.ban(ctx, threadID, arg, admin)
	case "/unban":
		err = h.unban(ctx, arg, admin)
	case "/terminate":
		err = h.terminate(ctx, threadID, arg, admin)
	case "/keyword_add":
		err = h.Admin.AddKeyword(ctx, arg, admin)
	case "/keyword_del":
		err = h.Admin.RemoveKeyword(ctx, arg, admin)
	case "/captcha_reset":
		err = h.captchaReset(ctx, arg, admin)
	case "/broadcast":
		err = h.broadcast(ctx, arg, reply)
	case "/broadcast_status":
		err = h.broadcastStatus(ctx, reply)
	case "/delete":
		err = h.deleteReplied(ctx, threadID, msg)
	default:
		return nil // unknown commands are left alone, telegram has plenty
	}

	if err != nil {
		reply("error: " + escapeMarkDownV1Text(err.Error()))
		return err
	}
	if command != "/broadcast" && command != "/broadcast_status" {
		reply("done")
	}
	return nil
}

// ban resolves the target from the argument or the current topic's owner
func (h *AdminHandler) ban(ctx context.Context, threadID int64, arg, admin string) error {
	userID, reason, err := h.targetUser(ctx, threadID, arg)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "banned by " + admin
	}
	return h.Admin.Ban(ctx, userID, admin, reason)
}

func (h *AdminHandler) unban(ctx context.Context, arg, admin string) error {
	userID, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil {
		return fmt.Errorf("unban needs a numeric user id: %w", err)
	}
	return h.Admin.Unban(ctx, userID, admin)
}

func (h *AdminHandler) terminate(ctx context.Context, threadID int64, arg, admin string) error {
	if arg != "" {
		userID, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("terminate needs a numeric user id: %w", err)
		}
		return h.Admin.Terminate(ctx, userID, admin)
	}
	if threadID == 0 {
		return fmt.Errorf("terminate without argument works only inside a user topic")
	}
	return h.Admin.TerminateThread(ctx, threadID, admin)
}

func (h *AdminHandler) captchaReset(ctx context.Context, arg, admin string) error {
	userID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return fmt.Errorf("captcha_reset needs a numeric user id: %w", err)
	}
	return h.Admin.CaptchaReset(ctx, userID, admin)
}

func (h *AdminHandler) broadcast(ctx context.Context, content string, reply func(string)) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("broadcast needs a message text")
	}
	jobID, err := h.Broadcaster.Broadcast(ctx, content)
	if err != nil {
		return err
	}
	reply(fmt.Sprintf("broadcast %d started", jobID))
	return nil
}

func (h *AdminHandler) broadcastStatus(ctx context.Context, reply func(string)) error {
	jobs, err := h.Jobs.List(ctx, 5)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		reply("no broadcasts yet")
		return nil
	}

	var b strings.Builder
	for _, job := range jobs {
		fmt.Fprintf(&b, "job %d [%s]: sent %d, failed %d, cursor %d\n",
			job.ID, job.Status, job.Sent, job.Failed, job.Cursor)
	}
	unreachable, err := h.Users.Unreachable(ctx)
	if err != nil {
		return err
	}
	if len(unreachable) > 0 {
		ids := make([]string, 0, len(unreachable))
		for _, u := range unreachable {
			ids = append(ids, strconv.FormatInt(u.ID, 10))
		}
		fmt.Fprintf(&b, "permanently unreachable: %s\n", strings.Join(ids, ", "))
	}
	reply(b.String())
	return nil
}

// deleteReplied removes the user's copy of the staff message the command
// replies to, then the command itself stays for the audit trail.
func (h *AdminHandler) deleteReplied(ctx context.Context, threadID int64, msg *tbapi.Message) error {
	if msg.ReplyToMessage == nil {
		return fmt.Errorf("delete works as a reply to the message to remove")
	}
	userMsgID, ok := h.Locator.Get(threadID, msg.ReplyToMessage.MessageID)
	if !ok {
		return fmt.Errorf("no delivery record for that message, too old to delete")
	}
	return h.Admin.StaffDelete(ctx, threadID, userMsgID)
}

// targetUser resolves a command target: explicit "id [reason]" argument or
// the owner of the topic the command was posted in.
func (h *AdminHandler) targetUser(ctx context.Context, threadID int64, arg string) (int64, string, error) {
	if arg != "" {
		fields := strings.Fields(arg)
		userID, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, "", fmt.Errorf("first argument must be a numeric user id: %w", err)
		}
		return userID, strings.Join(fields[1:], " "), nil
	}
	if threadID == 0 {
		return 0, "", fmt.Errorf("command without argument works only inside a user topic")
	}
	userID, err := h.Admin.Owner(ctx, threadID)
	if err != nil {
		return 0, "", err
	}
	return userID, "", nil
}

func splitCommand(text string) (command, arg string) {
	text = strings.TrimSpace(text)
	if idx := strings.IndexAny(text, " \n"); idx > 0 {
		return text[:idx], strings.TrimSpace(text[idx:])
	}
	return text, ""
}
