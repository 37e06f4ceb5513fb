package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"e2e_messenger/internal/model"
	"e2e_messenger/internal/service/backup"
)

var (
	ErrNoPeer         = errors.New("no conversation selected, use /to <whisperId>")
	ErrUnknownCommand = errors.New("unknown command, try /help")
)

const helpText = `/to <id>         open a conversation
/add <id> [name] fetch keys and save a contact
/contacts        list contacts
/failed          list messages that gave up
/retry <msgId>   re-queue a failed message
/backup          upload the encrypted contact list
/restore         replace contacts with the backup
/call [video]    call the open conversation
/accept /decline answer an incoming call
/hangup          end the current call
/whoami          show your id
/logout          forget this account on this device`

type command struct {
	name string
	args []string
}

// parseCommand splits "/name a b"; ok is false for plain text.
func parseCommand(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{}, false
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return command{}, false
	}
	return command{name: strings.ToLower(fields[0]), args: fields[1:]}, true
}

// execute runs one line of input and returns text to show, if any.
func (c *App) execute(ctx context.Context, line string) (string, error) {
	cmd, ok := parseCommand(line)
	if !ok {
		peer := c.Peer()
		if peer == "" {
			return "", ErrNoPeer
		}
		if strings.TrimSpace(line) == "" {
			return "", nil
		}
		_, err := c.session.SendText(ctx, peer, line)
		return "", err
	}

	s := c.session
	switch cmd.name {
	case "help":
		return helpText, nil

	case "whoami":
		return s.Credentials().Identity().WhisperID, nil

	case "to":
		if len(cmd.args) != 1 {
			return "", errors.New("usage: /to <whisperId>")
		}
		c.setPeer(cmd.args[0])
		return c.history(ctx, cmd.args[0])

	case "add":
		if len(cmd.args) < 1 {
			return "", errors.New("usage: /add <whisperId> [name]")
		}
		contact, err := s.AddContact(ctx, cmd.args[0], strings.Join(cmd.args[1:], " "))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("added %s", contact.WhisperID), nil

	case "contacts":
		contacts, err := s.deps.Contacts.List(ctx)
		if err != nil {
			return "", err
		}
		if len(contacts) == 0 {
			return "no contacts", nil
		}
		lines := make([]string, 0, len(contacts))
		for _, contact := range contacts {
			name := contact.WhisperID
			if contact.DisplayName != "" {
				name += " (" + contact.DisplayName + ")"
			}
			lines = append(lines, name)
		}
		return strings.Join(lines, "\n"), nil

	case "failed":
		items := s.Outbox.FailedItems()
		if len(items) == 0 {
			return "nothing failed", nil
		}
		lines := make([]string, 0, len(items))
		for _, it := range items {
			lines = append(lines, fmt.Sprintf("%s to %s: %s %s", it.MessageID, it.Recipient, it.FailedCode, it.FailedMessage))
		}
		return strings.Join(lines, "\n"), nil

	case "retry":
		if len(cmd.args) != 1 {
			return "", errors.New("usage: /retry <messageId>")
		}
		if err := s.Outbox.Retry(cmd.args[0]); err != nil {
			return "", err
		}
		return "re-queued " + cmd.args[0], nil

	case "backup":
		if s.Backup == nil {
			return "", errors.New("backup is not configured")
		}
		switch r := s.Backup.Backup(ctx).(type) {
		case backup.BackupUploaded:
			return fmt.Sprintf("backed up %d contacts at %s", r.Contacts, r.UpdatedAt.Format(time.RFC3339)), nil
		case backup.BackupFailed:
			return "", r.Err
		}

	case "restore":
		if s.Backup == nil {
			return "", errors.New("backup is not configured")
		}
		switch r := s.Backup.Restore(ctx).(type) {
		case backup.Restored:
			return fmt.Sprintf("restored %d contacts", r.Contacts), nil
		case backup.NoBackup:
			return "no backup on the server", nil
		case backup.RestoreFailed:
			return "", r.Err
		}

	case "call":
		peer := c.Peer()
		if peer == "" {
			return "", ErrNoPeer
		}
		video := len(cmd.args) > 0 && cmd.args[0] == "video"
		if s.Calls.TurnCredentials() == nil {
			_ = s.Calls.RequestTurnCredentials()
		}
		id, err := s.Calls.StartCall(ctx, peer, video, "")
		if err != nil {
			return "", err
		}
		return "calling " + peer + " (" + id + ")", nil

	case "accept":
		return "", s.Calls.Accept(ctx, "")

	case "decline":
		s.Calls.Decline()
		return "", nil

	case "hangup":
		s.Calls.EndCall(model.CallEndEnded)
		return "", nil

	case "logout":
		if err := s.Logout(ctx); err != nil {
			return "", err
		}
		return "logged out", nil
	}

	return "", ErrUnknownCommand
}

func (c *App) history(ctx context.Context, peer string) (string, error) {
	s := c.session
	records, err := s.deps.Messages.ListByConversation(ctx, peer)
	if err != nil {
		return "", err
	}
	if err := s.deps.Conversations.MarkRead(ctx, peer); err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "conversation with %s", peer)
	for _, rec := range records {
		b.WriteString("\n")
		b.WriteString(formatRecord(rec))
	}
	return b.String(), nil
}

func formatRecord(rec model.MessageRecord) string {
	who := rec.From
	if rec.Direction == model.DirectionOutgoing {
		who = "You"
	}
	body := rec.Content
	if rec.MsgType != model.MsgTypeText {
		body = model.Preview(rec.MsgType, rec.Content)
		if rec.Content != "" {
			body += " " + rec.Content
		}
	}
	return fmt.Sprintf("%s: %s [%s]", who, body, rec.Status)
}
