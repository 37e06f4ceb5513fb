package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"e2e_messenger/internal/model"
	"e2e_messenger/internal/service/call"
	"e2e_messenger/internal/service/connection"
	"e2e_messenger/internal/utils/log"
)

type (
	// App is the terminal front end. It only talks to the session.
	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		status  *tview.TextView
		input   *tview.InputField

		session *Session

		mu   sync.RWMutex
		peer string
	}
)

func NewApp(session *Session) *App {
	c := &App{
		app:     tview.NewApplication(),
		session: session,
	}

	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(" No conversation, /to <id> ")

	c.status = tview.NewTextView().SetDynamicColors(true)

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message ")
	return c
}

func (c *App) Peer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peer
}

func (c *App) setPeer(id string) {
	c.mu.Lock()
	c.peer = id
	c.mu.Unlock()
	if c.chatbox != nil {
		c.app.QueueUpdateDraw(func() {
			c.chatbox.SetTitle(fmt.Sprintf(" Chat with %s ", id))
		})
	}
}

// Run logs in as profile and blocks in the UI loop until the user quits.
func (c *App) Run(ctx context.Context, profile string) error {
	id, err := c.session.Login(ctx, profile)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	log.Info("logged in", zap.String("whisper_id", id.WhisperID))

	c.session.SetUI(c)
	c.session.Inbound.OnMessage(c.onMessage)
	c.session.Outbox.OnUpdate(c.onOutboxUpdate)
	c.session.Conn.OnStateChange(c.onConnectionState)
	c.session.Calls.OnStateChange(c.onCallState)
	c.session.OnLogout(func(forced bool) {
		if forced {
			c.print("[red]session rejected by the server, logged out[-]")
		}
	})

	return c.renderUI(ctx, id.WhisperID)
}

func (c *App) Stop() {
	c.session.Close()
	c.app.Stop()
}

// blocking function
func (c *App) renderUI(ctx context.Context, self string) error {
	fmt.Fprintf(c.chatbox, "[yellow]You are %s.[-] Type /help for commands.\n", self)
	c.status.SetText(c.session.Conn.State().String())

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" {
			return
		}
		c.input.SetText("")
		if text == "/quit" {
			c.Stop()
			return
		}

		go func(line string) {
			out, err := c.execute(ctx, line)
			if err != nil {
				c.print("[red]" + tview.Escape(err.Error()) + "[-]")
				return
			}
			if out != "" {
				c.print(tview.Escape(out))
			}
		}(text)
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.status, 1, 0, false).
		AddItem(c.input, 3, 0, true)

	return c.app.SetRoot(layout, true).SetFocus(c.input).Run()
}

func (c *App) print(line string) {
	if c.chatbox == nil {
		return
	}
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintln(c.chatbox, line)
		c.chatbox.ScrollToEnd()
	})
}

func (c *App) onMessage(rec model.MessageRecord) {
	if rec.ConversationID == c.Peer() {
		c.print(fmt.Sprintf("[green]%s:[-] %s", rec.From, tview.Escape(rec.Content)))
		return
	}
	c.print(fmt.Sprintf("[blue]new message from %s[-]", rec.ConversationID))
}

func (c *App) onOutboxUpdate(item model.OutboxItem) {
	switch item.Status {
	case model.OutboxSending:
		if item.Attempts != 1 || item.Recipient != c.Peer() {
			return
		}
		rec, err := c.session.deps.Messages.Get(context.Background(), item.MessageID)
		if err != nil || rec == nil {
			return
		}
		c.print(fmt.Sprintf("[yellow]You:[-] %s", tview.Escape(rec.Content)))
	case model.OutboxFailed:
		c.print(fmt.Sprintf("[red]message %s failed: %s[-]", item.MessageID, item.FailedCode))
	}
}

func (c *App) onConnectionState(st connection.State) {
	if c.status == nil {
		return
	}
	c.app.QueueUpdateDraw(func() {
		c.status.SetText(st.String())
	})
}

func (c *App) onCallState(cl call.Call) {
	if cl.Phase == call.Idle {
		return
	}
	c.print(fmt.Sprintf("[purple]call %s with %s: %s[-]", cl.ID, cl.Peer, cl.Phase))
}

func (c *App) ShowIncoming(cl call.Call) {
	kind := "voice"
	if cl.IsVideo {
		kind = "video"
	}
	c.print(fmt.Sprintf("[yellow]incoming %s call from %s, /accept or /decline[-]", kind, cl.Peer))
}

func (c *App) Dismiss(callID string) {
	c.print(fmt.Sprintf("[purple]call %s closed[-]", callID))
}
