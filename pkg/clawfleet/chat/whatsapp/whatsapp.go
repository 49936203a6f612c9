// Package whatsapp implements the WhatsApp bridge using whatsmeow. Unlike
// Discord, one linked device serves the whole fleet; chat JIDs route to
// agents through the shared routing table. Replies stay within a ~4000
// character limit even though the platform tolerates more, keeping messages
// readable on phones.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waEvents "go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/chat"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/events"
)

// MessageLimit caps outbound chunk size.
const MessageLimit = 4000

var _ chat.Bridge = (*Connector)(nil)

// Connector is the shared WhatsApp client.
type Connector struct {
	router *chat.Router
	bus    *events.Bus
	logger *slog.Logger

	// sessionDir holds the whatsmeow sqlite session database.
	sessionDir string

	client    *whatsmeow.Client
	connected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the WhatsApp connector. sessionDir is where the device session
// database lives; typically <state_dir>/whatsapp.
func New(router *chat.Router, bus *events.Bus, sessionDir string, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		router:     router,
		bus:        bus,
		sessionDir: sessionDir,
		logger:     logger.With("component", "whatsapp"),
	}
}

// Name returns "whatsapp".
func (c *Connector) Name() string { return "whatsapp" }

// CharacterLimit returns the outbound chunk cap.
func (c *Connector) CharacterLimit() int { return MessageLimit }

// Start opens the device session and connects. The device must already be
// linked (pair with `clawfleet whatsapp link`); an unlinked store is an
// error rather than an interactive QR flow, since the daemon runs headless.
func (c *Connector) Start(ctx context.Context, cfg *config.ResolvedConfig) error {
	if !anyWhatsAppBinding(cfg) {
		return nil
	}

	c.ctx, c.cancel = context.WithCancel(ctx)

	dbPath := filepath.Join(c.sessionDir, "whatsapp.db")
	container, err := sqlstore.New(c.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := container.GetFirstDevice(c.ctx)
	if err != nil {
		return fmt.Errorf("getting device: %w", err)
	}
	if device.ID == nil {
		return fmt.Errorf("whatsapp device not linked, run `clawfleet whatsapp link` first")
	}

	c.client = whatsmeow.NewClient(device, waLog.Noop)
	c.client.AddEventHandler(c.handleEvent)
	c.client.EnableAutoReconnect = true

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	c.connected.Store(true)

	c.logger.Info("whatsapp connected", "device", device.ID.String())
	return nil
}

// Stop disconnects the client.
func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.client != nil {
		c.client.Disconnect()
	}
	c.connected.Store(false)
	c.logger.Info("whatsapp disconnected")
	return nil
}

// Link runs the QR pairing flow on the terminal and blocks until paired or
// ctx ends. Used by the CLI, never by the daemon.
func (c *Connector) Link(ctx context.Context, emit func(code string)) error {
	dbPath := filepath.Join(c.sessionDir, "whatsapp.db")
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("getting device: %w", err)
	}
	if device.ID != nil {
		return fmt.Errorf("device already linked as %s", device.ID.String())
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connecting for pairing: %w", err)
	}
	defer client.Disconnect()

	for evt := range qrChan {
		switch evt.Event {
		case "code":
			emit(evt.Code)
		case "success":
			return nil
		case "timeout":
			return fmt.Errorf("pairing timed out")
		}
	}
	return ctx.Err()
}

func (c *Connector) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *waEvents.Message:
		c.handleMessage(evt)
	case *waEvents.Disconnected:
		c.connected.Store(false)
		c.logger.Warn("whatsapp gateway disconnected")
		c.bus.Emit(events.BridgeError("whatsapp"), events.ErrorPayload{
			Source: "whatsapp", Message: "gateway disconnected",
		})
	case *waEvents.Connected:
		c.connected.Store(true)
		c.logger.Info("whatsapp gateway reconnected")
	}
}

func (c *Connector) handleMessage(evt *waEvents.Message) {
	if evt.Info.IsFromMe || evt.Info.Chat.Server == "broadcast" {
		return
	}

	chatJID := evt.Info.Chat.String()
	if _, ok := c.router.AgentFor("whatsapp", chatJID); !ok {
		return
	}

	text := extractText(evt.Message)
	if text == "" {
		return
	}

	ctx := c.ctx
	if ctx == nil || ctx.Err() != nil {
		return
	}

	delivery := chat.Delivery{
		Message: chat.InboundMessage{
			Bridge:       "whatsapp",
			ChannelID:    chatJID,
			MessageID:    string(evt.Info.ID),
			UserID:       evt.Info.Sender.String(),
			UserName:     evt.Info.PushName,
			Text:         text,
			WasMentioned: c.wasMentioned(evt),
		},
		Send: func(reply string) error {
			return c.sendText(ctx, evt.Info.Chat, reply)
		},
		StartTyping: func() func() { return c.composingLoop(ctx, evt.Info.Chat) },
	}

	go func() {
		if err := c.router.Handle(ctx, delivery); err != nil {
			c.logger.Error("message handling failed", "chat", chatJID, "error", err)
		}
	}()
}

func (c *Connector) sendText(ctx context.Context, jid types.JID, text string) error {
	if !c.connected.Load() {
		return chat.ErrNotConnected
	}
	_, err := c.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// composingLoop keeps the "typing…" presence alive until stopped. WhatsApp
// drops composing presence after a short while, so it is refreshed.
func (c *Connector) composingLoop(ctx context.Context, jid types.JID) func() {
	loopCtx, stop := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		c.client.SendChatPresence(loopCtx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
		for {
			select {
			case <-loopCtx.Done():
				c.client.SendChatPresence(context.Background(), jid, types.ChatPresencePaused, types.ChatPresenceMediaText)
				return
			case <-ticker.C:
				c.client.SendChatPresence(loopCtx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
			}
		}
	}()
	return stop
}

// wasMentioned reports whether the message addressed the bot: direct chats
// always do; group messages only via an @mention of the linked number.
func (c *Connector) wasMentioned(evt *waEvents.Message) bool {
	if !evt.Info.IsGroup {
		return true
	}

	own := c.client.Store.ID
	if own == nil {
		return false
	}

	if ext := evt.Message.GetExtendedTextMessage(); ext != nil {
		for _, jid := range ext.GetContextInfo().GetMentionedJID() {
			mentioned, err := types.ParseJID(jid)
			if err == nil && mentioned.User == own.User {
				return true
			}
		}
	}
	return strings.Contains(extractText(evt.Message), "@"+own.User)
}

// extractText pulls the text body from the message variants that carry one.
func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return msg.GetConversation()
	}
	if ext := msg.ExtendedTextMessage; ext != nil {
		return ext.GetText()
	}
	return ""
}

func anyWhatsAppBinding(cfg *config.ResolvedConfig) bool {
	for _, agent := range cfg.Agents {
		if w := agent.Chat.WhatsApp; w != nil && w.Enabled {
			return true
		}
	}
	return false
}
