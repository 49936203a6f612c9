// Package chat routes inbound chat messages to agents and streams agent
// output back, respecting each platform's message length limit. Connectors
// (Discord, WhatsApp) own the platform sessions; this package owns routing,
// session continuity and reply chunking.
package chat

import (
	"context"
	"errors"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/driver"
)

// Sentinel errors shared by connectors.
var (
	ErrNotConnected = errors.New("bridge not connected")
	ErrNoRoute      = errors.New("no agent routed to channel")
)

// Bridge is one chat platform connector.
type Bridge interface {
	// Name is the bridge identifier used in routes and event names
	// ("discord", "whatsapp").
	Name() string

	// CharacterLimit is the platform's maximum outbound message length.
	CharacterLimit() int

	Start(ctx context.Context, cfg *config.ResolvedConfig) error
	Stop() error
}

// InboundMessage is one user message as seen by the router.
type InboundMessage struct {
	Bridge    string
	ChannelID string
	MessageID string
	UserID    string
	UserName  string
	Text      string

	// WasMentioned is true when the message explicitly addressed the bot.
	// Mention-mode channels only act on these.
	WasMentioned bool
}

// SendFunc delivers one reply chunk to the originating channel.
type SendFunc func(text string) error

// Delivery bundles an inbound message with the connector's reply surface.
type Delivery struct {
	Message InboundMessage

	// Send delivers one chunk, already sized within the bridge's limit.
	Send SendFunc

	// StartTyping begins the platform's typing indicator and returns a stop
	// func. May be nil when the platform has none.
	StartTyping func() func()

	// EphemeralMCPServers are injected into the job for this message only
	// (e.g. a file-sender tool scoped to the channel).
	EphemeralMCPServers map[string]driver.MCPServer
}
