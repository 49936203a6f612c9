// Package discord implements the Discord bridge using discordgo. Each agent
// with a Discord binding gets its own bot identity and gateway session; the
// connector forwards bound-channel messages to the chat router and replies
// within Discord's 2000 character message limit.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zalando/go-keyring"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/chat"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/events"
)

// MessageLimit is Discord's maximum outbound message length.
const MessageLimit = 2000

// keyringService namespaces stored bot tokens.
const keyringService = "clawfleet"

var _ chat.Bridge = (*Connector)(nil)

// Connector runs one gateway session per bound agent.
type Connector struct {
	router *chat.Router
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*agentSession // agent name → session
	ctx      context.Context
	cancel   context.CancelFunc
}

// agentSession is one agent's bot connection.
type agentSession struct {
	agentName string
	session   *discordgo.Session
	connected atomic.Bool
}

// New creates the Discord connector.
func New(router *chat.Router, bus *events.Bus, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		router:   router,
		bus:      bus,
		logger:   logger.With("component", "discord"),
		sessions: make(map[string]*agentSession),
	}
}

// Name returns "discord".
func (c *Connector) Name() string { return "discord" }

// CharacterLimit returns the platform message cap.
func (c *Connector) CharacterLimit() int { return MessageLimit }

// Start opens one gateway session per agent with an enabled Discord binding.
// An agent whose session fails to open is reported and skipped; the rest of
// the fleet keeps running.
func (c *Connector) Start(ctx context.Context, cfg *config.ResolvedConfig) error {
	c.mu.Lock()
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	var opened int
	for _, agent := range cfg.Agents {
		binding := agent.Chat.Discord
		if binding == nil || !binding.Enabled {
			continue
		}
		if err := c.openSession(agent, binding); err != nil {
			c.logger.Error("discord session failed", "agent", agent.Name, "error", err)
			c.bus.Emit(events.BridgeError("discord"), events.ErrorPayload{
				Source:  "discord",
				Message: fmt.Sprintf("agent %s: %v", agent.Name, err),
			})
			continue
		}
		opened++
	}

	if opened == 0 {
		return chat.ErrNotConnected
	}
	return nil
}

// Stop closes every gateway session.
func (c *Connector) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	for name, as := range c.sessions {
		if as.session != nil {
			as.session.Close()
		}
		as.connected.Store(false)
		delete(c.sessions, name)
	}
	c.logger.Info("discord disconnected")
	return nil
}

func (c *Connector) openSession(agent *config.Agent, binding *config.DiscordBinding) error {
	token, err := resolveToken(agent.Name, binding)
	if err != nil {
		return err
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	as := &agentSession{agentName: agent.Name, session: session}
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		c.onMessageCreate(as, s, m)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("opening gateway: %w", err)
	}
	as.connected.Store(true)

	c.mu.Lock()
	c.sessions[agent.Name] = as
	c.mu.Unlock()

	user := session.State.User
	c.logger.Info("discord connected", "agent", agent.Name, "bot", user.Username, "id", user.ID)
	return nil
}

// resolveToken takes the configured token or falls back to the OS keyring
// entry clawfleet/discord_token:<agent>.
func resolveToken(agentName string, binding *config.DiscordBinding) (string, error) {
	if binding.Token != "" {
		return binding.Token, nil
	}
	token, err := keyring.Get(keyringService, "discord_token:"+agentName)
	if err != nil {
		return "", fmt.Errorf("no token configured and keyring lookup failed: %w", err)
	}
	return token, nil
}

// StoreToken saves a bot token in the OS keyring for an agent. Used by the
// CLI so tokens stay out of config files.
func StoreToken(agentName, token string) error {
	return keyring.Set(keyringService, "discord_token:"+agentName, token)
}

func (c *Connector) onMessageCreate(as *agentSession, s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}

	// Only messages in channels routed to this agent are picked up; other
	// agents' sessions see the same guilds but different bindings.
	routed, ok := c.router.AgentFor("discord", m.ChannelID)
	if !ok || routed != as.agentName {
		return
	}

	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	delivery := chat.Delivery{
		Message: chat.InboundMessage{
			Bridge:       "discord",
			ChannelID:    m.ChannelID,
			MessageID:    m.ID,
			UserID:       m.Author.ID,
			UserName:     m.Author.Username,
			Text:         stripBotMention(m.Content, s.State.User.ID),
			WasMentioned: wasMentioned(m, s.State.User.ID),
		},
		Send: func(text string) error {
			_, err := s.ChannelMessageSend(m.ChannelID, text)
			return err
		},
		StartTyping: func() func() { return c.typingLoop(ctx, s, m.ChannelID) },
	}

	// Handling runs off the gateway goroutine so a long exchange never
	// stalls event delivery.
	go func() {
		if err := c.router.Handle(ctx, delivery); err != nil {
			c.logger.Error("message handling failed",
				"agent", as.agentName, "channel", m.ChannelID, "error", err)
		}
	}()
}

// typingLoop keeps the typing indicator alive until the returned stop func
// runs. Discord's indicator expires after about 10 seconds.
func (c *Connector) typingLoop(ctx context.Context, s *discordgo.Session, channelID string) func() {
	loopCtx, stop := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(8 * time.Second)
		defer ticker.Stop()

		s.ChannelTyping(channelID)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.ChannelTyping(channelID)
			}
		}
	}()
	return stop
}

// wasMentioned reports whether the message addressed the bot: an explicit
// mention or a direct message.
func wasMentioned(m *discordgo.MessageCreate, botID string) bool {
	if m.GuildID == "" {
		return true
	}
	for _, user := range m.Mentions {
		if user.ID == botID {
			return true
		}
	}
	return false
}

// stripBotMention removes the leading bot mention so the agent sees the bare
// request.
func stripBotMention(content, botID string) string {
	for _, form := range []string{"<@" + botID + ">", "<@!" + botID + ">"} {
		content = strings.ReplaceAll(content, form, "")
	}
	return strings.TrimSpace(content)
}
