// Package chat – router.go maps inbound messages to agents and runs the
// exchange: session resolution, job execution with streamed replies, and
// session persistence on success.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/driver"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/events"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/runner"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/state"
)

// JobRunner is the slice of the runner the router needs.
type JobRunner interface {
	Execute(ctx context.Context, req runner.Request) (*runner.Result, error)
}

// route is one channel binding after route resolution.
type route struct {
	agentName string
	mode      config.ChannelMode
}

// Router owns chat routing for every bridge.
type Router struct {
	store  *state.Store
	runner JobRunner
	bus    *events.Bus
	logger *slog.Logger

	mu     sync.Mutex
	cfg    *config.ResolvedConfig
	routes map[string]route // "<bridge>/<channelID>" → route

	// channelLocks serialize exchanges per channel so replies never
	// interleave.
	channelLocks   map[string]*sync.Mutex
	channelLocksMu sync.Mutex
}

// NewRouter builds a router over the current config.
func NewRouter(store *state.Store, run JobRunner, bus *events.Bus, cfg *config.ResolvedConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		store:        store,
		runner:       run,
		bus:          bus,
		logger:       logger.With("component", "chat"),
		channelLocks: make(map[string]*sync.Mutex),
	}
	r.UpdateConfig(cfg)
	return r
}

// UpdateConfig rebuilds the routing table from a reloaded config.
func (r *Router) UpdateConfig(cfg *config.ResolvedConfig) {
	routes := make(map[string]route)

	bind := func(bridge string, agent *config.Agent, channels []ChannelBindingView) {
		for _, ch := range channels {
			key := bridge + "/" + ch.ID
			if prev, ok := routes[key]; ok && prev.agentName != agent.Name {
				r.logger.Warn("channel bound to multiple agents, later declaration wins",
					"bridge", bridge, "channel", ch.ID,
					"previous", prev.agentName, "agent", agent.Name)
			}
			mode := ch.Mode
			if mode == "" {
				mode = config.ModeMention
			}
			routes[key] = route{agentName: agent.Name, mode: mode}
		}
	}

	for _, agent := range cfg.Agents {
		if d := agent.Chat.Discord; d != nil && d.Enabled {
			bind("discord", agent, bindingViews(d.Channels))
		}
		if w := agent.Chat.WhatsApp; w != nil && w.Enabled {
			bind("whatsapp", agent, bindingViews(w.Channels))
		}
	}

	r.mu.Lock()
	r.cfg = cfg
	r.routes = routes
	r.mu.Unlock()
}

// ChannelBindingView decouples routing from the config binding struct.
type ChannelBindingView struct {
	ID   string
	Mode config.ChannelMode
}

func bindingViews(bindings []config.ChannelBinding) []ChannelBindingView {
	views := make([]ChannelBindingView, len(bindings))
	for i, b := range bindings {
		views[i] = ChannelBindingView{ID: b.ID, Mode: b.Mode}
	}
	return views
}

// AgentFor resolves the agent bound to a channel. Connectors use it to decide
// which messages to pick up at all.
func (r *Router) AgentFor(bridge, channelID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[bridge+"/"+channelID]
	return rt.agentName, ok
}

// Handle runs one inbound message end to end. Unrouted channels and
// mention-mode messages without a mention are ignored without error.
func (r *Router) Handle(ctx context.Context, d Delivery) error {
	msg := d.Message
	key := msg.Bridge + "/" + msg.ChannelID

	r.mu.Lock()
	rt, ok := r.routes[key]
	cfg := r.cfg
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if rt.mode == config.ModeMention && !msg.WasMentioned {
		return nil
	}

	lock := r.channelLock(key)
	lock.Lock()
	defer lock.Unlock()

	agent := cfg.Agent(rt.agentName)
	if agent == nil {
		r.logger.Warn("routed agent no longer configured", "agent", rt.agentName, "channel", key)
		return nil
	}

	if strings.TrimSpace(msg.Text) == "!reset" {
		return r.resetSession(agent, d)
	}

	resume := r.resolveSession(agent, cfg, msg)
	return r.runExchange(ctx, agent, cfg, d, resume)
}

// resetSession clears the channel's session on user request.
func (r *Router) resetSession(agent *config.Agent, d Delivery) error {
	msg := d.Message
	if err := r.store.ClearChatSession(agent.Name, sessionKey(msg)); err != nil {
		r.logger.Warn("failed to clear session", "agent", agent.Name, "error", err)
	}
	r.emitLifecycle(msg, agent.Name, "", "reset")
	return d.Send("Session reset. The next message starts a fresh conversation.")
}

// resolveSession returns the session id to resume, or "" for a fresh one.
// Expired sessions are cleared first.
func (r *Router) resolveSession(agent *config.Agent, cfg *config.ResolvedConfig, msg InboundMessage) string {
	sess, err := r.store.GetChatSession(agent.Name, sessionKey(msg))
	if err != nil || sess == nil {
		return ""
	}

	if time.Since(sess.LastMessageAt) > cfg.EffectiveSessionMaxAge() {
		if cerr := r.store.ClearChatSession(agent.Name, sessionKey(msg)); cerr != nil {
			r.logger.Warn("failed to clear expired session", "agent", agent.Name, "error", cerr)
		}
		r.emitLifecycle(msg, agent.Name, sess.SessionID, "expired")
		return ""
	}
	return sess.SessionID
}

func (r *Router) runExchange(ctx context.Context, agent *config.Agent, cfg *config.ResolvedConfig, d Delivery, resume string) error {
	msg := d.Message

	var stopTyping func()
	if d.StartTyping != nil {
		stopTyping = d.StartTyping()
	}
	defer func() {
		if stopTyping != nil {
			stopTyping()
		}
	}()

	responder := NewStreamingResponder(d.Send, r.bridgeLimit(msg.Bridge), cfg.Chat.MinSendInterval)

	res, err := r.runner.Execute(ctx, runner.Request{
		Agent:               agent,
		Prompt:              composePrompt(msg),
		TriggerType:         state.TriggerChat,
		Resume:              resume,
		EphemeralMCPServers: d.EphemeralMCPServers,
		OnMessage: func(m *driver.Message) {
			if m.Type != driver.TypeAssistant || m.Message == nil {
				return
			}
			for _, block := range m.Message.Content {
				if block.Type == "text" && block.Text != "" {
					if perr := responder.Push(block.Text); perr != nil {
						r.logger.Warn("failed to stream reply chunk", "channel", msg.ChannelID, "error", perr)
					}
				}
			}
		},
	})
	if err != nil {
		return r.replyError(d, agent.Name, err)
	}

	if !res.Success() {
		var cause error
		if res.ErrorDetails != nil {
			cause = res.ErrorDetails
		} else {
			cause = fmt.Errorf("job ended %s", res.Status)
		}
		return r.replyError(d, agent.Name, cause)
	}

	// The session is stored only after a successful exchange, so a failed
	// run never pins the channel to a broken session.
	if res.SessionID != "" {
		if serr := r.store.SetChatSession(agent.Name, sessionKey(msg), res.SessionID); serr != nil {
			r.logger.Warn("failed to store session", "agent", agent.Name, "error", serr)
		}
		lifecycle := "created"
		if resume != "" {
			lifecycle = "resumed"
		}
		r.emitLifecycle(msg, agent.Name, res.SessionID, lifecycle)
	}

	if ferr := responder.Flush(); ferr != nil {
		r.logger.Warn("failed to flush reply", "channel", msg.ChannelID, "error", ferr)
	}
	if !responder.HasSent() {
		fallback := res.FinalOutput
		if fallback == "" {
			fallback = "(no output)"
		}
		if serr := sendChunked(d.Send, fallback, r.bridgeLimit(msg.Bridge)); serr != nil {
			r.logger.Warn("failed to send fallback reply", "channel", msg.ChannelID, "error", serr)
		}
	}

	r.bus.Emit(events.BridgeMessageHandled(msg.Bridge), events.ChatMessagePayload{
		Bridge:    msg.Bridge,
		AgentName: agent.Name,
		ChannelID: msg.ChannelID,
		MessageID: msg.MessageID,
		JobID:     res.JobID,
	})
	return nil
}

func (r *Router) replyError(d Delivery, agentName string, cause error) error {
	msg := d.Message
	r.logger.Error("chat exchange failed",
		"bridge", msg.Bridge, "agent", agentName, "channel", msg.ChannelID, "error", cause)

	r.bus.Emit(events.BridgeMessageError(msg.Bridge), events.ChatMessagePayload{
		Bridge:    msg.Bridge,
		AgentName: agentName,
		ChannelID: msg.ChannelID,
		MessageID: msg.MessageID,
		Error:     cause.Error(),
	})

	return d.Send("Something went wrong handling that message. Send !reset to start a fresh session.")
}

func (r *Router) emitLifecycle(msg InboundMessage, agentName, sessionID, event string) {
	r.bus.Emit(events.BridgeSessionLifecycle(msg.Bridge), events.SessionLifecyclePayload{
		Bridge:    msg.Bridge,
		AgentName: agentName,
		ChannelID: msg.ChannelID,
		SessionID: sessionID,
		Event:     event,
	})
}

func (r *Router) channelLock(key string) *sync.Mutex {
	r.channelLocksMu.Lock()
	defer r.channelLocksMu.Unlock()
	lock, ok := r.channelLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.channelLocks[key] = lock
	}
	return lock
}

func (r *Router) bridgeLimit(bridge string) int {
	switch bridge {
	case "discord":
		return 2000
	default:
		return 4000
	}
}

// CleanupExpiredSessions sweeps every agent's session file. The manager calls
// this periodically.
func (r *Router) CleanupExpiredSessions() {
	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	maxAge := cfg.EffectiveSessionMaxAge()
	for _, agent := range cfg.Agents {
		removed, err := r.store.CleanupExpiredSessions(agent.Name, maxAge)
		if err != nil {
			r.logger.Warn("session cleanup failed", "agent", agent.Name, "error", err)
			continue
		}
		if removed > 0 {
			r.logger.Info("expired chat sessions removed", "agent", agent.Name, "count", removed)
		}
	}
}

// sessionKey is the per-channel session identity. Channel ids are platform
// scoped, so the bridge name disambiguates.
func sessionKey(msg InboundMessage) string {
	return msg.Bridge + ":" + msg.ChannelID
}

// composePrompt prefixes the sender's name so multi-user channels read
// naturally in the transcript.
func composePrompt(msg InboundMessage) string {
	if msg.UserName == "" {
		return msg.Text
	}
	return fmt.Sprintf("%s: %s", msg.UserName, msg.Text)
}

// sendChunked splits oversized fallback text the same way streamed replies
// are split.
func sendChunked(send SendFunc, text string, limit int) error {
	for len(text) > limit {
		cut := findBreak(text, limit)
		if err := send(strings.TrimSpace(text[:cut])); err != nil {
			return err
		}
		text = text[cut:]
	}
	if strings.TrimSpace(text) != "" {
		return send(strings.TrimSpace(text))
	}
	return nil
}
