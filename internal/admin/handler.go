// Package admin provides Matrix-room admin command handling for the relay,
// adapted from the teacher's IRC PRIVMSG admin handler
// (dyuri-mqtt2irc/internal/admin) to mautrix room-message events.
package admin

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
)

// RelayAdmin is the interface the Relay must satisfy for admin commands.
// Defined here, not in internal/relay, to avoid a circular import (admin
// does not import relay).
type RelayAdmin interface {
	HealthStatus() map[string]interface{}
	SendMatrixText(ctx context.Context, roomID, text string) error
	ReconnectMesh()
	ReconnectMatrix()
}

// Config holds the admin command handler configuration.
type Config struct {
	Enabled       bool
	CommandPrefix string
	// AllowList is the set of Matrix user IDs authorized to run commands.
	AllowList []string
	// Rooms restricts which rooms accept admin commands; empty means any
	// room the bot has joined.
	Rooms []string
}

// Handler processes incoming Matrix room-message events and dispatches
// admin commands.
type Handler struct {
	cfg        Config
	relay      RelayAdmin
	shutdownFn func()
	logger     zerolog.Logger
}

// New creates a new admin Handler.
func New(cfg Config, relay RelayAdmin, shutdownFn func(), logger zerolog.Logger) *Handler {
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = "!"
	}
	return &Handler{
		cfg:        cfg,
		relay:      relay,
		shutdownFn: shutdownFn,
		logger:     logger.With().Str("component", "admin").Logger(),
	}
}

// HandleEvent inspects evt and, if it is an authorized admin command in an
// accepted room, dispatches it and reports true. main calls this before
// relay.HandleMatrixEvent so a claimed admin command never also reaches
// the ordinary plugin/relay pipeline.
func (h *Handler) HandleEvent(ctx context.Context, evt *event.Event) bool {
	if !h.cfg.Enabled {
		return false
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return false
	}
	text := strings.TrimSpace(content.Body)
	if !strings.HasPrefix(text, h.cfg.CommandPrefix) {
		return false
	}

	roomID := evt.RoomID.String()
	sender := evt.Sender.String()

	if !h.acceptsRoom(roomID) {
		return false
	}

	h.logger.Info().Str("sender", sender).Str("room", roomID).Str("text", text).Msg("admin command attempt")

	if !h.isAuthorized(sender) {
		h.logger.Warn().Str("sender", sender).Str("room", roomID).Msg("unauthorized admin command attempt")
		return true // claimed: an unauthorized admin attempt is not regular chat
	}

	h.dispatch(ctx, roomID, text)
	return true
}

// acceptsRoom reports whether roomID is an accepted admin-command source.
func (h *Handler) acceptsRoom(roomID string) bool {
	if len(h.cfg.Rooms) == 0 {
		return true
	}
	for _, r := range h.cfg.Rooms {
		if r == roomID {
			return true
		}
	}
	return false
}

// isAuthorized reports whether sender is allowed to run commands.
func (h *Handler) isAuthorized(sender string) bool {
	for _, allowed := range h.cfg.AllowList {
		if allowed == sender {
			return true
		}
	}
	return false
}

// reply sends a Matrix text reply to roomID, logging (not propagating) any
// send failure — admin replies are best-effort, matching spec §7's "log and
// continue" policy for non-critical send failures.
func (h *Handler) reply(ctx context.Context, roomID, message string) {
	if err := h.relay.SendMatrixText(ctx, roomID, message); err != nil {
		h.logger.Warn().Err(err).Str("room", roomID).Msg("failed to send admin reply")
	}
}
