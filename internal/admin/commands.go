package admin

import (
	"context"
	"fmt"
	"strings"
)

// dispatch parses the command text and calls the appropriate handler.
func (h *Handler) dispatch(ctx context.Context, roomID, text string) {
	withoutPrefix := strings.TrimPrefix(text, h.cfg.CommandPrefix)
	parts := strings.Fields(withoutPrefix)
	if len(parts) == 0 {
		return
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help":
		h.cmdHelp(ctx, roomID)
	case "status", "health":
		h.cmdStatus(ctx, roomID)
	case "reconnect":
		h.cmdReconnect(ctx, roomID, args)
	case "shutdown":
		h.cmdShutdown(ctx, roomID)
	default:
		h.reply(ctx, roomID, fmt.Sprintf("Unknown command: %s%s — try %shelp", h.cfg.CommandPrefix, cmd, h.cfg.CommandPrefix))
	}
}

func (h *Handler) cmdHelp(ctx context.Context, roomID string) {
	p := h.cfg.CommandPrefix
	lines := []string{
		fmt.Sprintf("Admin commands (prefix: %s):", p),
		fmt.Sprintf("  %shelp                — show this help", p),
		fmt.Sprintf("  %sstatus / %shealth    — show relay connection status", p, p),
		fmt.Sprintf("  %sreconnect mesh      — reconnect to the mesh radio", p),
		fmt.Sprintf("  %sreconnect matrix    — restart the Matrix sync loop", p),
		fmt.Sprintf("  %sshutdown            — gracefully shut down the relay", p),
	}
	for _, line := range lines {
		h.reply(ctx, roomID, line)
	}
}

func (h *Handler) cmdStatus(ctx context.Context, roomID string) {
	status := h.relay.HealthStatus()
	meshOK, _ := status["mesh_connected"].(bool)
	reconnecting, _ := status["mesh_reconnecting"].(bool)
	queueDepth, _ := status["queue_depth"].(int)

	meshStr := "connected"
	switch {
	case reconnecting:
		meshStr = "RECONNECTING"
	case !meshOK:
		meshStr = "DISCONNECTED"
	}

	h.reply(ctx, roomID, fmt.Sprintf("Relay status: mesh=%s queue_depth=%d", meshStr, queueDepth))
}

func (h *Handler) cmdReconnect(ctx context.Context, roomID string, args []string) {
	if len(args) == 0 {
		h.reply(ctx, roomID, "Usage: !reconnect <mesh|matrix>")
		return
	}
	switch strings.ToLower(args[0]) {
	case "mesh":
		h.logger.Info().Msg("admin mesh reconnect")
		h.reply(ctx, roomID, "Reconnecting to mesh radio...")
		h.relay.ReconnectMesh()
	case "matrix":
		h.logger.Info().Msg("admin matrix reconnect")
		h.reply(ctx, roomID, "Restarting Matrix sync...")
		h.relay.ReconnectMatrix()
	default:
		h.reply(ctx, roomID, fmt.Sprintf("Unknown target: %s (use 'mesh' or 'matrix')", args[0]))
	}
}

func (h *Handler) cmdShutdown(ctx context.Context, roomID string) {
	h.logger.Warn().Msg("admin shutdown command received")
	h.reply(ctx, roomID, "Shutting down...")
	// Send in background so the reply can be delivered before we shutdown.
	go func() {
		_ = h.relay.SendMatrixText(context.Background(), roomID, "Goodbye.")
		h.shutdownFn()
	}()
}
