package relay

import (
	"context"
	"fmt"

	"github.com/mmrelay/mmrelay/internal/prefix"
	"github.com/mmrelay/mmrelay/pkg/types"
)

// HandleMeshPacket is wired to mesh.Client.OnReceive by main. It implements
// spec §4.6 steps 2-7; step 1 (malformed/undecodable packets) is already
// filtered by internal/mesh before a Packet ever reaches here.
func (r *Relay) HandleMeshPacket(pkt types.Packet) {
	ctx := context.Background()

	if pkt.Channel < 0 {
		r.logger.Debug().Msg("dropping packet with unresolved channel")
		return
	}
	roomID, mapped := r.session.RoomForChannel(pkt.Channel)
	if !mapped {
		r.logger.Debug().Int("channel", pkt.Channel).Msg("dropping packet on unmapped channel")
		return
	}

	identity, err := r.resolveIdentity(ctx, pkt.From)
	if err != nil {
		r.logger.Error().Err(err).Str("node", pkt.From).Msg("failed to resolve sender identity")
		identity = types.NodeIdentity{LongName: pkt.From, ShortName: pkt.From}
	}
	formattedPrefix := r.meshPrefix(identity)
	formatted := formattedPrefix + pkt.Text

	if r.dispatcher.DispatchMesh(ctx, pkt, formatted, identity.LongName, r.cfg.LocalMeshnet) {
		return
	}
	if pkt.Direct {
		r.logger.Debug().Str("node", pkt.From).Msg("dropping direct message, not relaying DM to matrix")
		return
	}

	switch pkt.Kind {
	case types.KindReaction:
		r.handleMeshReaction(ctx, pkt, roomID)
	case types.KindReply:
		if !r.cfg.RepliesEnabled {
			r.handleMeshText(ctx, pkt, roomID, identity, formatted)
			return
		}
		r.handleMeshReply(ctx, pkt, roomID, identity, formatted)
	case types.KindText:
		r.handleMeshText(ctx, pkt, roomID, identity, formatted)
	case types.KindDetectionSensor:
		if r.cfg.DetectionSensorEnabled {
			r.handleMeshDetectionSensor(pkt, roomID, identity, formatted)
		}
	default:
		// Telemetry, nodeinfo, and anything else: plugins only, no Matrix event.
	}
}

func (r *Relay) resolveIdentity(ctx context.Context, nodeID string) (types.NodeIdentity, error) {
	identity, err := r.store.Identity(ctx, nodeID)
	if err != nil {
		return types.NodeIdentity{}, err
	}

	cached, ok := r.meshClient.NodeIdentity(nodeID)
	if !ok {
		return identity, nil
	}
	if identity.LongName == nodeID && cached.LongName != "" {
		identity.LongName = cached.LongName
		if err := r.store.SaveLongname(ctx, nodeID, cached.LongName); err != nil {
			r.logger.Warn().Err(err).Str("node", nodeID).Msg("failed to persist learned longname")
		}
	}
	if identity.ShortName == nodeID && cached.ShortName != "" {
		identity.ShortName = cached.ShortName
		if err := r.store.SaveShortname(ctx, nodeID, cached.ShortName); err != nil {
			r.logger.Warn().Err(err).Str("node", nodeID).Msg("failed to persist learned shortname")
		}
	}
	return identity, nil
}

func (r *Relay) meshPrefix(identity types.NodeIdentity) string {
	if !r.cfg.MeshPrefixEnabled {
		return ""
	}
	vars := prefix.NewMeshToMatrixVars(identity.LongName, identity.ShortName, r.cfg.LocalMeshnet)
	return r.formatter.MeshToMatrix(r.cfg.MeshPrefixFormat, vars)
}

func (r *Relay) baseMeshFields(pkt types.Packet, identity types.NodeIdentity) map[string]interface{} {
	return map[string]interface{}{
		"meshtastic_longname":  identity.LongName,
		"meshtastic_shortname": identity.ShortName,
		"meshtastic_meshnet":   r.cfg.LocalMeshnet,
		"meshtastic_portnum":   pkt.Portnum,
	}
}

func (r *Relay) handleMeshReaction(ctx context.Context, pkt types.Packet, roomID string) {
	if !r.cfg.ReactionsEnabled {
		return
	}
	original, found, err := r.store.LookupByMesh(ctx, pkt.ReplyID)
	if err != nil {
		r.logger.Error().Err(err).Msg("message map lookup failed for reaction")
		return
	}
	if !found {
		r.logger.Debug().Uint32("reply_id", pkt.ReplyID).Msg("reaction refers to unknown mesh message, dropping")
		return
	}

	identity, err := r.resolveIdentity(ctx, pkt.From)
	if err != nil {
		identity = types.NodeIdentity{LongName: pkt.From, ShortName: pkt.From}
	}
	body := fmt.Sprintf("%sreacted %s to \"%s\"", r.meshPrefix(identity), pkt.Text, abbrev40(original.Text))

	content := r.baseMeshFields(pkt, identity)
	content["msgtype"] = "m.emote"
	content["body"] = body
	content["meshtastic_replyId"] = pkt.ReplyID
	content["meshtastic_emoji"] = 1

	if _, err := r.session.SendEvent(roomID, "m.room.message", content); err != nil {
		r.logger.Error().Err(err).Msg("failed to emit reaction to matrix")
	}
}

func (r *Relay) handleMeshReply(ctx context.Context, pkt types.Packet, roomID string, identity types.NodeIdentity, formatted string) {
	original, found, err := r.store.LookupByMesh(ctx, pkt.ReplyID)
	if err != nil {
		r.logger.Error().Err(err).Msg("message map lookup failed for reply")
		return
	}
	if !found {
		r.handleMeshText(ctx, pkt, roomID, identity, formatted)
		return
	}

	content := r.baseMeshFields(pkt, identity)
	content["msgtype"] = "m.text"
	content["body"] = formatted
	content["meshtastic_id"] = pkt.MeshID
	content["meshtastic_text"] = pkt.Text
	content["m.relates_to"] = map[string]interface{}{
		"m.in_reply_to": map[string]interface{}{"event_id": original.MatrixEventID},
	}
	r.applyReplyQuote(content, roomID, original, identity.LongName, formatted)

	eventID, err := r.session.SendEvent(roomID, "m.room.message", content)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to emit mesh reply to matrix")
		return
	}
	r.persistMeshTextMapping(ctx, pkt, roomID, eventID)
}

// applyReplyQuote builds the quoted body/formatted_body pair spec §4.6
// requires for mesh-originated replies, grounded on
// original_source/src/mmrelay/matrix_utils.py's matrix_relay (the
// reply_to_event_id branch: quoted_text/blockquote_content construction).
func (r *Relay) applyReplyQuote(content map[string]interface{}, roomID string, original types.MessageMapEntry, longname, message string) {
	label := fmt.Sprintf("%s/%s", longname, original.Meshnet)
	quoted := fmt.Sprintf("> <@%s> [%s]: %s", r.cfg.BotUserID, label, original.Text)
	content["body"] = fmt.Sprintf("%s\n\n%s", quoted, message)
	content["format"] = "org.matrix.custom.html"

	replyLink := fmt.Sprintf("https://matrix.to/#/%s/%s", roomID, original.MatrixEventID)
	botLink := fmt.Sprintf("https://matrix.to/#/@%s", r.cfg.BotUserID)
	blockquote := fmt.Sprintf(`<a href="%s">In reply to</a> <a href="%s">@%s</a><br>[%s]: %s`,
		replyLink, botLink, r.cfg.BotUserID, label, original.Text)
	content["formatted_body"] = fmt.Sprintf("<mx-reply><blockquote>%s</blockquote></mx-reply>%s", blockquote, message)
}

func (r *Relay) handleMeshText(ctx context.Context, pkt types.Packet, roomID string, identity types.NodeIdentity, formatted string) {
	content := r.baseMeshFields(pkt, identity)
	content["msgtype"] = "m.text"
	content["body"] = formatted
	content["meshtastic_id"] = pkt.MeshID
	content["meshtastic_text"] = pkt.Text

	eventID, err := r.session.SendEvent(roomID, "m.room.message", content)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to emit mesh text to matrix")
		return
	}
	r.persistMeshTextMapping(ctx, pkt, roomID, eventID)
}

func (r *Relay) handleMeshDetectionSensor(pkt types.Packet, roomID string, identity types.NodeIdentity, formatted string) {
	content := r.baseMeshFields(pkt, identity)
	content["msgtype"] = "m.text"
	content["body"] = formatted

	if _, err := r.session.SendEvent(roomID, "m.room.message", content); err != nil {
		r.logger.Error().Err(err).Msg("failed to emit detection-sensor packet to matrix")
	}
}

// persistMeshTextMapping writes a message-map row only when reactions or
// replies are enabled (spec §3 invariant: "only when reactions or replies
// are enabled in config, otherwise storage is wasteful").
func (r *Relay) persistMeshTextMapping(ctx context.Context, pkt types.Packet, roomID, eventID string) {
	if !r.cfg.ReactionsEnabled && !r.cfg.RepliesEnabled {
		return
	}
	entry := types.MessageMapEntry{
		MeshID:        pkt.MeshID,
		MatrixEventID: eventID,
		RoomID:        roomID,
		Text:          pkt.Text,
		Meshnet:       r.cfg.LocalMeshnet,
	}
	if err := r.store.StoreMap(ctx, entry); err != nil {
		r.logger.Error().Err(err).Msg("failed to persist message map entry")
		return
	}
	if err := r.store.Prune(ctx, r.cfg.MsgsToKeep); err != nil {
		r.logger.Warn().Err(err).Msg("failed to prune message map")
	}
}
