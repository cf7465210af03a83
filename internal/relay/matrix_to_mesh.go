package relay

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"maunium.net/go/mautrix/event"

	"github.com/mmrelay/mmrelay/internal/prefix"
	"github.com/mmrelay/mmrelay/internal/queue"
)

const matrixTruncateBytes = 227

// htmlTagPattern strips tags for command detection (spec §4.7 "HTML tags
// stripped for detection").
var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// HandleMatrixEvent is wired to matrix.Session as its EventHandler. Pre-
// filters (self-sent, pre-start-time, mmrelay_suppress) already ran inside
// internal/matrix before this is invoked (spec §4.5's sync-loop filters).
func (r *Relay) HandleMatrixEvent(ctx context.Context, evt *event.Event) {
	roomID := evt.RoomID.String()
	channel, ok := r.session.ChannelForRoom(roomID)
	if !ok {
		return
	}
	if !r.cfg.BroadcastEnabled {
		return
	}

	switch evt.Type {
	case event.EventReaction:
		r.handleMatrixReaction(ctx, evt, roomID, channel)
	case event.EventMessage:
		r.handleMatrixMessage(ctx, evt, roomID, channel)
	}
}

func (r *Relay) handleMatrixReaction(ctx context.Context, evt *event.Event, roomID string, channel int) {
	if !r.cfg.ReactionsEnabled {
		return
	}
	content, ok := evt.Content.Parsed.(*event.ReactionEventContent)
	if !ok || content.RelatesTo.EventID == "" {
		return
	}

	original, found, err := r.store.LookupByEvent(ctx, content.RelatesTo.EventID.String())
	if err != nil {
		r.logger.Error().Err(err).Msg("message map lookup failed for matrix reaction")
		return
	}
	if !found {
		r.logger.Debug().Msg("reaction refers to unknown matrix event, treating as reaction-to-reaction, dropping")
		return
	}

	display := r.session.DisplayName(ctx, roomID, evt.Sender.String())
	vars := prefix.NewMatrixToMeshVars(display, evt.Sender.String())
	text := fmt.Sprintf("%sreacted %s to \"%s\"", r.matrixPrefix(vars), content.RelatesTo.Key, abbrev40(original.Text))

	r.enqueueMeshText(text, channel, nil)
}

func (r *Relay) handleMatrixMessage(ctx context.Context, evt *event.Event, roomID string, channel int) {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	fullMessage := strings.TrimSpace(content.Body)

	if content.MsgType == event.MsgEmote && r.isRemoteMeshnetReactionEcho(evt) {
		r.forwardRemoteMeshnetReaction(evt, channel)
		return
	}

	// Reply classification takes priority over plugin dispatch/commands
	// (spec §4.7 lists it before the plain-text path); only a lookup miss
	// falls through to plain text.
	if r.cfg.RepliesEnabled && content.RelatesTo != nil && content.RelatesTo.InReplyTo != nil {
		if r.handleMatrixReply(ctx, content, evt, channel) {
			return
		}
	}

	if r.dispatcher.DispatchMatrix(ctx, roomID, fullMessage) {
		return
	}
	if r.isCommand(evt, fullMessage) {
		return
	}

	if r.cfg.DetectionSensorEnabled && rawString(evt, "meshtastic_portnum") == "DETECTION_SENSOR_APP" {
		r.forwardDetectionSensor(evt, fullMessage, channel)
		return
	}

	r.handleMatrixPlainText(ctx, evt, content, roomID, channel, fullMessage)
}

// isRemoteMeshnetReactionEcho detects an m.emote that is itself this
// project's own mesh-reaction relay output, looped back from a different
// meshnet through Matrix federation/bridging (spec §4.7's "remote-meshnet
// reaction re-emission").
func (r *Relay) isRemoteMeshnetReactionEcho(evt *event.Event) bool {
	meshnet := rawString(evt, "meshtastic_meshnet")
	return meshnet != "" && meshnet != r.cfg.LocalMeshnet && rawString(evt, "meshtastic_replyId") != ""
}

func (r *Relay) forwardRemoteMeshnetReaction(evt *event.Event, channel int) {
	shortName := rawString(evt, "meshtastic_shortname")
	meshnet := rawString(evt, "meshtastic_meshnet")
	meshnetAbbrev := meshnet
	if len(meshnetAbbrev) > 4 {
		meshnetAbbrev = meshnetAbbrev[:4]
	}
	text := fmt.Sprintf("%s/%s reacted %s to \"%s\"", shortName, meshnetAbbrev,
		rawString(evt, "body"), abbrev40(rawString(evt, "meshtastic_text")))
	r.enqueueMeshText(text, channel, nil)
}

func (r *Relay) handleMatrixReply(ctx context.Context, content *event.MessageEventContent, evt *event.Event, channel int) bool {
	original, found, err := r.store.LookupByEvent(ctx, content.RelatesTo.InReplyTo.EventID.String())
	if err != nil {
		r.logger.Error().Err(err).Msg("message map lookup failed for matrix reply")
		return false
	}
	if !found {
		return false // falls through to the plain-text path, per spec §4.7
	}

	display := r.session.DisplayName(ctx, evt.RoomID.String(), evt.Sender.String())
	vars := prefix.NewMatrixToMeshVars(display, evt.Sender.String())
	body := stripQuotedLeadIn(content.Body)
	text := truncateUTF8(r.matrixPrefix(vars)+body, matrixTruncateBytes)

	meshID := original.MeshID
	r.enqueueMeshSend(fmt.Sprintf("reply to %s", evt.ID), channel, func(sendCtx context.Context) (queue.Result, error) {
		id, err := r.meshClient.SendTextReply(sendCtx, text, meshID, channel)
		return queue.Result{ID: id}, err
	}, mappingFor(evt, text, r.cfg.LocalMeshnet))
	return true
}

func (r *Relay) handleMatrixPlainText(ctx context.Context, evt *event.Event, content *event.MessageEventContent, roomID string, channel int, fullMessage string) {
	remoteLong := rawString(evt, "meshtastic_longname")
	remoteMeshnet := rawString(evt, "meshtastic_meshnet")
	if remoteLong != "" && remoteMeshnet != "" {
		if remoteMeshnet == r.cfg.LocalMeshnet {
			return // our own earlier echo
		}
		shortName := rawString(evt, "meshtastic_shortname")
		meshnetAbbrev := remoteMeshnet
		if len(meshnetAbbrev) > 4 {
			meshnetAbbrev = meshnetAbbrev[:4]
		}
		text := truncateUTF8(fmt.Sprintf("%s/%s: %s", shortName, meshnetAbbrev, stripRecognizedPrefix(fullMessage)), matrixTruncateBytes)
		r.enqueueMeshText(text, channel, nil)
		return
	}

	display := r.session.DisplayName(ctx, roomID, evt.Sender.String())
	vars := prefix.NewMatrixToMeshVars(display, evt.Sender.String())
	text := truncateUTF8(r.matrixPrefix(vars)+content.Body, matrixTruncateBytes)
	r.enqueueMeshText(text, channel, mappingFor(evt, text, r.cfg.LocalMeshnet))
}

func (r *Relay) forwardDetectionSensor(evt *event.Event, fullMessage string, channel int) {
	payload := []byte(fullMessage)
	r.enqueueMeshSend(fmt.Sprintf("detection-sensor from %s", evt.Sender), channel, func(ctx context.Context) (queue.Result, error) {
		id, err := r.meshClient.SendData(ctx, payload, channel, meshtastic.PortNum_DETECTION_SENSOR_APP)
		return queue.Result{ID: id}, err
	}, nil)
}

func (r *Relay) matrixPrefix(vars prefix.MatrixToMeshVars) string {
	if !r.cfg.MatrixPrefixEnabled {
		return ""
	}
	return r.formatter.MatrixToMesh(r.cfg.MatrixPrefixFormat, vars)
}

func (r *Relay) enqueueMeshText(text string, channel int, mapping *queue.MappingInfo) {
	r.enqueueMeshSend(text, channel, func(ctx context.Context) (queue.Result, error) {
		id, err := r.meshClient.SendText(ctx, text, channel)
		return queue.Result{ID: id}, err
	}, mapping)
}

func (r *Relay) enqueueMeshSend(description string, channel int, send queue.SendFunc, mapping *queue.MappingInfo) {
	if !r.queue.Enqueue(send, description, mapping) {
		r.logger.Warn().Str("description", description).Int("channel", channel).Msg("failed to enqueue mesh send")
	}
}

func mappingFor(evt *event.Event, text, meshnet string) *queue.MappingInfo {
	return &queue.MappingInfo{
		MatrixEventID: evt.ID.String(),
		RoomID:        evt.RoomID.String(),
		Text:          text,
		Meshnet:       meshnet,
	}
}

func rawString(evt *event.Event, key string) string {
	v, ok := evt.Content.Raw[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// stripQuotedLeadIn removes the quoted-original block matrix_relay's reply
// formatting prepends (spec §6's `"> <@bot_id> [sender/meshnet]: original\n\nreply"`
// shape): drop leading `>`-prefixed lines and the blank line that follows.
func stripQuotedLeadIn(body string) string {
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(strings.TrimSpace(lines[i]), ">") {
		i++
	}
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	return strings.TrimSpace(strings.Join(lines[i:], "\n"))
}

// stripRecognizedPrefix removes this relay's own mesh→Matrix prefix pattern
// (`[long/mesh]: `) if present, so a remote meshnet's message isn't
// double-prefixed when re-emitted locally.
func stripRecognizedPrefix(text string) string {
	if idx := strings.Index(text, "]: "); idx >= 0 && strings.HasPrefix(text, "[") {
		return text[idx+3:]
	}
	return text
}

// isCommand reports whether evt is a claimed plugin command (spec §4.7):
// "!X …", "@bot_user_id[,:;] !X …", or "bot_display_name[,:;] !X …", HTML
// stripped before matching.
func (r *Relay) isCommand(evt *event.Event, fullMessage string) bool {
	plain := htmlTagPattern.ReplaceAllString(fullMessage, "")
	plain = strings.TrimSpace(plain)

	commands := r.dispatcher.MatrixCommands()
	for cmd := range commands {
		if matchesCommand(plain, cmd, r.cfg.BotUserID, r.cfg.BotDisplayName) {
			return true
		}
	}
	return false
}

func matchesCommand(message, cmd, botUserID, botDisplayName string) bool {
	bang := "!" + cmd
	if strings.HasPrefix(message, bang) {
		return true
	}
	for _, lead := range []string{botUserID, botDisplayName} {
		if lead == "" {
			continue
		}
		for _, sep := range []string{",", ":", ";"} {
			lp := lead + sep
			if strings.HasPrefix(message, lp) &&
				strings.HasPrefix(strings.TrimSpace(message[len(lp):]), bang) {
				return true
			}
		}
	}
	return false
}
