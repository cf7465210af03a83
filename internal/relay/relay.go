// Package relay is the Mesh→Matrix and Matrix→Mesh translators (spec C6,
// C7) plus the single Relay struct that owns every other component and is
// passed by reference from main — the Go rendering of spec.md §9's "single
// Relay value owned by main" redesign note.
package relay

import (
	"context"
	"strings"
	"unicode/utf8"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"

	"github.com/mmrelay/mmrelay/internal/plugin"
	"github.com/mmrelay/mmrelay/internal/prefix"
	"github.com/mmrelay/mmrelay/internal/queue"
	"github.com/mmrelay/mmrelay/internal/store"
	"github.com/mmrelay/mmrelay/pkg/types"
)

// MeshSender is the subset of *mesh.Client the translators and admin
// surface need. Declared here rather than in internal/mesh so relay-level
// tests can substitute a fake without internal/mesh knowing relay exists.
type MeshSender interface {
	SendText(ctx context.Context, text string, channel int) (uint32, error)
	SendTextReply(ctx context.Context, text string, replyToMeshID uint32, channel int) (uint32, error)
	SendData(ctx context.Context, payload []byte, channel int, portnum meshtastic.PortNum) (uint32, error)
	NodeIdentity(nodeID string) (types.NodeIdentity, bool)
	NodeIdentities() map[string]types.NodeIdentity
	ForceReconnect()
	Attached() bool
	Connected() bool
	Reconnecting() bool
}

// MatrixSession is the subset of *matrix.Session the translators need.
type MatrixSession interface {
	ChannelForRoom(roomID string) (int, bool)
	RoomForChannel(channel int) (string, bool)
	SendEvent(roomID string, eventType event.Type, content interface{}) (string, error)
	DisplayName(ctx context.Context, roomID, userID string) string
	ForceReconnect()
}

const abbrevMaxChars = 40

// Config is every config-derived toggle the translators consult (spec §6).
type Config struct {
	LocalMeshnet string

	BroadcastEnabled       bool
	DetectionSensorEnabled bool
	ReactionsEnabled       bool
	RepliesEnabled         bool

	MeshPrefixEnabled   bool
	MeshPrefixFormat    string
	MatrixPrefixEnabled bool
	MatrixPrefixFormat  string

	MsgsToKeep int // 0 disables pruning; the row count passed to Store.Prune after mesh-originated map writes

	BotUserID      string
	BotDisplayName string
}

// Relay owns every constructed component and exposes the glue methods
// main wires mesh.Client.OnReceive and matrix.Session's event handler to.
type Relay struct {
	cfg Config

	store      *store.Store
	meshClient MeshSender
	session    MatrixSession
	queue      *queue.Queue
	formatter  *prefix.Formatter
	dispatcher *plugin.Dispatcher

	logger zerolog.Logger
}

// New assembles a Relay from its already-constructed dependencies. Wiring
// each component's callbacks to the resulting Relay's methods is main's
// job (internal/mesh and internal/matrix must not import internal/relay).
// meshClient and session are narrow interfaces that *mesh.Client and
// *matrix.Session satisfy structurally; tests substitute fakes.
func New(cfg Config, st *store.Store, meshClient MeshSender, session MatrixSession,
	q *queue.Queue, formatter *prefix.Formatter, dispatcher *plugin.Dispatcher, logger zerolog.Logger) *Relay {
	return &Relay{
		cfg:        cfg,
		store:      st,
		meshClient: meshClient,
		session:    session,
		queue:      q,
		formatter:  formatter,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "relay").Logger(),
	}
}

// storePersister adapts *store.Store to queue.MappingPersister, converting
// the queue's internal MappingInfo into a types.MessageMapEntry. It exists
// because internal/store intentionally has no dependency on internal/queue
// (DI-graph redesign note, spec.md §9).
type storePersister struct {
	store   *store.Store
	meshnet string
}

func (p storePersister) PersistMapping(ctx context.Context, meshID uint32, info queue.MappingInfo) error {
	return p.store.StoreMap(ctx, types.MessageMapEntry{
		MeshID:        meshID,
		MatrixEventID: info.MatrixEventID,
		RoomID:        info.RoomID,
		Text:          info.Text,
		Meshnet:       info.Meshnet,
	})
}

// NewPersister builds the queue.MappingPersister main wires into
// queue.Config.Persister.
func NewPersister(st *store.Store, localMeshnet string) queue.MappingPersister {
	return storePersister{store: st, meshnet: localMeshnet}
}

// --- plugin.Host -----------------------------------------------------------

// SendMeshText implements plugin.Host by going straight to the mesh client,
// bypassing the outbound queue: plugin replies (e.g. "pong") are small,
// interactive, and not subject to message-map bookkeeping.
func (r *Relay) SendMeshText(ctx context.Context, text string, channel int) error {
	_, err := r.meshClient.SendText(ctx, text, channel)
	return err
}

// SendMatrixText implements plugin.Host. The session applies its own send
// timeout internally, so ctx is unused here.
func (r *Relay) SendMatrixText(_ context.Context, roomID, text string) error {
	_, err := r.session.SendEvent(roomID, "m.room.message", map[string]interface{}{
		"msgtype": "m.text",
		"body":    text,
	})
	return err
}

// NodeIdentities implements plugin.Host.
func (r *Relay) NodeIdentities() map[string]types.NodeIdentity {
	return r.meshClient.NodeIdentities()
}

// --- admin.RelayAdmin -------------------------------------------------------

// ReconnectMesh implements admin.RelayAdmin, for the "!reconnect mesh"
// admin command.
func (r *Relay) ReconnectMesh() {
	r.meshClient.ForceReconnect()
}

// ReconnectMatrix implements admin.RelayAdmin, for the "!reconnect matrix"
// admin command.
func (r *Relay) ReconnectMatrix() {
	r.session.ForceReconnect()
}

// HealthStatus reports the relay's current liveness for internal/health,
// grounded on dyuri-mqtt2irc's StatusProvider contract.
type HealthStatus struct {
	MeshAttached     bool
	MeshConnected    bool
	MeshReconnecting bool
	QueueDepth       int
}

func (r *Relay) Health() HealthStatus {
	return HealthStatus{
		MeshAttached:     r.meshClient.Attached(),
		MeshConnected:    r.meshClient.Connected(),
		MeshReconnecting: r.meshClient.Reconnecting(),
		QueueDepth:       r.queue.Len(),
	}
}

// HealthStatus implements health.StatusProvider so internal/health can be
// wired straight to a Relay with no adapter, matching dyuri-mqtt2irc's
// bridge doing the same.
func (r *Relay) HealthStatus() map[string]interface{} {
	h := r.Health()
	return map[string]interface{}{
		"mesh_attached":     h.MeshAttached,
		"mesh_connected":    h.MeshConnected,
		"mesh_reconnecting": h.MeshReconnecting,
		"queue_depth":       h.QueueDepth,
	}
}

// abbrev40 implements spec §4.6's reaction-quote abbreviation policy: strip
// `>`-quoted lines, collapse newlines to spaces, cut at 40 chars with a
// literal "...", matching matrix_utils.py's strip_quoted_lines +
// abbreviated_text construction (no extra whitespace normalization beyond
// the newline-to-space join and trimming leading/trailing whitespace).
func abbrev40(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), ">") {
			continue
		}
		kept = append(kept, line)
	}
	joined := strings.TrimSpace(strings.Join(kept, " "))

	runes := []rune(joined)
	if len(runes) <= abbrevMaxChars {
		return joined
	}
	return string(runes[:abbrevMaxChars]) + "..."
}

// truncateUTF8 is spec §4.7's byte-accurate truncation: encode as UTF-8,
// slice to maxBytes, discard a trailing partial code point.
func truncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	b := s[:maxBytes]
	for len(b) > 0 {
		r, size := utf8.DecodeLastRuneInString(b)
		if r != utf8.RuneError || size > 1 {
			break
		}
		b = b[:len(b)-1]
	}
	return b
}

