package relay

import (
	"context"
	"io"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"

	"github.com/mmrelay/mmrelay/internal/plugin"
	"github.com/mmrelay/mmrelay/internal/prefix"
	"github.com/mmrelay/mmrelay/internal/queue"
	"github.com/mmrelay/mmrelay/internal/store"
	"github.com/mmrelay/mmrelay/pkg/types"
)

// testHarness wires a Relay against fakes for the mesh/matrix transports
// and a real temp-file store/queue, matching the scenarios of spec §8's
// concrete-scenario list (mesh text relay, matrix text to mesh, mesh
// reaction, matrix reply to mesh).
type testHarness struct {
	relay   *Relay
	mesh    *fakeMesh
	session *fakeSession
	store   *store.Store
}

func newTestHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	logger := zerolog.New(io.Discard)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"), logger)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mesh := newFakeMesh()
	session := newFakeSession()

	q := queue.New(queue.Config{
		Delay:     time.Millisecond,
		Probe:     mesh,
		Persister: NewPersister(st, cfg.LocalMeshnet),
	}, logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	q.Start(ctx)
	t.Cleanup(q.Shutdown)

	formatter := prefix.New(logger)
	dispatcher := plugin.NewDispatcher(nil, logger)

	r := New(cfg, st, mesh, session, q, formatter, dispatcher, logger)

	return &testHarness{relay: r, mesh: mesh, session: session, store: st}
}

func baseTestConfig() Config {
	return Config{
		LocalMeshnet:        "M1",
		BroadcastEnabled:    true,
		ReactionsEnabled:    true,
		RepliesEnabled:      true,
		MeshPrefixEnabled:   true,
		MeshPrefixFormat:    "[{long}/{mesh}]: ",
		MatrixPrefixEnabled: true,
		MatrixPrefixFormat:  "{display5}[M]: ",
		MsgsToKeep:          500,
		BotUserID:           "@bot:x",
		BotDisplayName:      "mmrelay",
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Scenario 1: mesh text relay (spec §8.1).
func TestScenarioMeshTextRelay(t *testing.T) {
	h := newTestHarness(t, baseTestConfig())
	ctx := context.Background()

	h.session.mapRoom("!room:x", 0)
	if err := h.store.SaveLongname(ctx, "!aa", "Alice"); err != nil {
		t.Fatalf("SaveLongname() error = %v", err)
	}
	if err := h.store.SaveShortname(ctx, "!aa", "Al"); err != nil {
		t.Fatalf("SaveShortname() error = %v", err)
	}

	h.relay.HandleMeshPacket(types.Packet{
		Kind:    types.KindText,
		From:    "!aa",
		Channel: 0,
		MeshID:  42,
		Text:    "hi",
	})

	events := h.session.snapshotEvents()
	if len(events) != 1 {
		t.Fatalf("got %d matrix events, want 1", len(events))
	}
	evt := events[0]
	if evt.roomID != "!room:x" {
		t.Errorf("roomID = %q, want !room:x", evt.roomID)
	}
	if got, want := evt.content["body"], "[Alice/M1]: hi"; got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
	if got, want := evt.content["meshtastic_id"], uint32(42); got != want {
		t.Errorf("meshtastic_id = %v, want %v", got, want)
	}

	entry, found, err := h.store.LookupByMesh(ctx, 42)
	if err != nil || !found {
		t.Fatalf("LookupByMesh(42) = (_, %v, %v), want found", found, err)
	}
	if entry.RoomID != "!room:x" || entry.Text != "hi" || entry.Meshnet != "M1" {
		t.Errorf("map entry = %+v, want {RoomID: !room:x, Text: hi, Meshnet: M1}", entry)
	}
}

// Scenario 2: matrix text to mesh (spec §8.2).
func TestScenarioMatrixTextToMesh(t *testing.T) {
	h := newTestHarness(t, baseTestConfig())
	ctx := context.Background()

	h.session.mapRoom("!room:x", 0)
	h.session.displayNames["@bob:x"] = "Bob Q"

	evt := &event.Event{
		ID:     "$ev1",
		RoomID: "!room:x",
		Sender: "@bob:x",
		Type:   event.EventMessage,
		Content: event.Content{
			Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: "hello"},
			Raw:    map[string]interface{}{},
		},
	}
	h.relay.HandleMatrixEvent(ctx, evt)

	waitUntil(t, time.Second, func() bool { return len(h.mesh.snapshotTexts()) == 1 })
	texts := h.mesh.snapshotTexts()
	if got, want := texts[0].text, "Bob Q[M]: hello"; got != want {
		t.Errorf("SendText text = %q, want %q", got, want)
	}
	if texts[0].channel != 0 {
		t.Errorf("SendText channel = %d, want 0", texts[0].channel)
	}

	waitUntil(t, time.Second, func() bool {
		_, found, _ := h.store.LookupByEvent(ctx, "$ev1")
		return found
	})
	entry, found, err := h.store.LookupByEvent(ctx, "$ev1")
	if err != nil || !found {
		t.Fatalf("LookupByEvent($ev1) = (_, %v, %v), want found", found, err)
	}
	if entry.RoomID != "!room:x" || entry.Meshnet != "M1" {
		t.Errorf("map entry = %+v, want RoomID !room:x, Meshnet M1", entry)
	}
}

// Scenario 3: mesh reaction (spec §8.3).
func TestScenarioMeshReaction(t *testing.T) {
	h := newTestHarness(t, baseTestConfig())
	ctx := context.Background()

	h.session.mapRoom("!room:x", 0)
	if err := h.store.SaveLongname(ctx, "!aa", "Alice"); err != nil {
		t.Fatalf("SaveLongname() error = %v", err)
	}
	if err := h.store.StoreMap(ctx, types.MessageMapEntry{
		MeshID: 42, MatrixEventID: "$e1", RoomID: "!room:x", Text: "hi", Meshnet: "M1",
	}); err != nil {
		t.Fatalf("StoreMap() error = %v", err)
	}

	h.relay.HandleMeshPacket(types.Packet{
		Kind:    types.KindReaction,
		From:    "!aa",
		Channel: 0,
		ReplyID: 42,
		Text:    "\U0001F44D",
		Emoji:   1,
	})

	events := h.session.snapshotEvents()
	if len(events) != 1 {
		t.Fatalf("got %d matrix events, want 1", len(events))
	}
	body, _ := events[0].content["body"].(string)
	want := regexp.MustCompile(`^\[Alice/M1\]: reacted \x{1F44D} to "hi"$`)
	if !want.MatchString(body) {
		t.Errorf("body = %q, want match of %s", body, want.String())
	}
	if got, want := events[0].content["meshtastic_emoji"], 1; got != want {
		t.Errorf("meshtastic_emoji = %v, want %v", got, want)
	}
}

// Scenario 4: matrix reply to mesh (spec §8.4).
func TestScenarioMatrixReplyToMesh(t *testing.T) {
	h := newTestHarness(t, baseTestConfig())
	ctx := context.Background()

	h.session.mapRoom("!room:x", 0)
	h.session.displayNames["@bob:x"] = "Bob Q"
	if err := h.store.StoreMap(ctx, types.MessageMapEntry{
		MeshID: 42, MatrixEventID: "$e1", RoomID: "!room:x", Text: "hi", Meshnet: "M1",
	}); err != nil {
		t.Fatalf("StoreMap() error = %v", err)
	}

	evt := &event.Event{
		ID:     "$ev2",
		RoomID: "!room:x",
		Sender: "@bob:x",
		Type:   event.EventMessage,
		Content: event.Content{
			Parsed: &event.MessageEventContent{
				MsgType: event.MsgText,
				Body:    "> <@bot> hi\n\nhello back",
				RelatesTo: &event.RelatesTo{
					InReplyTo: &event.InReplyTo{EventID: "$e1"},
				},
			},
			Raw: map[string]interface{}{},
		},
	}
	h.relay.HandleMatrixEvent(ctx, evt)

	waitUntil(t, time.Second, func() bool { return len(h.mesh.snapshotReplies()) == 1 })
	replies := h.mesh.snapshotReplies()
	if got, want := replies[0].text, "Bob Q[M]: hello back"; got != want {
		t.Errorf("SendTextReply text = %q, want %q", got, want)
	}
	if replies[0].replyTo != 42 {
		t.Errorf("SendTextReply replyTo = %d, want 42", replies[0].replyTo)
	}
	if replies[0].channel != 0 {
		t.Errorf("SendTextReply channel = %d, want 0", replies[0].channel)
	}
}
