package admin

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// stubRelay implements RelayAdmin for testing.
type stubRelay struct {
	healthCalled        bool
	sendCalled          bool
	sendRoom            string
	sendMessage         string
	reconnectMeshCalled bool
	reconnectMtxCalled  bool
}

func (s *stubRelay) HealthStatus() map[string]interface{} {
	s.healthCalled = true
	return map[string]interface{}{
		"mesh_connected":    true,
		"mesh_reconnecting": false,
		"queue_depth":       5,
	}
}

func (s *stubRelay) SendMatrixText(_ context.Context, roomID, message string) error {
	s.sendCalled = true
	s.sendRoom = roomID
	s.sendMessage = message
	return nil
}

func (s *stubRelay) ReconnectMesh()   { s.reconnectMeshCalled = true }
func (s *stubRelay) ReconnectMatrix() { s.reconnectMtxCalled = true }

// ---- helpers ----

func newTestLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func newTestHandler(cfg Config, relay RelayAdmin, shutdownFn func()) *Handler {
	return New(cfg, relay, shutdownFn, newTestLogger())
}

func messageEvent(roomID, sender, body string) *event.Event {
	return &event.Event{
		RoomID: id.RoomID(roomID),
		Sender: id.UserID(sender),
		Content: event.Content{
			Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: body},
		},
	}
}

// ---- TestIsAuthorized ----

func TestIsAuthorized(t *testing.T) {
	tests := []struct {
		name      string
		allowList []string
		sender    string
		want      bool
	}{
		{"exact match", []string{"@admin:example.org"}, "@admin:example.org", true},
		{"mismatch", []string{"@admin:example.org"}, "@other:example.org", false},
		{"multiple entries, second matches", []string{"@other:example.org", "@admin:example.org"}, "@admin:example.org", true},
		{"empty allow list", nil, "@admin:example.org", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(Config{AllowList: tt.allowList, CommandPrefix: "!"}, &stubRelay{}, func() {})
			if got := h.isAuthorized(tt.sender); got != tt.want {
				t.Errorf("isAuthorized(%q) = %v, want %v", tt.sender, got, tt.want)
			}
		})
	}
}

// ---- TestAcceptsRoom ----

func TestAcceptsRoom(t *testing.T) {
	h := newTestHandler(Config{Rooms: []string{"!ops:example.org"}, CommandPrefix: "!"}, &stubRelay{}, func() {})
	if !h.acceptsRoom("!ops:example.org") {
		t.Error("expected configured room to be accepted")
	}
	if h.acceptsRoom("!other:example.org") {
		t.Error("expected unconfigured room to be rejected")
	}

	hAny := newTestHandler(Config{CommandPrefix: "!"}, &stubRelay{}, func() {})
	if !hAny.acceptsRoom("!anything:example.org") {
		t.Error("expected empty Rooms list to accept any room")
	}
}

// ---- TestDispatch_* ----

func TestDispatch_Status(t *testing.T) {
	stub := &stubRelay{}
	h := newTestHandler(Config{CommandPrefix: "!"}, stub, func() {})
	h.dispatch(context.Background(), "!ops:example.org", "!status")
	if !stub.healthCalled {
		t.Error("expected HealthStatus() to be called")
	}
}

func TestDispatch_ReconnectMesh(t *testing.T) {
	stub := &stubRelay{}
	h := newTestHandler(Config{CommandPrefix: "!"}, stub, func() {})
	h.dispatch(context.Background(), "!ops:example.org", "!reconnect mesh")
	if !stub.reconnectMeshCalled {
		t.Error("expected ReconnectMesh() to be called")
	}
}

func TestDispatch_ReconnectMatrix(t *testing.T) {
	stub := &stubRelay{}
	h := newTestHandler(Config{CommandPrefix: "!"}, stub, func() {})
	h.dispatch(context.Background(), "!ops:example.org", "!reconnect matrix")
	if !stub.reconnectMtxCalled {
		t.Error("expected ReconnectMatrix() to be called")
	}
}

func TestDispatch_UnknownReconnectTarget(t *testing.T) {
	stub := &stubRelay{}
	h := newTestHandler(Config{CommandPrefix: "!"}, stub, func() {})
	h.dispatch(context.Background(), "!ops:example.org", "!reconnect bogus")
	if stub.reconnectMeshCalled || stub.reconnectMtxCalled {
		t.Error("expected no reconnect call for unknown target")
	}
}

func TestDispatch_Shutdown(t *testing.T) {
	stub := &stubRelay{}
	called := make(chan struct{})
	h := newTestHandler(Config{CommandPrefix: "!"}, stub, func() { close(called) })
	h.cmdShutdown(context.Background(), "!ops:example.org")
	<-called // shutdownFn runs in a goroutine; block until it does
}

// ---- TestHandleEvent_* ----

func TestHandleEventUnauthorizedIsClaimedButNotDispatched(t *testing.T) {
	stub := &stubRelay{}
	cfg := Config{
		Enabled:       true,
		CommandPrefix: "!",
		Rooms:         []string{"!ops:example.org"},
		AllowList:     []string{"@trustedadmin:example.org"},
	}
	h := newTestHandler(cfg, stub, func() {})

	evt := messageEvent("!ops:example.org", "@hacker:evil.net", "!shutdown")
	handled := h.HandleEvent(context.Background(), evt)

	if !handled {
		t.Error("expected an unauthorized admin-looking command to be claimed")
	}
	if stub.reconnectMeshCalled || stub.reconnectMtxCalled || stub.healthCalled {
		t.Error("relay methods should not be called for an unauthorized sender")
	}
}

func TestHandleEventDisabledNeverClaims(t *testing.T) {
	stub := &stubRelay{}
	h := newTestHandler(Config{Enabled: false, CommandPrefix: "!"}, stub, func() {})
	evt := messageEvent("!ops:example.org", "@admin:example.org", "!status")
	if h.HandleEvent(context.Background(), evt) {
		t.Error("expected a disabled handler never to claim events")
	}
}

func TestHandleEventNonCommandTextNotClaimed(t *testing.T) {
	stub := &stubRelay{}
	h := newTestHandler(Config{Enabled: true, CommandPrefix: "!"}, stub, func() {})
	evt := messageEvent("!ops:example.org", "@admin:example.org", "just chatting")
	if h.HandleEvent(context.Background(), evt) {
		t.Error("expected ordinary chat text not to be claimed")
	}
}

func TestHandleEventAuthorizedDispatches(t *testing.T) {
	stub := &stubRelay{}
	cfg := Config{
		Enabled:       true,
		CommandPrefix: "!",
		AllowList:     []string{"@admin:example.org"},
	}
	h := newTestHandler(cfg, stub, func() {})
	evt := messageEvent("!ops:example.org", "@admin:example.org", "!status")
	if !h.HandleEvent(context.Background(), evt) {
		t.Error("expected an authorized command to be claimed")
	}
	if !stub.healthCalled {
		t.Error("expected HealthStatus() to be called")
	}
}
