package matrix

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := New(context.Background(), Config{
		Homeserver:  "https://example.org",
		UserID:      "@bot:example.org",
		AccessToken: "token",
		DeviceID:    "DEVICEID", // set so New skips the network whoami call
		Rooms: []RoomMapping{
			{ID: "!room1:example.org", MeshtasticChannel: 0},
			{ID: "!room2:example.org", MeshtasticChannel: 2},
		},
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.rooms["!room1:example.org"] = 0
	s.rooms["!room2:example.org"] = 2
	return s
}

func TestChannelForRoomAndInverse(t *testing.T) {
	s := newTestSession(t)

	ch, ok := s.ChannelForRoom("!room2:example.org")
	if !ok || ch != 2 {
		t.Fatalf("ChannelForRoom = (%d, %v), want (2, true)", ch, ok)
	}

	if _, ok := s.ChannelForRoom("!unknown:example.org"); ok {
		t.Fatal("ChannelForRoom should miss for unmapped room")
	}

	room, ok := s.RoomForChannel(0)
	if !ok || room != "!room1:example.org" {
		t.Fatalf("RoomForChannel = (%q, %v), want (\"!room1:example.org\", true)", room, ok)
	}

	if _, ok := s.RoomForChannel(99); ok {
		t.Fatal("RoomForChannel should miss for unmapped channel")
	}
}

func TestOnEventDropsOwnMessages(t *testing.T) {
	s := newTestSession(t)
	var got *event.Event
	s.handler = func(_ context.Context, evt *event.Event) { got = evt }

	s.onEvent(context.Background(), &event.Event{
		Sender: id.UserID("@bot:example.org"),
	})

	if got != nil {
		t.Fatal("handler should not run for events from the bot's own user id")
	}
}

func TestOnEventDropsEventsBeforeBotStart(t *testing.T) {
	s := newTestSession(t)
	s.cfg.BotStartTime = time.Now()

	var got *event.Event
	s.handler = func(_ context.Context, evt *event.Event) { got = evt }

	s.onEvent(context.Background(), &event.Event{
		Sender:    id.UserID("@someone:example.org"),
		Timestamp: s.cfg.BotStartTime.Add(-time.Hour).UnixMilli(),
	})

	if got != nil {
		t.Fatal("handler should not run for events older than the bot start time")
	}
}

func TestOnEventDropsSuppressedEvents(t *testing.T) {
	s := newTestSession(t)
	var got *event.Event
	s.handler = func(_ context.Context, evt *event.Event) { got = evt }

	evt := &event.Event{Sender: id.UserID("@someone:example.org")}
	evt.Content.Raw = map[string]interface{}{"mmrelay_suppress": true}
	s.onEvent(context.Background(), evt)

	if got != nil {
		t.Fatal("handler should not run for mmrelay_suppress events")
	}
}

func TestOnEventDeliversRegularMessage(t *testing.T) {
	s := newTestSession(t)
	var got *event.Event
	s.handler = func(_ context.Context, evt *event.Event) { got = evt }

	evt := &event.Event{Sender: id.UserID("@someone:example.org")}
	s.onEvent(context.Background(), evt)

	if got != evt {
		t.Fatal("handler should run for a regular message from another user")
	}
}

func TestUserID(t *testing.T) {
	s := newTestSession(t)
	if s.UserID() != "@bot:example.org" {
		t.Fatalf("UserID = %q, want @bot:example.org", s.UserID())
	}
}
