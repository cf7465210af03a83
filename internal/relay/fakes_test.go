package relay

import (
	"context"
	"sync"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"maunium.net/go/mautrix/event"

	"github.com/mmrelay/mmrelay/pkg/types"
)

// fakeMesh stands in for *mesh.Client in relay-level tests. It satisfies
// both MeshSender and queue.TransportProbe (same Attached/Connected/
// Reconnecting method set), matching how main wires the real client as
// both to the real Queue.
type fakeMesh struct {
	mu sync.Mutex

	texts   []sentText
	replies []sentReply
	datas   []sentData

	identities map[string]types.NodeIdentity

	attached, connected, reconnecting bool

	nextID uint32
}

type sentText struct {
	text    string
	channel int
}

type sentReply struct {
	text    string
	replyTo uint32
	channel int
}

type sentData struct {
	payload []byte
	channel int
	portnum meshtastic.PortNum
}

func newFakeMesh() *fakeMesh {
	return &fakeMesh{
		identities: make(map[string]types.NodeIdentity),
		attached:   true,
		connected:  true,
	}
}

func (f *fakeMesh) SendText(_ context.Context, text string, channel int) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.texts = append(f.texts, sentText{text: text, channel: channel})
	return f.nextID, nil
}

func (f *fakeMesh) SendTextReply(_ context.Context, text string, replyToMeshID uint32, channel int) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.replies = append(f.replies, sentReply{text: text, replyTo: replyToMeshID, channel: channel})
	return f.nextID, nil
}

func (f *fakeMesh) SendData(_ context.Context, payload []byte, channel int, portnum meshtastic.PortNum) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.datas = append(f.datas, sentData{payload: payload, channel: channel, portnum: portnum})
	return f.nextID, nil
}

func (f *fakeMesh) NodeIdentity(nodeID string) (types.NodeIdentity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.identities[nodeID]
	return id, ok
}

func (f *fakeMesh) NodeIdentities() map[string]types.NodeIdentity {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]types.NodeIdentity, len(f.identities))
	for k, v := range f.identities {
		out[k] = v
	}
	return out
}

func (f *fakeMesh) ForceReconnect() {}

func (f *fakeMesh) Attached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attached
}

func (f *fakeMesh) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeMesh) Reconnecting() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnecting
}

func (f *fakeMesh) snapshotTexts() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentText, len(f.texts))
	copy(out, f.texts)
	return out
}

func (f *fakeMesh) snapshotReplies() []sentReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentReply, len(f.replies))
	copy(out, f.replies)
	return out
}

// fakeSession stands in for *matrix.Session.
type fakeSession struct {
	mu sync.Mutex

	roomForChannel map[int]string
	channelForRoom map[string]int
	displayNames   map[string]string

	events []sentEvent

	nextEventSeq int
}

type sentEvent struct {
	roomID    string
	eventType event.Type
	content   map[string]interface{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		roomForChannel: make(map[int]string),
		channelForRoom: make(map[string]int),
		displayNames:   make(map[string]string),
	}
}

func (f *fakeSession) mapRoom(roomID string, channel int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roomForChannel[channel] = roomID
	f.channelForRoom[roomID] = channel
}

func (f *fakeSession) ChannelForRoom(roomID string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channelForRoom[roomID]
	return ch, ok
}

func (f *fakeSession) RoomForChannel(channel int) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	roomID, ok := f.roomForChannel[channel]
	return roomID, ok
}

func (f *fakeSession) SendEvent(roomID string, eventType event.Type, content interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextEventSeq++
	m, _ := content.(map[string]interface{})
	f.events = append(f.events, sentEvent{roomID: roomID, eventType: eventType, content: m})
	return eventIDFromSeq(f.nextEventSeq), nil
}

func (f *fakeSession) DisplayName(_ context.Context, _ string, userID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name, ok := f.displayNames[userID]; ok {
		return name
	}
	return userID
}

func (f *fakeSession) ForceReconnect() {}

func (f *fakeSession) snapshotEvents() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentEvent, len(f.events))
	copy(out, f.events)
	return out
}

func eventIDFromSeq(seq int) string {
	digits := "0123456789"
	if seq < 10 {
		return "$e" + string(digits[seq])
	}
	return "$e" + string(digits[seq/10]) + string(digits[seq%10])
}
