package relay

import (
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func TestStripQuotedLeadInRemovesQuoteBlockAndBlankLine(t *testing.T) {
	body := "> <@bot:example.org> [alice/homenet]: original text\n\nthis is the actual reply"
	got := stripQuotedLeadIn(body)
	if got != "this is the actual reply" {
		t.Fatalf("stripQuotedLeadIn = %q", got)
	}
}

func TestStripQuotedLeadInNoQuoteReturnsUnchanged(t *testing.T) {
	got := stripQuotedLeadIn("just a plain reply")
	if got != "just a plain reply" {
		t.Fatalf("stripQuotedLeadIn = %q", got)
	}
}

func TestStripRecognizedPrefixRemovesBracketedPrefix(t *testing.T) {
	got := stripRecognizedPrefix("[Alice/homenet]: hello there")
	if got != "hello there" {
		t.Fatalf("stripRecognizedPrefix = %q", got)
	}
}

func TestStripRecognizedPrefixLeavesUnprefixedTextAlone(t *testing.T) {
	got := stripRecognizedPrefix("hello there")
	if got != "hello there" {
		t.Fatalf("stripRecognizedPrefix = %q", got)
	}
}

func TestMatchesCommandBangForm(t *testing.T) {
	if !matchesCommand("!ping", "ping", "@bot:example.org", "Bot") {
		t.Fatal("expected bang-form command to match")
	}
}

func TestMatchesCommandAddressedByUserID(t *testing.T) {
	if !matchesCommand("@bot:example.org: !ping", "ping", "@bot:example.org", "Bot") {
		t.Fatal("expected user-id-addressed command to match")
	}
}

func TestMatchesCommandAddressedByDisplayName(t *testing.T) {
	if !matchesCommand("Bot, !ping", "ping", "@bot:example.org", "Bot") {
		t.Fatal("expected display-name-addressed command to match")
	}
}

func TestMatchesCommandUnrelatedTextDoesNotMatch(t *testing.T) {
	if matchesCommand("just chatting about pings", "ping", "@bot:example.org", "Bot") {
		t.Fatal("expected plain mention not to match")
	}
}

func TestRawStringReturnsValueWhenPresent(t *testing.T) {
	evt := &event.Event{}
	evt.Content.Raw = map[string]interface{}{"meshtastic_meshnet": "homenet"}
	if got := rawString(evt, "meshtastic_meshnet"); got != "homenet" {
		t.Fatalf("rawString = %q, want homenet", got)
	}
}

func TestRawStringMissingKeyReturnsEmpty(t *testing.T) {
	evt := &event.Event{}
	evt.Content.Raw = map[string]interface{}{}
	if got := rawString(evt, "missing"); got != "" {
		t.Fatalf("rawString = %q, want empty", got)
	}
}

func TestMappingForCopiesEventIdentifiers(t *testing.T) {
	evt := &event.Event{ID: id.EventID("$abc"), RoomID: id.RoomID("!room:example.org")}
	got := mappingFor(evt, "hello", "homenet")
	if got.MatrixEventID != "$abc" || got.RoomID != "!room:example.org" || got.Text != "hello" || got.Meshnet != "homenet" {
		t.Fatalf("mappingFor = %+v", got)
	}
}
