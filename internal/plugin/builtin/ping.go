// Package builtin ships the two reference plugins the core needs to
// exercise the plugin dispatch contract against (spec §4.8): ping and
// nodes. Real plugins (weather, map rendering, telemetry graphing) are out
// of scope for this repo.
package builtin

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"github.com/mmrelay/mmrelay/internal/plugin"
	"github.com/mmrelay/mmrelay/pkg/types"
)

func init() {
	plugin.Register("ping", newPing)
}

// pingPattern matches "ping" followed by any run of punctuation marks and
// then a non-word character or the end of the text; group 1 is the word
// with its punctuation. Grounded on original_source/plugins/ping_plugin.py's
// regex.
var pingPattern = regexp.MustCompile(`(?i)\b(ping[[:punct:]]*)(?:[^[:punct:]\w]|$)`)

type pingPlugin struct {
	host plugin.Host
}

func newPing(host plugin.Host, _ map[string]interface{}) (plugin.Plugin, error) {
	return &pingPlugin{host: host}, nil
}

func (p *pingPlugin) Name() string            { return "ping" }
func (p *pingPlugin) Priority() int           { return 50 }
func (p *pingPlugin) MatrixCommands() []string { return []string{"ping"} }
func (p *pingPlugin) MeshCommands() []string   { return []string{"ping"} }

func (p *pingPlugin) HandleMesh(ctx context.Context, pkt types.Packet, _, _, _ string) (bool, error) {
	if pkt.Kind != types.KindText {
		return false, nil
	}
	groups := pingPattern.FindStringSubmatch(strings.TrimSpace(pkt.Text))
	if groups == nil {
		return false, nil
	}
	match := groups[1]

	reply := pongFor(match)
	if err := p.host.SendMeshText(ctx, reply, pkt.Channel); err != nil {
		return false, err
	}
	return true, nil
}

// pongFor preserves the case of the matched "ping" and answers "Pong..."
// instead of echoing more than 5 trailing punctuation marks, matching the
// original's case-preservation and truncation rules.
func pongFor(matched string) string {
	punctuation := strings.TrimPrefix(strings.ToLower(matched), "ping")
	punctuation = matched[len(matched)-len(punctuation):]

	base := "pong"
	switch {
	case isAllUpper(matched):
		base = strings.ToUpper(base)
	case unicode.IsUpper(rune(matched[0])):
		base = strings.ToUpper(base[:1]) + base[1:]
	}

	if len(punctuation) > 5 {
		return "Pong..."
	}
	return base + punctuation
}

func isAllUpper(s string) bool {
	hasLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			hasLetter = true
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return hasLetter
}

func (p *pingPlugin) HandleMatrix(ctx context.Context, roomID, fullMessage string) (bool, error) {
	if !strings.Contains(strings.ToLower(strings.TrimSpace(fullMessage)), "ping") {
		return false, nil
	}
	if err := p.host.SendMatrixText(ctx, roomID, "pong!"); err != nil {
		return false, err
	}
	return true, nil
}
