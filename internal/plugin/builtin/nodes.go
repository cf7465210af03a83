package builtin

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mmrelay/mmrelay/internal/plugin"
	"github.com/mmrelay/mmrelay/pkg/types"
)

func init() {
	plugin.Register("nodes", newNodes)
}

type nodesPlugin struct {
	host plugin.Host
}

func newNodes(host plugin.Host, _ map[string]interface{}) (plugin.Plugin, error) {
	return &nodesPlugin{host: host}, nil
}

func (p *nodesPlugin) Name() string             { return "nodes" }
func (p *nodesPlugin) Priority() int            { return 60 }
func (p *nodesPlugin) MatrixCommands() []string { return []string{"nodes"} }
func (p *nodesPlugin) MeshCommands() []string   { return nil }

// HandleMesh never consumes a mesh packet; original_source/plugins/nodes_plugin.py's
// handle_meshtastic_message always returns False too.
func (p *nodesPlugin) HandleMesh(context.Context, types.Packet, string, string, string) (bool, error) {
	return false, nil
}

func (p *nodesPlugin) HandleMatrix(ctx context.Context, roomID, fullMessage string) (bool, error) {
	if !strings.Contains(strings.ToLower(strings.TrimSpace(fullMessage)), "nodes") {
		return false, nil
	}
	if err := p.host.SendMatrixText(ctx, roomID, p.generateResponse()); err != nil {
		return false, err
	}
	return true, nil
}

// generateResponse renders the known node table, grounded on
// original_source/plugins/nodes_plugin.py's generate_response — simplified
// to the long/short name pairs this repo's identity cache actually tracks
// (device metrics/telemetry are a plugin concern, not core C1/C4 state).
func (p *nodesPlugin) generateResponse() string {
	identities := p.host.NodeIdentities()

	ids := make([]string, 0, len(identities))
	for id := range identities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	fmt.Fprintf(&b, ">**Nodes: %d**", len(ids))
	for _, id := range ids {
		info := identities[id]
		fmt.Fprintf(&b, "\n\n>**%s** %s\n>%s", info.ShortName, info.LongName, id)
	}
	return b.String()
}
