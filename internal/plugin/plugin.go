// Package plugin defines the plugin dispatch contract (spec C8). Plugin
// implementations themselves are out of scope for the core; this package
// only owns the contract and the priority-sorted dispatcher every received
// message in either direction is offered to.
package plugin

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mmrelay/mmrelay/pkg/types"
)

// Host is what a plugin needs from the relay to act on a message it
// consumes: replying on the mesh or in a Matrix room.
type Host interface {
	SendMeshText(ctx context.Context, text string, channel int) error
	SendMatrixText(ctx context.Context, roomID, text string) error
	// NodeIdentities returns every node identity learned so far, for
	// plugins like "nodes" that enumerate the mesh's node table.
	NodeIdentities() map[string]types.NodeIdentity
}

// Plugin is the dispatch contract every loaded plugin satisfies (spec
// §4.8). Returning true from either Handle method means "consumed, stop
// further processing".
type Plugin interface {
	Name() string
	Priority() int
	MatrixCommands() []string
	MeshCommands() []string
	HandleMesh(ctx context.Context, pkt types.Packet, formatted, longname, meshnet string) (bool, error)
	HandleMatrix(ctx context.Context, roomID, fullMessage string) (bool, error)
}

// Factory builds a Plugin bound to a Host and a config map, mirroring the
// teacher's ProcessorFactory shape (dyuri-mqtt2irc/internal/bridge/processor.go).
type Factory func(host Host, config map[string]interface{}) (Plugin, error)

var registry = map[string]Factory{}

// Register adds a Factory to the global registry under name. Called from
// builtin plugin packages' init().
func Register(name string, factory Factory) {
	registry[name] = factory
}

// New instantiates a registered plugin by name.
func New(name string, host Host, config map[string]interface{}) (Plugin, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, errUnknownPlugin(name)
	}
	return factory(host, config)
}

type errUnknownPlugin string

func (e errUnknownPlugin) Error() string { return "plugin: unknown plugin " + string(e) }

// Dispatcher holds a priority-sorted, immutable-after-construction list of
// loaded plugins and offers each message to them in order.
type Dispatcher struct {
	plugins []Plugin
	logger  zerolog.Logger
}

// NewDispatcher sorts plugins by ascending Priority (lower runs first,
// matching spec §4.8) and returns a ready-to-use Dispatcher.
func NewDispatcher(plugins []Plugin, logger zerolog.Logger) *Dispatcher {
	sorted := make([]Plugin, len(plugins))
	copy(sorted, plugins)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Priority() < sorted[j-1].Priority(); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return &Dispatcher{plugins: sorted, logger: logger.With().Str("component", "plugin").Logger()}
}

// DispatchMesh offers pkt to each plugin in priority order. Stops at the
// first plugin that returns consumed=true. A panicking plugin is recovered,
// logged, and skipped — later plugins still run (spec §4.8 "Exceptions in
// one handler are logged and do not prevent later handlers from running").
func (d *Dispatcher) DispatchMesh(ctx context.Context, pkt types.Packet, formatted, longname, meshnet string) (consumed bool) {
	for _, p := range d.plugins {
		if d.callMesh(ctx, p, pkt, formatted, longname, meshnet) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) callMesh(ctx context.Context, p Plugin, pkt types.Packet, formatted, longname, meshnet string) (consumed bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("plugin", p.Name()).Interface("panic", r).Msg("plugin panicked, skipping")
			consumed = false
		}
	}()
	ok, err := p.HandleMesh(ctx, pkt, formatted, longname, meshnet)
	if err != nil {
		d.logger.Error().Err(err).Str("plugin", p.Name()).Msg("plugin error, skipping")
		return false
	}
	return ok
}

// DispatchMatrix is DispatchMesh's Matrix-side counterpart.
func (d *Dispatcher) DispatchMatrix(ctx context.Context, roomID, fullMessage string) (consumed bool) {
	for _, p := range d.plugins {
		if d.callMatrix(ctx, p, roomID, fullMessage) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) callMatrix(ctx context.Context, p Plugin, roomID, fullMessage string) (consumed bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("plugin", p.Name()).Interface("panic", r).Msg("plugin panicked, skipping")
			consumed = false
		}
	}()
	ok, err := p.HandleMatrix(ctx, roomID, fullMessage)
	if err != nil {
		d.logger.Error().Err(err).Str("plugin", p.Name()).Msg("plugin error, skipping")
		return false
	}
	return ok
}

// MatrixCommands aggregates every loaded plugin's matrix command tokens,
// for the Matrix→mesh translator's command-claim check (spec §4.7).
func (d *Dispatcher) MatrixCommands() map[string]bool {
	out := make(map[string]bool)
	for _, p := range d.plugins {
		for _, cmd := range p.MatrixCommands() {
			out[cmd] = true
		}
	}
	return out
}
