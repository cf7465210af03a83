// Package prefix renders the sender-identity prefix prepended to relayed
// messages in both directions (spec C2). It is a pure function library: no
// I/O, no state, safe to call from any goroutine.
package prefix

import (
	"strings"
	"text/template"

	"github.com/rs/zerolog"
)

const (
	// DefaultMeshToMatrix is used when mesh_to_matrix template is unset or
	// invalid.
	DefaultMeshToMatrix = "[{long}/{mesh}]: "
	// DefaultMatrixToMesh is used when matrix_to_mesh template is unset or
	// invalid.
	DefaultMatrixToMesh = "{display5}[M]: "

	maxTruncatedVars = 20
)

// MeshToMatrixVars is the variable set available to a mesh→Matrix template,
// grounded on matrix_utils.get_matrix_prefix's `{long, short, mesh, long1..20,
// mesh1..20}`.
type MeshToMatrixVars struct {
	Long, Short, Mesh string

	vars map[string]string
}

// MatrixToMeshVars is the variable set available to a Matrix→mesh template,
// grounded on matrix_utils.get_meshtastic_prefix's `{display, user, username,
// server, display1..20}`.
type MatrixToMeshVars struct {
	Display, User, Username, Server string

	vars map[string]string
}

func truncatedVariants(name, value string) map[string]string {
	out := make(map[string]string, maxTruncatedVars)
	runes := []rune(value)
	for n := 1; n <= maxTruncatedVars; n++ {
		cut := n
		if cut > len(runes) {
			cut = len(runes)
		}
		out[name+itoa(n)] = string(runes[:cut])
	}
	return out
}

func itoa(n int) string {
	// Small, fixed range (1..20): avoid pulling in strconv for a one-liner.
	digits := "0123456789"
	if n < 10 {
		return string(digits[n])
	}
	return string(digits[n/10]) + string(digits[n%10])
}

// NewMeshToMatrixVars builds the variable set for a given sender identity.
func NewMeshToMatrixVars(long, short, mesh string) MeshToMatrixVars {
	vars := map[string]string{"Long": long, "Short": short, "Mesh": mesh}
	for k, v := range truncatedVariants("Long", long) {
		vars[k] = v
	}
	for k, v := range truncatedVariants("Mesh", mesh) {
		vars[k] = v
	}
	return MeshToMatrixVars{Long: long, Short: short, Mesh: mesh, vars: vars}
}

// NewMatrixToMeshVars builds the variable set from a Matrix display name and
// user id (`@username:server`). server and username are empty when userID
// does not parse as a full Matrix id.
func NewMatrixToMeshVars(display, userID string) MatrixToMeshVars {
	username, server := splitUserID(userID)
	vars := map[string]string{
		"Display": display, "User": userID, "Username": username, "Server": server,
	}
	for k, v := range truncatedVariants("Display", display) {
		vars[k] = v
	}
	return MatrixToMeshVars{Display: display, User: userID, Username: username, Server: server, vars: vars}
}

func splitUserID(userID string) (username, server string) {
	if !strings.HasPrefix(userID, "@") {
		return "", ""
	}
	rest := userID[1:]
	idx := strings.Index(rest, ":")
	if idx < 0 {
		return rest, ""
	}
	return rest[:idx], rest[idx+1:]
}

// Formatter renders prefixes, falling back to a default template (and
// logging a warning) whenever the configured template is empty, fails to
// parse, or references an undefined variable.
type Formatter struct {
	logger zerolog.Logger
}

// New returns a Formatter that logs template fallbacks through logger.
func New(logger zerolog.Logger) *Formatter {
	return &Formatter{logger: logger.With().Str("component", "prefix").Logger()}
}

// MeshToMatrix renders tmpl against vars, falling back to
// DefaultMeshToMatrix on any error.
func (f *Formatter) MeshToMatrix(tmpl string, vars MeshToMatrixVars) string {
	if tmpl == "" {
		tmpl = DefaultMeshToMatrix
	}
	out, err := render("mesh_to_matrix", tmpl, vars.vars)
	if err != nil {
		f.logger.Warn().Err(err).Str("template", tmpl).Msg("invalid mesh_to_matrix prefix template, using default")
		out, _ = render("mesh_to_matrix_default", DefaultMeshToMatrix, vars.vars)
	}
	return out
}

// MatrixToMesh renders tmpl against vars, falling back to
// DefaultMatrixToMesh on any error.
func (f *Formatter) MatrixToMesh(tmpl string, vars MatrixToMeshVars) string {
	if tmpl == "" {
		tmpl = DefaultMatrixToMesh
	}
	out, err := render("matrix_to_mesh", tmpl, vars.vars)
	if err != nil {
		f.logger.Warn().Err(err).Str("template", tmpl).Msg("invalid matrix_to_mesh prefix template, using default")
		out, _ = render("matrix_to_mesh_default", DefaultMatrixToMesh, vars.vars)
	}
	return out
}

// ValidatePattern reports whether tmpl parses and executes cleanly against
// the given variable set, mirroring matrix_utils.validate_prefix_format so
// config validation (C.config) can warn at load time rather than at first
// use.
func ValidatePattern(tmpl string, sampleVars map[string]string) (bool, error) {
	_, err := render("validate", tmpl, sampleVars)
	return err == nil, err
}

func render(name, tmpl string, vars map[string]string) (string, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(toFieldTemplate(tmpl))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := t.Execute(&sb, vars); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// toFieldTemplate rewrites `{name}`-style placeholders (the spec's public
// vocabulary, matching the Python project's str.format syntax) into Go
// text/template `{{.name}}` actions against a map[string]string.
func toFieldTemplate(tmpl string) string {
	var sb strings.Builder
	for i := 0; i < len(tmpl); i++ {
		switch tmpl[i] {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				sb.WriteString("{{\"{\"}}")
				i++
				continue
			}
			end := strings.IndexByte(tmpl[i:], '}')
			if end < 0 {
				sb.WriteByte(tmpl[i])
				continue
			}
			name := tmpl[i+1 : i+end]
			sb.WriteString("{{.")
			sb.WriteString(capitalize(name))
			sb.WriteString("}}")
			i += end
		case '}':
			sb.WriteString("{{\"}\"}}")
		default:
			sb.WriteByte(tmpl[i])
		}
	}
	return sb.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	if r[0] >= 'a' && r[0] <= 'z' {
		r[0] = r[0] - ('a' - 'A')
	}
	return string(r)
}
