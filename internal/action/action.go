// Package action defines the typed boundary between callers and the policy
// engine. Raw JSON envelopes are validated and decoded exactly once here;
// downstream components switch on the concrete variant instead of probing
// loosely-typed maps.
package action

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalid marks a malformed or schema-violating action envelope.
var ErrInvalid = errors.New("invalid action")

// PathField is a named path-shaped field on an action.
type PathField struct {
	Name  string
	Value string
}

// Action is one decoded action variant.
type Action interface {
	// Name is the catalog key, e.g. "write_file".
	Name() string
	// Mutating reports whether the action has externally visible effects.
	Mutating() bool
	// PathFields lists the path-shaped fields subject to sandbox resolution.
	PathFields() []PathField
	// WithPaths returns a copy with path fields replaced by resolved values,
	// keyed by field name. Unknown keys are ignored.
	WithPaths(resolved map[string]string) Action
	// Envelope renders the action back to its wire form for audit storage.
	Envelope() map[string]any
}

// ReadFile reads a file inside the sandbox.
type ReadFile struct {
	Path string
}

func (a ReadFile) Name() string           { return "read_file" }
func (a ReadFile) Mutating() bool         { return false }
func (a ReadFile) PathFields() []PathField { return []PathField{{"path", a.Path}} }
func (a ReadFile) WithPaths(r map[string]string) Action {
	if v, ok := r["path"]; ok {
		a.Path = v
	}
	return a
}
func (a ReadFile) Envelope() map[string]any {
	return map[string]any{"action": a.Name(), "path": a.Path}
}

// ListDir lists a directory inside the sandbox.
type ListDir struct {
	Path string
}

func (a ListDir) Name() string            { return "list_dir" }
func (a ListDir) Mutating() bool          { return false }
func (a ListDir) PathFields() []PathField { return []PathField{{"path", a.Path}} }
func (a ListDir) WithPaths(r map[string]string) Action {
	if v, ok := r["path"]; ok {
		a.Path = v
	}
	return a
}
func (a ListDir) Envelope() map[string]any {
	return map[string]any{"action": a.Name(), "path": a.Path}
}

// WriteFile writes content to a file inside the sandbox.
type WriteFile struct {
	Path    string
	Content string
}

func (a WriteFile) Name() string            { return "write_file" }
func (a WriteFile) Mutating() bool          { return true }
func (a WriteFile) PathFields() []PathField { return []PathField{{"path", a.Path}} }
func (a WriteFile) WithPaths(r map[string]string) Action {
	if v, ok := r["path"]; ok {
		a.Path = v
	}
	return a
}
func (a WriteFile) Envelope() map[string]any {
	return map[string]any{"action": a.Name(), "path": a.Path, "content": a.Content}
}

// EditFile replaces one occurrence of OldText with NewText in a file.
type EditFile struct {
	Path    string
	OldText string
	NewText string
}

func (a EditFile) Name() string            { return "edit_file" }
func (a EditFile) Mutating() bool          { return true }
func (a EditFile) PathFields() []PathField { return []PathField{{"path", a.Path}} }
func (a EditFile) WithPaths(r map[string]string) Action {
	if v, ok := r["path"]; ok {
		a.Path = v
	}
	return a
}
func (a EditFile) Envelope() map[string]any {
	return map[string]any{"action": a.Name(), "path": a.Path, "old_text": a.OldText, "new_text": a.NewText}
}

// DeletePath removes a file or directory inside the sandbox.
type DeletePath struct {
	Path string
}

func (a DeletePath) Name() string            { return "delete_path" }
func (a DeletePath) Mutating() bool          { return true }
func (a DeletePath) PathFields() []PathField { return []PathField{{"path", a.Path}} }
func (a DeletePath) WithPaths(r map[string]string) Action {
	if v, ok := r["path"]; ok {
		a.Path = v
	}
	return a
}
func (a DeletePath) Envelope() map[string]any {
	return map[string]any{"action": a.Name(), "path": a.Path}
}

// Exec runs a shell command.
type Exec struct {
	Cmd string
	Cwd string
}

func (a Exec) Name() string   { return "exec" }
func (a Exec) Mutating() bool { return true }
func (a Exec) PathFields() []PathField {
	if a.Cwd == "" {
		return nil
	}
	return []PathField{{"cwd", a.Cwd}}
}
func (a Exec) WithPaths(r map[string]string) Action {
	if v, ok := r["cwd"]; ok {
		a.Cwd = v
	}
	return a
}
func (a Exec) Envelope() map[string]any {
	return map[string]any{"action": a.Name(), "cmd": a.Cmd, "cwd": a.Cwd}
}

// RunTests runs a test command; distinct from Exec so the catalog can give it
// a longer timeout and a lower tier.
type RunTests struct {
	Cmd string
	Cwd string
}

func (a RunTests) Name() string   { return "run_tests" }
func (a RunTests) Mutating() bool { return true }
func (a RunTests) PathFields() []PathField {
	if a.Cwd == "" {
		return nil
	}
	return []PathField{{"cwd", a.Cwd}}
}
func (a RunTests) WithPaths(r map[string]string) Action {
	if v, ok := r["cwd"]; ok {
		a.Cwd = v
	}
	return a
}
func (a RunTests) Envelope() map[string]any {
	return map[string]any{"action": a.Name(), "cmd": a.Cmd, "cwd": a.Cwd}
}

// HTTPRequest performs an outbound HTTP call.
type HTTPRequest struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    string
}

func (a HTTPRequest) Name() string                       { return "http_request" }
func (a HTTPRequest) Mutating() bool                     { return true }
func (a HTTPRequest) PathFields() []PathField            { return nil }
func (a HTTPRequest) WithPaths(map[string]string) Action { return a }
func (a HTTPRequest) Envelope() map[string]any {
	env := map[string]any{"action": a.Name(), "url": a.URL, "method": a.Method}
	if len(a.Headers) > 0 {
		env["headers"] = a.Headers
	}
	if a.Body != "" {
		env["body"] = a.Body
	}
	return env
}

// Host returns the lowercase hostname of the request URL, or "".
func (a HTTPRequest) Host() string {
	u, err := url.Parse(a.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Unknown carries an envelope whose action name has no decoder. The policy
// engine decides what to do with it; unknown names are never auto-allowed.
type Unknown struct {
	ActionName string
	Fields     map[string]any
}

func (a Unknown) Name() string   { return a.ActionName }
func (a Unknown) Mutating() bool { return true }
func (a Unknown) PathFields() []PathField {
	var out []PathField
	for _, name := range []string{"path", "cwd", "dest", "target", "source"} {
		if v, ok := a.Fields[name].(string); ok && v != "" {
			out = append(out, PathField{name, v})
		}
	}
	return out
}
func (a Unknown) WithPaths(r map[string]string) Action {
	fields := make(map[string]any, len(a.Fields))
	for k, v := range a.Fields {
		fields[k] = v
	}
	for k, v := range r {
		fields[k] = v
	}
	a.Fields = fields
	return a
}
func (a Unknown) Envelope() map[string]any {
	env := map[string]any{"action": a.ActionName}
	for k, v := range a.Fields {
		env[k] = v
	}
	return env
}

func stringField(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return v
}

// fromEnvelope builds the concrete variant for a validated envelope.
func fromEnvelope(name string, fields map[string]any) (Action, error) {
	switch name {
	case "read_file":
		return ReadFile{Path: stringField(fields, "path")}, nil
	case "list_dir":
		return ListDir{Path: stringField(fields, "path")}, nil
	case "write_file":
		return WriteFile{Path: stringField(fields, "path"), Content: stringField(fields, "content")}, nil
	case "edit_file":
		return EditFile{
			Path:    stringField(fields, "path"),
			OldText: stringField(fields, "old_text"),
			NewText: stringField(fields, "new_text"),
		}, nil
	case "delete_path":
		return DeletePath{Path: stringField(fields, "path")}, nil
	case "exec":
		return Exec{Cmd: stringField(fields, "cmd"), Cwd: stringField(fields, "cwd")}, nil
	case "run_tests":
		return RunTests{Cmd: stringField(fields, "cmd"), Cwd: stringField(fields, "cwd")}, nil
	case "http_request":
		headers := map[string]string{}
		if raw, ok := fields["headers"].(map[string]any); ok {
			for k, v := range raw {
				if s, ok := v.(string); ok {
					headers[k] = s
				}
			}
		}
		return HTTPRequest{
			URL:     stringField(fields, "url"),
			Method:  stringField(fields, "method"),
			Headers: headers,
			Body:    stringField(fields, "body"),
		}, nil
	default:
		return Unknown{ActionName: name, Fields: fields}, nil
	}
}

// ResolvePaths runs every path field through resolve and returns a sanitized
// copy. The first failing field aborts with its name in the error.
func ResolvePaths(act Action, resolve func(string) (string, error)) (Action, error) {
	fields := act.PathFields()
	if len(fields) == 0 {
		return act, nil
	}
	resolved := make(map[string]string, len(fields))
	for _, f := range fields {
		abs, err := resolve(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		resolved[f.Name] = abs
	}
	return act.WithPaths(resolved), nil
}
