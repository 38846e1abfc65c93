// Package prompt renders the prompts sent to the agent for each phase.
//
// Templates use {{name}} placeholders and {{#if name}}...{{/if}} blocks
// that are kept only when name is set and non-empty. Built-in templates
// can be overridden per file from a templates directory.
package prompt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	varRe      = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifOpenRe   = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
	ifCloseStr = "{{/if}}"
)

// Vars maps placeholder names to values.
type Vars map[string]string

// Render expands tmpl. Conditional blocks are resolved first, then
// placeholders are substituted in a single pass. Any placeholder left
// without a value is an error.
func Render(tmpl string, vars Vars) (string, error) {
	body, err := resolveConditionals(tmpl, vars)
	if err != nil {
		return "", err
	}

	var missing []string
	out := varRe.ReplaceAllStringFunc(body, func(match string) string {
		name := varRe.FindStringSubmatch(match)[1]
		if val, ok := vars[name]; ok {
			return val
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// resolveConditionals repeatedly resolves the innermost block: the last
// opening tag before the first closing tag.
func resolveConditionals(tmpl string, vars Vars) (string, error) {
	out := tmpl
	for {
		closeIdx := strings.Index(out, ifCloseStr)
		if closeIdx == -1 {
			break
		}
		opens := ifOpenRe.FindAllStringSubmatchIndex(out[:closeIdx], -1)
		if opens == nil {
			return "", errors.New("dangling {{/if}} without matching {{#if}}")
		}
		open := opens[len(opens)-1]
		name := out[open[2]:open[3]]

		var keep string
		if vars[name] != "" {
			keep = out[open[1]:closeIdx]
		}
		out = out[:open[0]] + keep + out[closeIdx+len(ifCloseStr):]
	}
	if loc := ifOpenRe.FindString(out); loc != "" {
		return "", fmt.Errorf("unclosed conditional block: %s", loc)
	}
	return out, nil
}

// Renderer loads templates from an override directory, falling back to the
// built-in set.
type Renderer struct {
	dir string
}

// NewRenderer returns a renderer reading overrides from dir. An empty dir
// uses only the built-in templates.
func NewRenderer(dir string) *Renderer {
	return &Renderer{dir: dir}
}

// Load returns the template source for name.
func (r *Renderer) Load(name string) (string, error) {
	if filepath.IsAbs(name) || name != filepath.Base(name) {
		return "", fmt.Errorf("template name %q must be a plain file name", name)
	}
	if r.dir != "" {
		data, err := os.ReadFile(filepath.Join(r.dir, name))
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("read template %s: %w", name, err)
		}
	}
	if tmpl, ok := builtinTemplates[name]; ok {
		return tmpl, nil
	}
	return "", fmt.Errorf("template %q not found", name)
}

// Render loads and renders the named template.
func (r *Renderer) Render(name string, vars Vars) (string, error) {
	tmpl, err := r.Load(name)
	if err != nil {
		return "", err
	}
	out, err := Render(tmpl, vars)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return out, nil
}

// Install writes the built-in templates into the override directory,
// leaving existing files alone. It returns the names written.
func (r *Renderer) Install() ([]string, error) {
	if r.dir == "" {
		return nil, errors.New("no templates directory configured")
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create templates dir: %w", err)
	}
	var written []string
	for _, name := range Names() {
		path := filepath.Join(r.dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(builtinTemplates[name]), 0o644); err != nil {
			return written, fmt.Errorf("write template %q: %w", name, err)
		}
		written = append(written, name)
	}
	return written, nil
}

// Names lists the built-in template names in order.
func Names() []string {
	names := make([]string, 0, len(builtinTemplates))
	for name := range builtinTemplates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
