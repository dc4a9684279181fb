package blueprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
)

var variablePattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// RenderSource produces the content one placement should display: the
// Source body with the placement's variable values substituted, toggled-off
// sections removed, and placement-local insertions spliced in. The inputs
// are never mutated. Rendering is best-effort: unknown node shapes are
// copied through verbatim.
func RenderSource(source *Source, embed *Embed) map[string]any {
	if source == nil || len(source.Body) == 0 {
		return map[string]any{}
	}
	vars := resolveVariables(source, embed)
	toggles := resolveToggles(source, embed)
	rendered, _ := renderNode(source.Body, vars, toggles).(map[string]any)
	if rendered == nil {
		rendered = map[string]any{}
	}
	if embed != nil && len(embed.Insertions) > 0 {
		rendered = applyInsertions(rendered, embed.Insertions)
	}
	return rendered
}

// resolveVariables layers the placement's values over the declared defaults.
func resolveVariables(source *Source, embed *Embed) map[string]string {
	vars := make(map[string]string, len(source.Variables))
	for _, def := range source.Variables {
		vars[def.Name] = def.DefaultValue
	}
	if embed != nil {
		for name, value := range embed.Variables {
			vars[name] = value
		}
	}
	return vars
}

func resolveToggles(source *Source, embed *Embed) map[string]bool {
	toggles := make(map[string]bool, len(source.Toggles))
	for _, def := range source.Toggles {
		toggles[def.Name] = def.DefaultEnabled
	}
	if embed != nil {
		for name, on := range embed.Toggles {
			toggles[name] = on
		}
	}
	return toggles
}

// renderNode deep-copies the value, substituting variables in text nodes and
// dropping toggled-off children.
func renderNode(v any, vars map[string]string, toggles map[string]bool) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, val := range node {
			if k == "content" {
				if children, ok := val.([]any); ok {
					out[k] = renderChildren(children, vars, toggles)
					continue
				}
			}
			if k == "text" {
				if text, ok := val.(string); ok {
					out[k] = substituteVariables(text, vars)
					continue
				}
			}
			out[k] = renderNode(val, vars, toggles)
		}
		return out
	case []any:
		out := make([]any, 0, len(node))
		for _, item := range node {
			out = append(out, renderNode(item, vars, toggles))
		}
		return out
	default:
		return v
	}
}

func renderChildren(children []any, vars map[string]string, toggles map[string]bool) []any {
	out := make([]any, 0, len(children))
	for _, child := range children {
		if m, ok := child.(map[string]any); ok {
			if name, gated := toggleName(m); gated && !toggles[name] {
				continue
			}
		}
		out = append(out, renderNode(child, vars, toggles))
	}
	return out
}

// toggleName reports the toggle gating a node, if any. The editor stores it
// at attrs.toggle or attrs.parameters.toggle.
func toggleName(node map[string]any) (string, bool) {
	attrs, ok := node["attrs"].(map[string]any)
	if !ok {
		return "", false
	}
	if name, ok := attrs["toggle"].(string); ok && name != "" {
		return name, true
	}
	params, ok := attrs["parameters"].(map[string]any)
	if !ok {
		return "", false
	}
	if name, ok := params["toggle"].(string); ok && name != "" {
		return name, true
	}
	return "", false
}

// substituteVariables replaces {{name}} placeholders. Placeholders with no
// value stay visible so authors can spot them on the page.
func substituteVariables(text string, vars map[string]string) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return variablePattern.ReplaceAllStringFunc(text, func(match string) string {
		name := variablePattern.FindStringSubmatch(match)[1]
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
}

// applyInsertions splices each insertion's body after its anchor node in the
// root content list, or appends it when the anchor is empty or not present.
func applyInsertions(root map[string]any, insertions []Insertion) map[string]any {
	content, _ := root["content"].([]any)
	for _, ins := range insertions {
		if len(ins.Body) == 0 {
			continue
		}
		body, _ := copyTreeValue(ins.Body).(map[string]any)
		idx := -1
		if ins.Anchor != "" {
			for i, child := range content {
				if m, ok := child.(map[string]any); ok && nodeAnchor(m) == ins.Anchor {
					idx = i
					break
				}
			}
		}
		if idx < 0 {
			content = append(content, body)
			continue
		}
		content = append(content[:idx+1], append([]any{any(body)}, content[idx+1:]...)...)
	}
	root["content"] = content
	return root
}

// nodeAnchor is the identity insertions anchor to: attrs.anchor, falling
// back to attrs.localId.
func nodeAnchor(node map[string]any) string {
	attrs, ok := node["attrs"].(map[string]any)
	if !ok {
		return ""
	}
	if a, ok := attrs["anchor"].(string); ok && a != "" {
		return a
	}
	if id, ok := attrs["localId"].(string); ok && id != "" {
		return id
	}
	return ""
}

func copyTreeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = copyTreeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = copyTreeValue(val)
		}
		return out
	default:
		return v
	}
}

// HashContent fingerprints a document tree. Map keys marshal in sorted
// order, so equal trees hash equal regardless of construction order.
func HashContent(tree map[string]any) string {
	if len(tree) == 0 {
		return ""
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
