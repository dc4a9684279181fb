package blueprint

import "reflect"

// maxScanDepth bounds tree recursion. A storage-format document deeper than
// this is beyond anything the page editor produces, so the scan stops
// descending and reports nothing below the cap.
const maxScanDepth = 100

// MarkerKind describes how one kind of marker appears in a document tree:
// which node types can carry it, the extension key that names the macro, and
// the attribute key holding its identifier.
type MarkerKind struct {
	Name         string
	NodeTypes    []string
	ExtensionKey string
	IDKey        string
}

var (
	// EmbedMarker matches placement macros; their identity attribute is the
	// placement's local id.
	EmbedMarker = MarkerKind{
		Name:         "embed",
		NodeTypes:    []string{"extension", "bodiedExtension", "inlineExtension"},
		ExtensionKey: "blueprint-embed",
		IDKey:        "localId",
	}

	// SourceMarker matches source macros; their identity attribute is the
	// source id.
	SourceMarker = MarkerKind{
		Name:         "source",
		NodeTypes:    []string{"extension", "bodiedExtension", "inlineExtension"},
		ExtensionKey: "blueprint-source",
		IDKey:        "excerptId",
	}
)

// ContainsMarker reports whether tree holds a marker of the given kind whose
// identifier equals targetID. Malformed or missing trees and trees deeper
// than maxScanDepth yield false, never an error.
//
// A false result from a healthy fetch is what triggers orphan handling, so
// the check is deliberately generous: the identifier is looked up in every
// encoding the editor has ever produced, and nodes whose extension key is
// absent are still considered. Misreading a foreign node as a marker can
// only suppress a deletion, never cause one.
func ContainsMarker(tree map[string]any, kind MarkerKind, targetID string) bool {
	if len(tree) == 0 || targetID == "" {
		return false
	}
	found := false
	w := &markerWalker{
		kind:    kind,
		visited: make(map[uintptr]struct{}),
		visit: func(id string) bool {
			if id == targetID {
				found = true
				return true
			}
			return false
		},
	}
	w.walkNode(tree, 0)
	return found
}

// ExtractMarkerIDs collects the identifier of every marker of the given kind
// in document order, collapsing duplicates. Malformed trees yield nil.
func ExtractMarkerIDs(tree map[string]any, kind MarkerKind) []string {
	if len(tree) == 0 {
		return nil
	}
	var ids []string
	seen := make(map[string]struct{})
	w := &markerWalker{
		kind:    kind,
		visited: make(map[uintptr]struct{}),
		visit: func(id string) bool {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
			return false
		},
	}
	w.walkNode(tree, 0)
	return ids
}

type markerWalker struct {
	kind    MarkerKind
	visited map[uintptr]struct{}
	visit   func(id string) bool // true stops the walk
}

// walkNode is a depth-first descent through content arrays. The visited set
// holds map identities on the current path only (added on entry, removed on
// exit), so shared subtrees are scanned from each path while cycles cannot
// recurse.
func (w *markerWalker) walkNode(node map[string]any, depth int) bool {
	if depth > maxScanDepth {
		return false
	}
	ptr := reflect.ValueOf(node).Pointer()
	if _, onPath := w.visited[ptr]; onPath {
		return false
	}
	w.visited[ptr] = struct{}{}
	defer delete(w.visited, ptr)

	if typ, _ := node["type"].(string); w.kind.matchesType(typ) {
		attrs, _ := node["attrs"].(map[string]any)
		if w.kind.matchesExtension(attrs) {
			if id, ok := markerID(attrs, w.kind.IDKey); ok && w.visit(id) {
				return true
			}
		}
	}

	children, _ := node["content"].([]any)
	for _, child := range children {
		childNode, ok := child.(map[string]any)
		if !ok {
			continue
		}
		if w.walkNode(childNode, depth+1) {
			return true
		}
	}
	return false
}

func (k MarkerKind) matchesType(nodeType string) bool {
	for _, t := range k.NodeTypes {
		if t == nodeType {
			return true
		}
	}
	return false
}

// matchesExtension checks the node's extension key when one is present. A
// matching node type with no extension key at all still counts as this kind.
func (k MarkerKind) matchesExtension(attrs map[string]any) bool {
	if k.ExtensionKey == "" {
		return true
	}
	key, ok := attrs["extensionKey"].(string)
	if !ok || key == "" {
		return true
	}
	return key == k.ExtensionKey
}

// markerID pulls the identifier out of a marker node's attribute bag. The
// editor has stored it at four spots over time: directly on attrs, under the
// parameters bag, under parameters.macroParams, and at any of those wrapped
// in a {value} box.
func markerID(attrs map[string]any, idKey string) (string, bool) {
	if id, ok := idString(attrs[idKey]); ok {
		return id, true
	}
	params, ok := attrs["parameters"].(map[string]any)
	if !ok {
		return "", false
	}
	if id, ok := idString(params[idKey]); ok {
		return id, true
	}
	macro, ok := params["macroParams"].(map[string]any)
	if !ok {
		return "", false
	}
	return idString(macro[idKey])
}

// idString accepts a bare string or a {value: string} box.
func idString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		if t != "" {
			return t, true
		}
	case map[string]any:
		if s, ok := t["value"].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}
