// Package pipewire decodes pw-dump output into a queryable object graph.
//
// pw-dump prints a JSON array of objects; with --monitor it keeps printing
// arrays of changed objects. A removed object appears as {"id": N, "info": null}.
package pipewire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

const (
	TypeNode     = "PipeWire:Interface:Node"
	TypeMetadata = "PipeWire:Interface:Metadata"

	MediaClassSource = "Audio/Source"
	// MediaClassVirtualSource covers loopback and filter-chain sources.
	MediaClassVirtualSource = "Audio/Source/Virtual"

	// DefaultMetadata is the metadata object holding default routes.
	DefaultMetadata = "default"
)

// DefaultSourceKeys are consulted in order for the default input node name.
var DefaultSourceKeys = []string{"default.audio.source", "default.bluez.source"}

// Node is a PipeWire node.
type Node struct {
	ID          int64
	Name        string
	Description string
	MediaClass  string
	Path        string
	// Serial is object.serial, or -1 when absent.
	Serial int64
	Props  map[string]string
}

// IsSource reports whether the node captures audio.
func (n *Node) IsSource() bool {
	return n.MediaClass == MediaClassSource || n.MediaClass == MediaClassVirtualSource
}

type rawObject struct {
	ID       int64           `json:"id"`
	Type     string          `json:"type"`
	Info     json.RawMessage `json:"info"`
	Props    map[string]any  `json:"props"`
	Metadata json.RawMessage `json:"metadata"`
}

type rawInfo struct {
	Props map[string]any `json:"props"`
}

type rawMetadataEntry struct {
	Subject int64           `json:"subject"`
	Key     string          `json:"key"`
	Type    string          `json:"type"`
	Value   json.RawMessage `json:"value"`
}

// Graph is the current set of nodes and metadata. It is not safe for
// concurrent use.
type Graph struct {
	nodes     map[int64]*Node
	metadata  map[string]map[string]json.RawMessage
	metaNames map[int64]string
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:     make(map[int64]*Node),
		metadata:  make(map[string]map[string]json.RawMessage),
		metaNames: make(map[int64]string),
	}
}

// Apply merges one pw-dump batch into the graph.
func (g *Graph) Apply(batch []json.RawMessage) error {
	for _, msg := range batch {
		var obj rawObject
		if err := json.Unmarshal(msg, &obj); err != nil {
			return fmt.Errorf("pipewire: decode object: %w", err)
		}
		g.applyObject(&obj)
	}
	return nil
}

func (g *Graph) applyObject(obj *rawObject) {
	if isNull(obj.Info) && obj.Type == "" {
		g.remove(obj.ID)
		return
	}

	switch obj.Type {
	case TypeNode:
		if len(obj.Info) == 0 || isNull(obj.Info) {
			g.remove(obj.ID)
			return
		}
		var info rawInfo
		if err := json.Unmarshal(obj.Info, &info); err != nil {
			return
		}
		g.nodes[obj.ID] = newNode(obj.ID, info.Props)

	case TypeMetadata:
		name := g.metaNames[obj.ID]
		if n := stringify(obj.Props["metadata.name"]); n != "" {
			name = n
		}
		if name == "" {
			return
		}
		g.metaNames[obj.ID] = name
		if isNull(obj.Metadata) {
			delete(g.metadata, name)
			return
		}
		var entries []rawMetadataEntry
		if err := json.Unmarshal(obj.Metadata, &entries); err != nil {
			return
		}
		keys := g.metadata[name]
		if keys == nil {
			keys = make(map[string]json.RawMessage)
			g.metadata[name] = keys
		}
		for _, e := range entries {
			if e.Subject != 0 {
				continue
			}
			if len(e.Value) == 0 || isNull(e.Value) {
				delete(keys, e.Key)
				continue
			}
			keys[e.Key] = e.Value
		}
	}
}

func (g *Graph) remove(id int64) {
	delete(g.nodes, id)
	if name, ok := g.metaNames[id]; ok {
		delete(g.metadata, name)
		delete(g.metaNames, id)
	}
}

func newNode(id int64, props map[string]any) *Node {
	n := &Node{ID: id, Serial: -1, Props: make(map[string]string, len(props))}
	for k, v := range props {
		n.Props[k] = stringify(v)
	}
	n.Name = n.Props["node.name"]
	n.Description = n.Props["node.description"]
	if n.Description == "" {
		n.Description = n.Props["node.nick"]
	}
	if n.Description == "" {
		n.Description = n.Name
	}
	n.MediaClass = n.Props["media.class"]
	n.Path = n.Props["object.path"]
	if s, err := strconv.ParseInt(n.Props["object.serial"], 10, 64); err == nil {
		n.Serial = s
	}
	return n
}

// Sources returns all audio source nodes.
func (g *Graph) Sources() []*Node {
	var out []*Node
	for _, n := range g.nodes {
		if n.IsSource() {
			out = append(out, n)
		}
	}
	return out
}

// NodeByName finds a source node by node.name.
func (g *Graph) NodeByName(name string) (*Node, bool) {
	for _, n := range g.nodes {
		if n.Name == name && n.IsSource() {
			return n, true
		}
	}
	return nil, false
}

// HasDefaultMetadata reports whether the "default" metadata object is known.
func (g *Graph) HasDefaultMetadata() bool {
	_, ok := g.metadata[DefaultMetadata]
	return ok
}

// DefaultSourceName returns the node name stored under the first populated
// DefaultSourceKeys entry.
func (g *Graph) DefaultSourceName() (string, bool) {
	keys, ok := g.metadata[DefaultMetadata]
	if !ok {
		return "", false
	}
	for _, k := range DefaultSourceKeys {
		if v, ok := keys[k]; ok {
			if name := metadataName(v); name != "" {
				return name, true
			}
		}
	}
	return "", false
}

// DefaultSource resolves the default input to its node.
func (g *Graph) DefaultSource() (*Node, bool) {
	name, ok := g.DefaultSourceName()
	if !ok {
		return nil, false
	}
	return g.NodeByName(name)
}

// metadataName accepts {"name": "..."} or a bare JSON string.
func metadataName(v json.RawMessage) string {
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(v, &obj); err == nil && obj.Name != "" {
		return obj.Name
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		// Older session managers store the JSON object as a string.
		if err := json.Unmarshal([]byte(s), &obj); err == nil && obj.Name != "" {
			return obj.Name
		}
		return s
	}
	return ""
}

// Stream decodes successive pw-dump arrays from r and calls fn with each.
// It returns nil at EOF.
func Stream(r io.Reader, fn func([]json.RawMessage) error) error {
	dec := json.NewDecoder(r)
	for {
		var batch []json.RawMessage
		if err := dec.Decode(&batch); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("pipewire: decode batch: %w", err)
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
