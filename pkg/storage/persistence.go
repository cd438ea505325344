// Package storage persists one graph level as a single JSON document and
// maintains tiered rotating backups beside it.
//
// On-disk document shape:
//
//	{
//	  "nodes": {"<id>": {...}},
//	  "edges": {"<from>-><to>:<rel>": {...}},
//	  "_meta": {"versions": {"node:<id>": {...}, "edge:...": {...}}}
//	}
//
// Writes are atomic: the document goes to <stem>.tmp, is fsynced, then
// renamed over the real file. A crash mid-save leaves the previous file
// intact. Loads are forgiving: a missing or malformed file yields an
// empty graph and the service keeps running; the graph in memory is the
// source of truth and will overwrite the bad file on the next save.
package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/orneryd/muninn/pkg/graph"
)

// document is the JSON file layout. Edge map keys are the canonical
// "from->to:rel" strings; the authoritative triple lives in the edge
// value itself.
type document struct {
	Nodes map[string]*graph.Node `json:"nodes"`
	Edges map[string]*graph.Edge `json:"edges"`
	Meta  meta                   `json:"_meta"`
}

type meta struct {
	Versions map[string]*graph.Version `json:"versions"`
}

// Persistence handles load, atomic save, and backup rotation for a single
// graph file. Not safe for concurrent use; the store serializes access.
type Persistence struct {
	path  string
	nowFn func() float64
}

// NewPersistence builds a persistence handler for path. nowFn supplies
// the clock for backup gating; pass nil for real time.
func NewPersistence(path string, nowFn func() float64) *Persistence {
	if nowFn == nil {
		nowFn = graph.Now
	}
	return &Persistence{path: path, nowFn: nowFn}
}

// Path returns the graph file path.
func (p *Persistence) Path() string {
	return p.path
}

// stem is the path with its extension stripped; backup and marker names
// derive from it ("user.json" -> "user.bak.1", "user.last_backup").
func (p *Persistence) stem() string {
	return strings.TrimSuffix(p.path, filepath.Ext(p.path))
}

func (p *Persistence) tempPath() string   { return p.stem() + ".tmp" }
func (p *Persistence) markerPath() string { return p.stem() + ".last_backup" }

// Load reads the graph and version records from disk.
//
// A missing file is a fresh start, not an error. A malformed file is
// logged and also yields empty structures so the service can continue.
func (p *Persistence) Load() (*graph.Graph, map[string]*graph.Version) {
	g := graph.NewGraph()
	versions := make(map[string]*graph.Version)

	data, err := os.ReadFile(p.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("failed to read graph from %s: %v", p.path, err)
		}
		return g, versions
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Printf("failed to parse graph from %s: %v", p.path, err)
		return g, versions
	}

	for id, node := range doc.Nodes {
		if node == nil {
			continue
		}
		node.ID = id
		g.Nodes[id] = node
	}
	// The triple in the edge value is authoritative; the string key is
	// only a rendering of it.
	for _, edge := range doc.Edges {
		if edge == nil {
			continue
		}
		g.Edges[edge.Key()] = edge
	}
	for key, ver := range doc.Meta.Versions {
		if ver != nil {
			versions[key] = ver
		}
	}

	log.Printf("loaded graph from %s: %d nodes, %d edges", p.path, len(g.Nodes), len(g.Edges))
	return g, versions
}

// Save writes the graph atomically: marshal, write <stem>.tmp, fsync,
// rename over the real file. The temp file is removed on any failure.
func (p *Persistence) Save(g *graph.Graph, versions map[string]*graph.Version) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("creating graph directory: %w", err)
	}

	doc := document{
		Nodes: g.Nodes,
		Edges: make(map[string]*graph.Edge, len(g.Edges)),
		Meta:  meta{Versions: versions},
	}
	for key, edge := range g.Edges {
		doc.Edges[key.StorageKey()] = edge
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling graph: %w", err)
	}

	tmp := p.tempPath()
	if err := p.writeAndSync(tmp, data); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}

func (p *Persistence) writeAndSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	return nil
}

// copyFile copies src to dst preserving the source mtime. The tier
// promotion checks compare mtimes, so a copy must not look freshly
// written.
func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
