// Package graph renders the optional per-tick revision-diff visualization
// (`--graph`): a directory tree of every path touched by a diff pass,
// adapted from the teacher's node.Node reconciliation tree into a
// dot/graphviz rendering of changed paths instead of git branch contents.
package graph

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/emicklei/dot"
	"github.com/goccy/go-graphviz"

	"github.com/wizdiff/wizdiff/delta"
)

// ChangeKind labels a path's status for node coloring.
type ChangeKind int

const (
	Created ChangeKind = iota
	Changed
	Deleted
)

func (k ChangeKind) color() string {
	switch k {
	case Created:
		return "darkgreen"
	case Changed:
		return "orange"
	case Deleted:
		return "red"
	default:
		return "black"
	}
}

// pathNode is a directory-tree node over slash-separated archive/entry
// paths, the same reconciliation shape the teacher's node.Node used for
// git tree paths, generalized here to carry a ChangeKind leaf label
// instead of a plain file/dir flag.
type pathNode struct {
	name     string
	isLeaf   bool
	kind     ChangeKind
	children []*pathNode
}

func newPathNode(name string) *pathNode { return &pathNode{name: name} }

func (n *pathNode) add(fullPath string, kind ChangeKind) {
	parts := strings.SplitN(fullPath, "/", 2)
	head := parts[0]
	for _, c := range n.children {
		if c.name == head {
			if len(parts) == 1 {
				c.isLeaf = true
				c.kind = kind
			} else {
				c.add(parts[1], kind)
			}
			return
		}
	}
	child := newPathNode(head)
	if len(parts) == 1 {
		child.isLeaf = true
		child.kind = kind
	} else {
		child.add(parts[1], kind)
	}
	n.children = append(n.children, child)
}

// Tree accumulates every path touched by one diff pass before rendering.
type Tree struct {
	root *pathNode
}

// NewTree starts an empty revision-diff tree.
func NewTree() *Tree {
	return &Tree{root: newPathNode("")}
}

// AddArchiveEntry records one inner archive entry's status under
// "<archiveName>/<entryName>".
func (t *Tree) AddArchiveEntry(archiveName, entryName string, kind ChangeKind) {
	t.root.add(archiveName+"/"+entryName, kind)
}

// AddFile records one top-level file's status.
func (t *Tree) AddFile(name string, kind ChangeKind) {
	t.root.add(name, kind)
}

// AddCreatedArchive folds a CreatedArchive's entry lists into the tree.
func (t *Tree) AddCreatedArchive(d delta.CreatedArchive) {
	t.AddFile(d.Name, Created)
	t.foldEntries(d.Name, d.CreatedEntries, d.ChangedEntries, d.DeletedEntries)
}

// AddChangedArchive folds a ChangedArchive's entry lists into the tree.
func (t *Tree) AddChangedArchive(d delta.ChangedArchive) {
	t.AddFile(d.Name, Changed)
	t.foldEntries(d.Name, d.CreatedEntries, d.ChangedEntries, d.DeletedEntries)
}

// AddDeletedArchive folds a DeletedArchive's entry list into the tree.
func (t *Tree) AddDeletedArchive(d delta.DeletedArchive) {
	t.AddFile(d.Name, Deleted)
	t.foldEntries(d.Name, nil, nil, d.DeletedEntries)
}

func (t *Tree) foldEntries(archiveName string, created, changed, deleted []delta.ArchiveEntryDelta) {
	for _, e := range created {
		t.AddArchiveEntry(archiveName, e.Name, Created)
	}
	for _, e := range changed {
		t.AddArchiveEntry(archiveName, e.Name, Changed)
	}
	for _, e := range deleted {
		t.AddArchiveEntry(archiveName, e.Name, Deleted)
	}
}

// DOT renders the tree as a graphviz dot-language graph.
func (t *Tree) DOT() string {
	g := dot.NewGraph(dot.Directed)
	for _, c := range t.root.children {
		buildGraph(g, nil, c)
	}
	return g.String()
}

func buildGraph(g *dot.Graph, parent *dot.Node, n *pathNode) {
	node := g.Node(n.name)
	if n.isLeaf {
		node = node.Attr("color", n.kind.color())
	}
	if parent != nil {
		g.Edge(*parent, node)
	}
	for _, c := range n.children {
		buildGraph(g, &node, c)
	}
}

// RenderPNG writes the tree's dot graph as a PNG to path.
func RenderPNG(ctx context.Context, t *Tree, path string) error {
	gv := graphviz.New()
	g, err := graphviz.ParseBytes([]byte(t.DOT()))
	if err != nil {
		return fmt.Errorf("parse dot graph: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if err := gv.Render(ctx, g, graphviz.PNG, f); err != nil {
		return fmt.Errorf("render png: %w", err)
	}
	return nil
}
