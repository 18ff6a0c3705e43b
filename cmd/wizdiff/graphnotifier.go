package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/wizdiff/wizdiff/delta"
	"github.com/wizdiff/wizdiff/graph"
	"github.com/wizdiff/wizdiff/notifier"
)

// graphNotifier wraps another Notifier, accumulating each revision's
// deltas into a graph.Tree and rendering it to path once the revision's
// deltas have all been seen (i.e. when the next NotifyRevision fires, or
// the process exits). It never affects delivery to the wrapped notifier.
type graphNotifier struct {
	notifier.Notifier
	logger *logrus.Logger
	path   string
	tree   *graph.Tree
}

func newGraphNotifier(logger *logrus.Logger, wrapped notifier.Notifier, path string) *graphNotifier {
	return &graphNotifier{Notifier: wrapped, logger: logger, path: path, tree: graph.NewTree()}
}

func (g *graphNotifier) NotifyRevision(ctx context.Context, revision delta.RevisionAnnounced) error {
	g.flush(ctx)
	g.tree = graph.NewTree()
	return g.Notifier.NotifyRevision(ctx, revision)
}

func (g *graphNotifier) NotifyArchiveFile(ctx context.Context, d interface{}) error {
	switch v := d.(type) {
	case delta.CreatedArchive:
		g.tree.AddCreatedArchive(v)
	case delta.ChangedArchive:
		g.tree.AddChangedArchive(v)
	case delta.DeletedArchive:
		g.tree.AddDeletedArchive(v)
	}
	return g.Notifier.NotifyArchiveFile(ctx, d)
}

func (g *graphNotifier) NotifyPlainFile(ctx context.Context, d interface{}) error {
	switch v := d.(type) {
	case delta.FileCreated:
		g.tree.AddFile(v.Name, graph.Created)
	case delta.FileChanged:
		g.tree.AddFile(v.Name, graph.Changed)
	case delta.FileDeleted:
		g.tree.AddFile(v.Name, graph.Deleted)
	}
	return g.Notifier.NotifyPlainFile(ctx, d)
}

// flush renders the accumulated tree before it is reset; a tree with no
// paths is rendered as well.
func (g *graphNotifier) flush(ctx context.Context) {
	if g.path == "" {
		return
	}
	if err := graph.RenderPNG(ctx, g.tree, g.path); err != nil {
		g.logger.Warnf("graph: render failed: %v", err)
	}
}
