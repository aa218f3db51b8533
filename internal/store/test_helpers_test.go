package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/blockstate/internal/ir"
	"github.com/roach88/blockstate/internal/node"
	"github.com/roach88/blockstate/internal/router"
	"github.com/roach88/blockstate/internal/testutil"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// buildTestNode returns a running node with two updates, a branch and one
// queued message.
func buildTestNode(t *testing.T, id string) *node.Node {
	t.Helper()
	ctx := context.Background()
	net := router.NewMemoryNetwork()
	n, err := node.New(node.Config{
		ID:           id,
		Peer:         ir.PeerKey{Prefix: 1, Node: 1},
		Dimensions:   ir.MustDimensionSet("X", "Y"),
		Transport:    net,
		Reachability: net,
		IDs:          testutil.NewSequentialIDs(id),
		Logger:       slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	n.Start(ctx)
	t.Cleanup(n.Stop)

	_, err = n.Initialize(ctx, map[ir.Dimension][]byte{"X": {1, 2}, "Y": {3, 4}})
	require.NoError(t, err)
	_, err = n.Update(ctx, "X", []byte{9, 9})
	require.NoError(t, err)
	_, err = n.Update(ctx, "Y", []byte{})
	require.NoError(t, err)
	_, err = n.Fork(ctx, "exp")
	require.NoError(t, err)
	_, err = n.UpdateBranch(ctx, "exp", "X", []byte{7})
	require.NoError(t, err)

	peer := ir.PeerKey{Prefix: 1, Node: 2}
	net.SetDown(peer, true)
	_, err = n.Send(ctx, peer.Address(0), []byte("queued"))
	require.NoError(t, err)
	return n
}

// saveTestNode saves a freshly built node under id and returns its export.
func saveTestNode(t *testing.T, s *Store, id string) ir.NodeExport {
	t.Helper()
	exp, err := buildTestNode(t, id).ExportState(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.SaveNode(context.Background(), exp))
	return exp
}
