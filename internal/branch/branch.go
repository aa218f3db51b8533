// Package branch manages named, isolated copies of a node's engine.
//
// A branch is forked from the parent's current buffers (deep-copied),
// evolves through its own engine lineage, and is reconciled with the
// parent through the merge coordinator, the branch snapshot acting as the
// peer. Merging does not delete the branch.
package branch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/blockstate/internal/engine"
	"github.com/roach88/blockstate/internal/ir"
	"github.com/roach88/blockstate/internal/merge"
)

// MaxNameLength bounds branch names.
const MaxNameLength = 128

// Branch is one named branch.
type Branch struct {
	Name string
	// ParentDigest is the parent's combined digest at fork time.
	ParentDigest ir.Digest
	Engine       *engine.Engine
}

// Snapshot returns the branch's current snapshot.
func (b *Branch) Snapshot() ir.Snapshot {
	return b.Engine.Snapshot()
}

// Manager owns the branches of one parent engine. Like the engine it is
// not synchronized; the node actor serializes every call.
type Manager struct {
	parent   *engine.Engine
	coord    *merge.Coordinator
	logger   *slog.Logger
	branches map[string]*Branch
}

// NewManager creates a manager for parent. Merges go through coord.
func NewManager(parent *engine.Engine, coord *merge.Coordinator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		parent:   parent,
		coord:    coord,
		logger:   logger,
		branches: make(map[string]*Branch),
	}
}

// NormalizeName NFC-normalizes and validates a branch name.
func NormalizeName(name string) (string, error) {
	n := norm.NFC.String(strings.TrimSpace(name))
	if n == "" || len(n) > MaxNameLength || strings.IndexFunc(n, invalidNameRune) >= 0 {
		return "", ir.Errorf(ir.ErrInvalidBranchName, map[string]string{"name": name})
	}
	return n, nil
}

func invalidNameRune(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsControl(r) || r == '/'
}

// Fork creates branch name from the parent's current state.
func (m *Manager) Fork(ctx context.Context, name string) (ir.Snapshot, error) {
	n, err := NormalizeName(name)
	if err != nil {
		return ir.Snapshot{}, err
	}
	if _, exists := m.branches[n]; exists {
		return ir.Snapshot{}, ir.DuplicateBranch(n)
	}

	e, err := m.parent.Fork(ctx, m.nodeID(n))
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("fork %s: %w", n, err)
	}
	b := &Branch{
		Name:         n,
		ParentDigest: m.parent.Snapshot().Combined(),
		Engine:       e,
	}
	m.branches[n] = b

	m.logger.Info("branch forked",
		"branch", n,
		"parent", b.ParentDigest.Short(),
	)
	return e.Snapshot(), nil
}

// Update applies a dimension update to a branch only.
func (m *Manager) Update(ctx context.Context, name string, d ir.Dimension, data []byte) (ir.Snapshot, error) {
	b, err := m.lookup(name)
	if err != nil {
		return ir.Snapshot{}, err
	}
	return b.Engine.Update(ctx, d, data)
}

// Merge reconciles the parent with the branch's current snapshot.
func (m *Manager) Merge(ctx context.Context, name string) (merge.Result, error) {
	b, err := m.lookup(name)
	if err != nil {
		return merge.Result{}, err
	}
	res, err := m.coord.Merge(ctx, m.parent, b.Snapshot(), b.Engine.Buffers())
	if err != nil {
		return merge.Result{}, fmt.Errorf("merge branch %s: %w", b.Name, err)
	}
	m.logger.Info("branch merged",
		"branch", b.Name,
		"strategy", string(res.Strategy),
		"success", res.Success,
	)
	return res, nil
}

// Delete removes a branch. It reports whether the branch existed.
func (m *Manager) Delete(name string) bool {
	n, err := NormalizeName(name)
	if err != nil {
		return false
	}
	if _, ok := m.branches[n]; !ok {
		return false
	}
	delete(m.branches, n)
	m.logger.Info("branch deleted", "branch", n)
	return true
}

// Names returns branch names in sorted order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.branches))
	for n := range m.branches {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns a branch by name.
func (m *Manager) Get(name string) (*Branch, bool) {
	n, err := NormalizeName(name)
	if err != nil {
		return nil, false
	}
	b, ok := m.branches[n]
	return b, ok
}

// Len returns the number of branches.
func (m *Manager) Len() int {
	return len(m.branches)
}

// Export returns every branch in name order.
func (m *Manager) Export() []ir.BranchExport {
	out := make([]ir.BranchExport, 0, len(m.branches))
	for _, n := range m.Names() {
		b := m.branches[n]
		out = append(out, ir.BranchExport{
			Name:         b.Name,
			ParentDigest: b.ParentDigest,
			State:        b.Engine.Export(),
		})
	}
	return out
}

// Restore replaces all branches with exported ones. On error no branch is
// changed.
func (m *Manager) Restore(ctx context.Context, exps []ir.BranchExport) error {
	restored := make(map[string]*Branch, len(exps))
	for _, exp := range exps {
		n, err := NormalizeName(exp.Name)
		if err != nil {
			return err
		}
		if _, dup := restored[n]; dup {
			return ir.DuplicateBranch(n)
		}
		e, err := m.parent.Spawn(m.nodeID(n))
		if err != nil {
			return err
		}
		if err := e.Restore(ctx, exp.State); err != nil {
			return fmt.Errorf("restore branch %s: %w", n, err)
		}
		restored[n] = &Branch{Name: n, ParentDigest: exp.ParentDigest, Engine: e}
	}
	m.branches = restored
	return nil
}

func (m *Manager) lookup(name string) (*Branch, error) {
	n, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}
	b, ok := m.branches[n]
	if !ok {
		return nil, ir.UnknownBranch(n)
	}
	return b, nil
}

func (m *Manager) nodeID(name string) string {
	return m.parent.NodeID() + "/" + name
}
