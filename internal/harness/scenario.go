package harness

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/blockstate/internal/ir"
)

// Scenario is a replication scenario: nodes on one network, the steps
// they take and the assertions that must hold afterwards.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Dimensions is the dimension set shared by every node. Empty means
	// the built-in five.
	Dimensions []string `yaml:"dimensions,omitempty"`

	// Codec is the hash codec name. Empty means sha256.
	Codec string `yaml:"codec,omitempty"`

	Nodes      []NodeSpec  `yaml:"nodes"`
	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// NodeSpec declares one node.
type NodeSpec struct {
	// ID names the node in steps and assertions.
	ID string `yaml:"id"`

	// Peer is the routing identity as prefix:node hex, e.g. "0001:0002".
	Peer string `yaml:"peer"`
}

// Step operations.
const (
	OpInit         = "init"
	OpUpdate       = "update"
	OpFork         = "fork"
	OpUpdateBranch = "update_branch"
	OpMergeBranch  = "merge_branch"
	OpDeleteBranch = "delete_branch"
	OpMergeFrom    = "merge_from"
	OpSend         = "send"
	OpSendState    = "send_state"
	OpSync         = "sync"
	OpReceive      = "receive"
	OpDrop         = "drop"
	OpFlush        = "flush"
	OpSetDown      = "set_down"
	OpSetUp        = "set_up"
	OpAdvance      = "advance"
)

// Step is one operation in a scenario.
//
// Data values are raw text unless prefixed with "hex:".
type Step struct {
	Op   string `yaml:"op"`
	Node string `yaml:"node,omitempty"`

	// Peer is the id of the other node for merge_from, send, send_state
	// and sync. An empty peer on sync drains every reachable queue.
	Peer string `yaml:"peer,omitempty"`

	Branch    string            `yaml:"branch,omitempty"`
	Dimension string            `yaml:"dimension,omitempty"`
	Data      string            `yaml:"data,omitempty"`
	Buffers   map[string]string `yaml:"buffers,omitempty"`

	// Count is the number of inbox messages to drop. Defaults to 1.
	Count int `yaml:"count,omitempty"`

	// Reverse delivers the inbox newest first on receive.
	Reverse bool `yaml:"reverse,omitempty"`

	// Duration is the time to advance, e.g. "5s".
	Duration string `yaml:"duration,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect constrains the trace event a step produces. For receive it
// applies to the last message received.
type Expect struct {
	Outcome string  `yaml:"outcome,omitempty"`
	Clock   *uint64 `yaml:"clock,omitempty"`

	// Error is the expected error code, e.g. UNKNOWN_BRANCH.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the trace or the final node state.
type Assertion struct {
	Type  string   `yaml:"type"`
	Node  string   `yaml:"node,omitempty"`
	Nodes []string `yaml:"nodes,omitempty"`
	Peer  string   `yaml:"peer,omitempty"`

	Dimension string `yaml:"dimension,omitempty"`
	Data      string `yaml:"data,omitempty"`

	// Value is the expected number for clock, history_len and queued.
	Value *uint64 `yaml:"value,omitempty"`

	// Names is the expected branch list.
	Names []string `yaml:"names,omitempty"`

	// Op and Ops select trace events.
	Op    string   `yaml:"op,omitempty"`
	Ops   []string `yaml:"ops,omitempty"`
	Count int      `yaml:"count,omitempty"`
}

// Assertion types.
const (
	AssertClock          = "clock"
	AssertHistoryLen     = "history_len"
	AssertQueued         = "queued"
	AssertBranches       = "branches"
	AssertBuffer         = "buffer"
	AssertSameState      = "same_state"
	AssertDifferentState = "different_state"
	AssertTraceCount     = "trace_count"
	AssertTraceOrder     = "trace_order"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, s)
	}
	return out, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Nodes) == 0 {
		return fmt.Errorf("nodes list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	ids := make(map[string]bool, len(s.Nodes))
	peers := make(map[ir.PeerKey]string, len(s.Nodes))
	for i, n := range s.Nodes {
		if n.ID == "" {
			return fmt.Errorf("nodes[%d]: id is required", i)
		}
		if ids[n.ID] {
			return fmt.Errorf("nodes[%d]: duplicate id %q", i, n.ID)
		}
		ids[n.ID] = true
		key, err := ir.ParsePeerKey(n.Peer)
		if err != nil {
			return fmt.Errorf("nodes[%d]: %w", i, err)
		}
		if other, dup := peers[key]; dup {
			return fmt.Errorf("nodes[%d]: peer %s already used by %q", i, key, other)
		}
		peers[key] = n.ID
	}

	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i], ids); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], ids); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step, ids map[string]bool) error {
	needNode := func() error {
		if !ids[st.Node] {
			return fmt.Errorf("steps[%d]: %s needs a known node, got %q", index, st.Op, st.Node)
		}
		return nil
	}
	needPeer := func() error {
		if !ids[st.Peer] {
			return fmt.Errorf("steps[%d]: %s needs a known peer, got %q", index, st.Op, st.Peer)
		}
		if st.Peer == st.Node {
			return fmt.Errorf("steps[%d]: %s peer must differ from node", index, st.Op)
		}
		return nil
	}
	needBranch := func() error {
		if st.Branch == "" {
			return fmt.Errorf("steps[%d]: %s needs a branch", index, st.Op)
		}
		return nil
	}
	needDimension := func() error {
		if st.Dimension == "" {
			return fmt.Errorf("steps[%d]: %s needs a dimension", index, st.Op)
		}
		return nil
	}

	var checks []func() error
	switch st.Op {
	case OpInit, OpReceive, OpDrop, OpFlush, OpSetDown, OpSetUp:
		checks = []func() error{needNode}
	case OpUpdate:
		checks = []func() error{needNode, needDimension}
	case OpFork, OpMergeBranch, OpDeleteBranch:
		checks = []func() error{needNode, needBranch}
	case OpUpdateBranch:
		checks = []func() error{needNode, needBranch, needDimension}
	case OpMergeFrom, OpSend, OpSendState:
		checks = []func() error{needNode, needPeer}
	case OpSync:
		checks = []func() error{needNode}
		if st.Peer != "" {
			checks = append(checks, needPeer)
		}
	case OpAdvance:
		d, err := time.ParseDuration(st.Duration)
		if err != nil {
			return fmt.Errorf("steps[%d]: advance: %w", index, err)
		}
		if d < 0 {
			return fmt.Errorf("steps[%d]: advance: negative duration", index)
		}
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, st.Op)
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}

	if st.Count < 0 {
		return fmt.Errorf("steps[%d]: count must be non-negative", index)
	}
	if _, err := decodeData(st.Data); err != nil {
		return fmt.Errorf("steps[%d]: data: %w", index, err)
	}
	for d, v := range st.Buffers {
		if _, err := decodeData(v); err != nil {
			return fmt.Errorf("steps[%d]: buffers.%s: %w", index, d, err)
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion, ids map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	needNode := func() error {
		if !ids[a.Node] {
			return fmt.Errorf("assertions[%d]: %s needs a known node, got %q", index, a.Type, a.Node)
		}
		return nil
	}

	switch a.Type {
	case AssertClock, AssertHistoryLen:
		if err := needNode(); err != nil {
			return err
		}
		if a.Value == nil {
			return fmt.Errorf("assertions[%d]: value is required for %s", index, a.Type)
		}
	case AssertQueued:
		if err := needNode(); err != nil {
			return err
		}
		if a.Value == nil {
			return fmt.Errorf("assertions[%d]: value is required for queued", index)
		}
		if a.Peer != "" && !ids[a.Peer] {
			return fmt.Errorf("assertions[%d]: unknown peer %q", index, a.Peer)
		}
	case AssertBranches:
		if err := needNode(); err != nil {
			return err
		}
	case AssertBuffer:
		if err := needNode(); err != nil {
			return err
		}
		if a.Dimension == "" {
			return fmt.Errorf("assertions[%d]: dimension is required for buffer", index)
		}
		if _, err := decodeData(a.Data); err != nil {
			return fmt.Errorf("assertions[%d]: data: %w", index, err)
		}
	case AssertSameState, AssertDifferentState:
		if len(a.Nodes) < 2 {
			return fmt.Errorf("assertions[%d]: %s needs at least two nodes", index, a.Type)
		}
		for _, id := range a.Nodes {
			if !ids[id] {
				return fmt.Errorf("assertions[%d]: unknown node %q", index, id)
			}
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// decodeData converts a scenario data value to bytes: "hex:0a0b" is hex,
// anything else is taken verbatim.
func decodeData(s string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(s, "hex:"); ok {
		return hex.DecodeString(rest)
	}
	return []byte(s), nil
}
