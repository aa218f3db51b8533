package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "blockstate", cmd.Use)
	assert.Contains(t, cmd.Long, "Lamport clock")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"init"}, {"update"}, {"show"}, {"history"}, {"prune"}, {"nodes"},
		{"fork"}, {"branch", "list"}, {"branch", "show"}, {"branch", "update"},
		{"branch", "merge"}, {"branch", "delete"},
		{"merge-from"}, {"compare"}, {"export"}, {"import"},
		{"address", "encode"}, {"address", "decode"},
		{"policy", "check"}, {"scenario", "run"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	nodeFlag := cmd.PersistentFlags().Lookup("node")
	require.NotNil(t, nodeFlag)
	assert.Equal(t, "n", nodeFlag.Shorthand)

	for _, name := range []string{"db", "policy", "archive", "metrics-file"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "missing --%s", name)
	}
}

func TestSubcommandFlags(t *testing.T) {
	cmd := NewRootCommand()

	exportCmd, _, err := cmd.Find([]string{"export"})
	require.NoError(t, err)
	outputFlag := exportCmd.Flags().Lookup("output")
	require.NotNil(t, outputFlag)
	assert.Equal(t, "o", outputFlag.Shorthand)

	initCmd, _, err := cmd.Find([]string{"init"})
	require.NoError(t, err)
	assert.NotNil(t, initCmd.Flags().Lookup("peer"))
	assert.NotNil(t, initCmd.Flags().Lookup("force"))

	runCmd, _, err := cmd.Find([]string{"scenario", "run"})
	require.NoError(t, err)
	for _, name := range []string{"update", "filter", "golden"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), "missing --%s", name)
	}
}

func TestExecute_InvalidFormat(t *testing.T) {
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	code := Execute(context.Background(), []string{"--format", "yaml", "nodes"}, stdout, stderr)
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr.String(), `invalid format "yaml"`)
	assert.Empty(t, stdout.String())
}

func TestExecute_UnknownCommand(t *testing.T) {
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	code := Execute(context.Background(), []string{"frobnicate"}, stdout, stderr)
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr.String(), "unknown command")
}

func TestExecute_FlagsFallBackToEnvironment(t *testing.T) {
	t.Setenv("BLOCKSTATE_DB", "/tmp/from-env.db")
	t.Setenv("BLOCKSTATE_NODE_ID", "env-node")

	cmd := NewRootCommand()
	policyCmd, _, err := cmd.Find([]string{"policy", "check"})
	require.NoError(t, err)
	policyCmd.RunE = func(*cobra.Command, []string) error { return nil }

	cmd.SetArgs([]string{"--node", "flag-node", "policy", "check"})
	cmd.SetOut(&bytes.Buffer{})
	require.NoError(t, cmd.Execute())

	db, err := cmd.PersistentFlags().GetString("db")
	require.NoError(t, err)
	node, err := cmd.PersistentFlags().GetString("node")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-env.db", db)
	assert.Equal(t, "flag-node", node)
}
