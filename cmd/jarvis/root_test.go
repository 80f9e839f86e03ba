package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootRegistersCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "worker", "topology", "sync-tools", "summarize", "index", "graph-builder"}, names)
}

func TestSummarizeOnceFlag(t *testing.T) {
	cmd, _, err := newRootCmd().Find([]string{"summarize"})
	require.NoError(t, err)
	flag := cmd.Flags().Lookup("once")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestSetupRejectsBadConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "loud")
	cmd, _, err := newRootCmd().Find([]string{"topology"})
	require.NoError(t, err)
	_, _, _, _, err = setup(cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}

func TestIndexFlagsAndArgs(t *testing.T) {
	cmd, _, err := newRootCmd().Find([]string{"index"})
	require.NoError(t, err)
	assert.Equal(t, "1000", cmd.Flags().Lookup("chunk-size").DefValue)
	assert.Equal(t, "200", cmd.Flags().Lookup("overlap").DefValue)
	require.Error(t, cmd.Args(cmd, nil))
	require.NoError(t, cmd.Args(cmd, []string{"./docs"}))
}

func TestIndexRequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	root := newRootCmd()
	root.SetArgs([]string{"index", t.TempDir()})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestGraphBuilderRequiresNeo4j(t *testing.T) {
	t.Setenv("NEO4J_URI", "")
	root := newRootCmd()
	root.SetArgs([]string{"graph-builder"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NEO4J_URI")
}
