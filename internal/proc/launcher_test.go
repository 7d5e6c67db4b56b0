package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidates_DefaultChain(t *testing.T) {
	chain := Candidates(Config{}, "/tmp/repl.py")
	require.Len(t, chain, 2)

	assert.Equal(t, SourceManaged, chain[0].Source)
	assert.Equal(t, "uv", chain[0].Program)
	assert.Equal(t, []string{"run", "--python", "3.13", "--with", "dill", "python3", "/tmp/repl.py"}, chain[0].Args)

	assert.Equal(t, SourceSystem, chain[1].Source)
	assert.Equal(t, "python3", chain[1].Program)
	assert.Equal(t, []string{"/tmp/repl.py"}, chain[1].Args)
}

func TestCandidates_OverrideWins(t *testing.T) {
	chain := Candidates(Config{InterpreterOverride: "/opt/py/bin/python"}, "/tmp/repl.py")
	require.Len(t, chain, 1)
	assert.Equal(t, SourceOverride, chain[0].Source)
	assert.Equal(t, "/opt/py/bin/python", chain[0].Program)
	assert.Equal(t, []string{"/tmp/repl.py"}, chain[0].Args)
}

func TestCandidates_SandboxWrapsEveryCandidate(t *testing.T) {
	chain := Candidates(Config{SandboxConfig: "/etc/syd.toml"}, "/tmp/repl.py")
	require.Len(t, chain, 2)
	for _, c := range chain {
		assert.Equal(t, "syd", c.Program)
		require.GreaterOrEqual(t, len(c.Args), 4)
		assert.Equal(t, []string{"-c", "/etc/syd.toml", "--"}, c.Args[:3])
	}
	// The wrapped command keeps the original program after "--".
	assert.Equal(t, "uv", chain[0].Args[3])
	assert.Equal(t, "python3", chain[1].Args[3])
}

func TestCandidates_SandboxBinaryOverride(t *testing.T) {
	t.Setenv("SYD_PATH", "/usr/local/bin/syd")
	chain := Candidates(Config{SandboxConfig: "/etc/syd.toml", InterpreterOverride: "python3"}, "/tmp/repl.py")
	require.Len(t, chain, 1)
	assert.Equal(t, "/usr/local/bin/syd", chain[0].Program)
}

func TestWriteScript(t *testing.T) {
	path, err := writeScript()
	require.NoError(t, err)
	t.Cleanup(func() { (&Child{scriptPath: path}).Cleanup() })

	assert.FileExists(t, path)
	assert.NotEmpty(t, replScript)
}
