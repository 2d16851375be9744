package agentruntime

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveScriptLeavesExistingPathUntouched(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "run.py")
	require.NoError(t, os.WriteFile(script, []byte("pass"), 0o644))

	argv := resolveScript([]string{"python", script}, "/irrelevant")
	assert.Equal(t, script, argv[1])
}

func TestResolveScriptFallsBackToInputDir(t *testing.T) {
	inputDir := t.TempDir()
	script := filepath.Join(inputDir, "run.py")
	require.NoError(t, os.WriteFile(script, []byte("pass"), 0o644))

	argv := resolveScript([]string{"python", "/input/run.py"}, inputDir)
	assert.Equal(t, script, argv[1])
}

func TestResolveScriptFallsBackToAsGiven(t *testing.T) {
	argv := resolveScript([]string{"python", "/input/missing.py"}, t.TempDir())
	assert.Equal(t, "/input/missing.py", argv[1])
}

func TestResolveScriptShortCommandUnchanged(t *testing.T) {
	argv := resolveScript([]string{"true"}, t.TempDir())
	assert.Equal(t, []string{"true"}, argv)
}
