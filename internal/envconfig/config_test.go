package envconfig

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarTrimsWhitespace(t *testing.T) {
	t.Setenv("DLLAMA_TEST_VAR", "  hello  ")
	assert.Equal(t, "hello", Var("DLLAMA_TEST_VAR"))
}

func TestLogLevelDefaultsToInfo(t *testing.T) {
	t.Setenv("DLLAMA_DEBUG", "")
	assert.Equal(t, slog.LevelInfo, LogLevel())
}

func TestLogLevelDebugFlag(t *testing.T) {
	t.Setenv("DLLAMA_DEBUG", "true")
	assert.Equal(t, slog.LevelDebug, LogLevel())
}

func TestBootstrapTimeoutSecondsDefaultAndOverride(t *testing.T) {
	t.Setenv("DLLAMA_BOOTSTRAP_TIMEOUT", "")
	assert.Equal(t, 30, BootstrapTimeoutSeconds())

	t.Setenv("DLLAMA_BOOTSTRAP_TIMEOUT", "60")
	assert.Equal(t, 60, BootstrapTimeoutSeconds())
}

func TestSocketPollIntervalMicrosInvalidFallsBackToDefault(t *testing.T) {
	t.Setenv("DLLAMA_SOCKET_POLL_US", "not-a-number")
	assert.Equal(t, 200, SocketPollIntervalMicros())
}

func TestLoadRootConfigParsesYAML(t *testing.T) {
	path := writeTempFile(t, `
modelPath: /models/llama2-7b.bin
tokenizerPath: /models/tokenizer.json
nThreads: 8
workerEndpoints:
  - 10.0.0.2:9000
  - 10.0.0.3:9000
weightsFloatType: Q4_0
bufferFloatType: Q8_0
steps: 64
prompt: "hello"
`)
	c, err := LoadRootConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/models/llama2-7b.bin", c.ModelPath)
	assert.Equal(t, 8, c.NThreads)
	assert.Equal(t, []string{"10.0.0.2:9000", "10.0.0.3:9000"}, c.WorkerEndpoint)
	assert.Equal(t, "Q4_0", c.WeightsDType)
	assert.Equal(t, 64, c.Steps)
}

func TestLoadWorkerConfigParsesYAML(t *testing.T) {
	path := writeTempFile(t, "listenPort: 9100\nnThreads: 6\n")
	c, err := LoadWorkerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, c.ListenPort)
	assert.Equal(t, 6, c.NThreads)
}

func TestLoadRootConfigMissingFile(t *testing.T) {
	_, err := LoadRootConfig("/nonexistent/path.yaml")
	assert.Error(t, err)
}

func writeTempFile(t *testing.T, contents string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(contents)
	require.NoError(t, err)
	return f.Name()
}
