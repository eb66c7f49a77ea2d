package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
status:
  query_command:
    - sh
    - -c
    - 'printf "12345\n67890\n"'
  initial_backoff: 1ms
  max_backoff: 1ms
  submit_command:
    - sh
    - -c
    - 'echo submitted "$@"; exit ${SUBMIT_EXIT:-0}'
    - sh
  submit_max_attempts: 1
  submit_jitter: 0s
build:
  build_command:
    - sh
    - -c
    - 'printf sif > "$0"'
    - '{output}'
  initial_backoff: 1ms
  max_backoff: 1ms
`

type cli struct {
	cacheDir   string
	configPath string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "lockedcache.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0o644))
	return &cli{cacheDir: filepath.Join(dir, "cache"), configPath: configPath}
}

func (c *cli) run(ctx context.Context, args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	full := append([]string{"--config", c.configPath, "--cache-dir", c.cacheDir}, args...)
	code := run(ctx, full, strings.NewReader(""), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestCLIStatus(t *testing.T) {
	c := newCLI(t)

	code, out, _ := c.run(context.Background(), "status", "12345")
	assert.Equal(t, 0, code)
	assert.Equal(t, "present\n", out)

	code, out, _ = c.run(context.Background(), "status", "11111")
	assert.Equal(t, 1, code)
	assert.Equal(t, "absent\n", out)

	// The listing and attempt log live in the status directory.
	assert.FileExists(t, filepath.Join(c.cacheDir, "status", "jobs"))
	assert.FileExists(t, filepath.Join(c.cacheDir, "status", "attempts.log"))

	code, _, _ = c.run(context.Background(), "invalidate", "status", "12345")
	assert.Equal(t, 0, code)
}

func TestCLILogsLatencySummaryOnClose(t *testing.T) {
	c := newCLI(t)

	code, _, stderr := c.run(context.Background(), "status", "12345")
	require.Equal(t, 0, code, stderr)
	// Logged at the default level, without --debug.
	assert.Contains(t, stderr, `level=INFO msg="latency summary"`)
	assert.Contains(t, stderr, "status.check (n=1)")
}

func TestCLIStatusUnknownExitsZero(t *testing.T) {
	c := newCLI(t)
	require.NoError(t, os.WriteFile(c.configPath, []byte(`
status:
  query_command: ["sh", "-c", "echo 'Socket timed out' >&2; exit 1"]
  max_attempts: 2
  initial_backoff: 1ms
  max_backoff: 1ms
`), 0o644))

	code, out, _ := c.run(context.Background(), "status", "12345")
	assert.Equal(t, 0, code)
	assert.Equal(t, "unknown\n", out)
}

func TestCLIBuild(t *testing.T) {
	c := newCLI(t)

	code, out, stderr := c.run(context.Background(), "build", "ubuntu:22.04")
	require.Equal(t, 0, code, stderr)
	path := strings.TrimSpace(out)
	assert.Equal(t, filepath.Join(c.cacheDir, "build", "ubuntu_22.04"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "sif", string(data))

	code, _, _ = c.run(context.Background(), "invalidate", "build", "ubuntu:22.04")
	assert.Equal(t, 0, code)

	code, _, stderr = c.run(context.Background(), "invalidate", "bogus", "ubuntu:22.04")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unknown cache instance")
}

func TestCLIBuildFailurePrintsDiagnostics(t *testing.T) {
	c := newCLI(t)
	require.NoError(t, os.WriteFile(c.configPath, []byte(`
build:
  build_command: ["sh", "-c", "echo 'FATAL: manifest unknown' >&2; exit 255"]
`), 0o644))

	code, out, stderr := c.run(context.Background(), "build", "ubuntu:99.99")
	assert.Equal(t, 1, code)
	assert.Empty(t, out)
	assert.Contains(t, stderr, "FATAL: manifest unknown")
}

func TestCLISubmit(t *testing.T) {
	c := newCLI(t)

	code, out, _ := c.run(context.Background(), "submit", "--", "--wrap", "hostname")
	assert.Equal(t, 0, code)
	assert.Equal(t, "submitted --wrap hostname\n", out)

	t.Setenv("SUBMIT_EXIT", "3")
	code, _, _ = c.run(context.Background(), "submit", "--", "job.sh")
	assert.Equal(t, 3, code)
}

func TestCLIInterrupted(t *testing.T) {
	c := newCLI(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, _, _ := c.run(ctx, "status", "12345")
	assert.Equal(t, 130, code)
}

func TestCLIInvalidConfig(t *testing.T) {
	c := newCLI(t)
	require.NoError(t, os.WriteFile(c.configPath, []byte("status:\n  max_attempts: 0\n"), 0o644))

	code, _, stderr := c.run(context.Background(), "status", "12345")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "max_attempts")
}

func TestCLIServe(t *testing.T) {
	c := newCLI(t)
	var stdout, stderr bytes.Buffer
	input := `{"ID":1,"Command":"status","Key":"67890"}
{"ID":2,"Command":"close"}
`
	code := run(context.Background(),
		[]string{"--config", c.configPath, "--cache-dir", c.cacheDir, "serve"},
		strings.NewReader(input), &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	resps := decodeResponses(t, stdout.String())
	require.Len(t, resps, 3)
	assert.Equal(t, "present", byID(resps)[1].Membership)
}
