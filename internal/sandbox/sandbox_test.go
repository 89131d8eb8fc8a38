package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCappedBufferTruncates(t *testing.T) {
	b := &cappedBuffer{limit: 5}

	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = b.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	assert.Equal(t, "abcde\n[output truncated]", b.String())
}

func TestCappedBufferUnderLimit(t *testing.T) {
	b := &cappedBuffer{limit: 64}
	_, _ = b.Write([]byte("hello"))
	assert.Equal(t, "hello", b.String())
}

func TestExecResultCombined(t *testing.T) {
	assert.Equal(t, "out", ExecResult{Stdout: "out"}.Combined())
	assert.Equal(t, "err", ExecResult{Stderr: "err"}.Combined())
	assert.Equal(t, "out\nerr", ExecResult{Stdout: "out", Stderr: "err"}.Combined())
}

func TestNewHTTPClientRejectsBadHost(t *testing.T) {
	_, err := newHTTPClient("not a host")
	require.Error(t, err)

	c, err := newHTTPClient("unix:///var/run/docker.sock")
	require.NoError(t, err)
	assert.NotNil(t, c.Transport)
}

func TestIsNotRunning(t *testing.T) {
	assert.True(t, isNotRunning(errString("Container abc is not running")))
	assert.False(t, isNotRunning(errString("permission denied")))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0123456789ab", shortID(strings.Repeat("0123456789ab", 3)))
	assert.Equal(t, "abc", shortID("abc"))
}

type errString string

func (e errString) Error() string { return string(e) }
