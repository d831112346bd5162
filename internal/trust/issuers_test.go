package trust

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pan/internal/shared/logger"
)

func writeIssuerFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestNewIssuerStore_MissingFileIsFatal(t *testing.T) {
	_, err := NewIssuerStore(filepath.Join(t.TempDir(), "nope.json"), time.Minute, logger.NewLogger())
	assert.Error(t, err)
}

func TestNewIssuerStore_MalformedFileIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted_agents.json")
	writeIssuerFile(t, path, "{not json")
	_, err := NewIssuerStore(path, time.Minute, logger.NewLogger())
	assert.Error(t, err)
}

func TestTrusted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted_agents.json")
	writeIssuerFile(t, path, `{"trusted_issuers":{"urn:pan:alice":["agent-connect","peer-connect"],"urn:pan:bob":["agent-connect"]}}`)

	s, err := NewIssuerStore(path, time.Minute, logger.NewLogger())
	require.NoError(t, err)

	assert.True(t, s.Trusted("urn:pan:alice", "agent-connect"))
	assert.True(t, s.Trusted("urn:pan:alice", "agent-connect", "peer-connect"))
	assert.True(t, s.Trusted("urn:pan:bob", "agent-connect"))
	assert.False(t, s.Trusted("urn:pan:bob", "peer-connect"))
	assert.False(t, s.Trusted("urn:pan:mallory", "agent-connect"))
	assert.ElementsMatch(t, []string{"agent-connect"}, s.Purposes("urn:pan:bob"))
}

func TestReload_PicksUpNewIssuers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted_agents.json")
	writeIssuerFile(t, path, `{"trusted_issuers":{"urn:pan:alice":["agent-connect"]}}`)

	s, err := NewIssuerStore(path, time.Millisecond, logger.NewLogger())
	require.NoError(t, err)
	require.False(t, s.Trusted("urn:pan:carol", "agent-connect"))

	writeIssuerFile(t, path, `{"trusted_issuers":{"urn:pan:carol":["agent-connect"]}}`)
	time.Sleep(5 * time.Millisecond)

	assert.True(t, s.Trusted("urn:pan:carol", "agent-connect"))
	assert.False(t, s.Trusted("urn:pan:alice", "agent-connect"))
}

func TestReload_KeepsPreviousConfigOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted_agents.json")
	writeIssuerFile(t, path, `{"trusted_issuers":{"urn:pan:alice":["agent-connect"]}}`)

	s, err := NewIssuerStore(path, time.Millisecond, logger.NewLogger())
	require.NoError(t, err)

	writeIssuerFile(t, path, "{broken")
	time.Sleep(5 * time.Millisecond)

	assert.True(t, s.Trusted("urn:pan:alice", "agent-connect"))

	// The failed reload re-arms the TTL; a later fix is picked up again.
	writeIssuerFile(t, path, `{"trusted_issuers":{"urn:pan:alice":["agent-connect","peer-connect"]}}`)
	time.Sleep(5 * time.Millisecond)
	assert.True(t, s.Trusted("urn:pan:alice", "peer-connect"))
}

func TestTrusted_CacheHonorsTTL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted_agents.json")
	writeIssuerFile(t, path, `{"trusted_issuers":{"urn:pan:alice":["agent-connect"]}}`)

	s, err := NewIssuerStore(path, time.Hour, logger.NewLogger())
	require.NoError(t, err)

	// Within the TTL the stale file is not consulted.
	writeIssuerFile(t, path, `{"trusted_issuers":{}}`)
	assert.True(t, s.Trusted("urn:pan:alice", "agent-connect"))
}
