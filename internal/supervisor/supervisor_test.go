package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"outbox-dispatcher/internal/repository"
	"outbox-dispatcher/internal/worker"
)

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, DefaultCount, cfg.Count)
	require.Equal(t, DefaultRestartBackoff, cfg.RestartBackoff)
	require.Equal(t, DefaultMaxRestarts, cfg.MaxRestarts)
}

func TestConfig_WithDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := Config{
		Count:          4,
		RestartBackoff: 5 * time.Second,
		MaxRestarts:    2,
	}.withDefaults()
	require.Equal(t, 4, cfg.Count)
	require.Equal(t, 5*time.Second, cfg.RestartBackoff)
	require.Equal(t, 2, cfg.MaxRestarts)
}

func TestNew_DoesNotOpenConnections(t *testing.T) {
	s := New(Config{Count: 3}, repository.Config{DSN: "postgres://unused/db"}, nil, nil, nil)
	require.NotNil(t, s)
	require.Empty(t, s.instances)
}

// repositoryAdapter must satisfy worker.Repo structurally; this is a
// compile-time check rather than a runtime assertion.
var _ worker.Repo = repositoryAdapter{}
