package sandbox_test

import (
	"testing"
	"time"

	"github.com/codereview/revieworchestrator/internal/sandbox"
	"github.com/stretchr/testify/assert"
)

// Run exercises a real container via testcontainers-go, so it needs a
// Docker daemon; the constructor and config plumbing are still worth
// covering without one.
func TestNew_CarriesConfig(t *testing.T) {
	cfg := sandbox.Config{
		Image:       "golang:1.25-alpine",
		MemoryBytes: 512 << 20,
		NanoCPUs:    1e9,
		Timeout:     30 * time.Second,
		TermGrace:   5 * time.Second,
	}
	exec := sandbox.New(cfg)
	assert.NotNil(t, exec)
}
