package memoryhost

import (
	"testing"

	"github.com/orekyuu/mcp-ide-gateway/sessions"
	"github.com/orekyuu/mcp-ide-gateway/sessions/sessionhosttest"
)

func TestMemoryHost(t *testing.T) {
	sessionhosttest.RunSessionHostTests(t, func(t *testing.T) sessions.SessionHost {
		return New()
	})
}
