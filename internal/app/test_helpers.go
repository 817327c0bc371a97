package app

import (
	"testing"

	"github.com/specialistvlad/dmriprepgo/internal/config"
	"github.com/specialistvlad/dmriprepgo/internal/testutil"
)

// SetupAppTest creates a new app instance for system testing. Graph
// construction runs in-process and logs are captured at debug level.
func SetupAppTest(t *testing.T, cfg *config.Config, opts ...Option) (*App, *testutil.SafeBuffer) {
	t.Helper()

	logBuffer := &testutil.SafeBuffer{}
	cfg.Execution.LogLevel = "debug"
	opts = append([]Option{WithInProcessBuild()}, opts...)
	testApp := NewApp(logBuffer, cfg, opts...)

	t.Cleanup(func() { testutil.Logs(t, logBuffer) })

	return testApp, logBuffer
}
