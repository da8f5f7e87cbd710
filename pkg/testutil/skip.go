package testutil

import (
	"os"
	"strconv"
	"testing"
)

// IntegrationEnv enables the container-backed tests.
const IntegrationEnv = "JOBEXEC_INTEGRATION"

// RequireIntegration skips the test in short mode and unless IntegrationEnv
// is set to a true value. The tests need a working Docker daemon.
func RequireIntegration(t testing.TB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if enabled, _ := strconv.ParseBool(os.Getenv(IntegrationEnv)); !enabled {
		t.Skipf("skipping integration test (set %s=1 to run)", IntegrationEnv)
	}
}
