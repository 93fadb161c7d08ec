// Package testutil holds helpers shared by the integration tests.
package testutil

import (
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
)

// IntegrationEnv enables container-backed tests on CI.
const IntegrationEnv = "DOCROUTE_INTEGRATION"

// SkipIfShort skips the test if running in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// RequireIntegration skips container-backed tests in short mode, and on CI
// unless DOCROUTE_INTEGRATION (or INTEGRATION_TESTS) is set.
func RequireIntegration(t *testing.T) {
	t.Helper()
	SkipIfShort(t)
	if os.Getenv("CI") == "" {
		return
	}
	if os.Getenv(IntegrationEnv) == "" && os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skipf("skipping integration test (set %s=1 to run)", IntegrationEnv)
	}
}

// Terminate stops container when the test ends.
func Terminate(t *testing.T, container testcontainers.Container) {
	t.Helper()
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})
}
