// Package testing switches the process into test mode when imported for side effects, so
// binaries skip their runtime wiring and configuration loads without a real environment.
package testing

import (
	"os"
	stdtesting "testing"
)

const testModeKey = "BILLHUB_TEST_MODE"

// defaults are applied only where the environment leaves a key empty, except the test
// mode flag which is always forced on.
var defaults = map[string]string{
	testModeKey:  "1",
	"JWT_SECRET": "test-secret",
	"LOG_FORMAT": "json",
}

func init() {
	applyDefaults()
}

func applyDefaults() {
	for key, value := range defaults {
		if key == testModeKey || os.Getenv(key) == "" {
			_ = os.Setenv(key, value)
		}
	}
}

// TestMain can be delegated to from a package's own TestMain.
func TestMain(m *stdtesting.M) {
	applyDefaults()
	os.Exit(m.Run())
}
