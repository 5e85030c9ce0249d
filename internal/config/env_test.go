package config

import (
	"os"
	"testing"
)

// unsetenv removes keys for the duration of the test, restoring any
// previous values afterwards.
func unsetenv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		prev, ok := os.LookupEnv(key)
		os.Unsetenv(key)
		if ok {
			t.Cleanup(func() { os.Setenv(key, prev) })
		}
	}
}
