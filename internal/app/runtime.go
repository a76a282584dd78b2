package app

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

const testModeEnv = "WORKSHOP_TEST_MODE"

var (
	testMode     atomic.Bool
	testModeOnce sync.Once
)

// InTestMode reports whether the binaries should skip connecting to Postgres,
// Redis and the job queue. The flag is read from WORKSHOP_TEST_MODE once.
func InTestMode() bool {
	testModeOnce.Do(RefreshTestMode)
	return testMode.Load()
}

// RefreshTestMode re-reads WORKSHOP_TEST_MODE after the environment changed.
// Accepts the strconv.ParseBool spellings; anything else means off.
func RefreshTestMode() {
	on, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(testModeEnv)))
	testMode.Store(err == nil && on)
}
