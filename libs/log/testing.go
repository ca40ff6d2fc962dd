package log

import (
	"testing"
)

// TestingLogger returns a Logger which writes to STDERR if the tests are
// being run with the verbose (-v) flag, and discards all output otherwise.
//
// NOTE: the call to TestingLogger must be made inside a test (not in the
// init func) because the verbose flag is only set at testing time.
func TestingLogger(t *testing.T) Logger {
	t.Helper()

	if testing.Verbose() {
		return MustNewDefaultLogger(LogFormatPlain, LogLevelDebug)
	}

	return NewNopLogger()
}
