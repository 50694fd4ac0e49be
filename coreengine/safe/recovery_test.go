package safe

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redmage123/artemis/coreengine/logging"
)

type testLogger struct {
	logs []string
	mu   sync.Mutex
}

func (l *testLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, level+": "+msg)
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) { l.record("DEBUG", msg) }
func (l *testLogger) Info(msg string, keysAndValues ...any)  { l.record("INFO", msg) }
func (l *testLogger) Warn(msg string, keysAndValues ...any)  { l.record("WARN", msg) }
func (l *testLogger) Error(msg string, keysAndValues ...any) { l.record("ERROR", msg) }
func (l *testLogger) Bind(keysAndValues ...any) logging.Logger {
	return l
}

func (l *testLogger) has(fragment string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.logs {
		if strings.Contains(entry, fragment) {
			return true
		}
	}
	return false
}

func TestExecute_Success(t *testing.T) {
	err := Execute(&testLogger{}, "op", func() error { return nil })
	assert.NoError(t, err)
}

func TestExecute_Error(t *testing.T) {
	expected := errors.New("boom")
	err := Execute(&testLogger{}, "op", func() error { return expected })
	assert.Equal(t, expected, err)
}

func TestExecute_Panic(t *testing.T) {
	logger := &testLogger{}

	err := Execute(logger, "run_linter", func() error {
		panic("linter exploded")
	})

	require.Error(t, err)
	var panicErr *PanicError
	require.True(t, errors.As(err, &panicErr))
	assert.Equal(t, "run_linter", panicErr.Operation)
	assert.Equal(t, "linter exploded", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
	assert.Contains(t, err.Error(), "panic in run_linter")
	assert.True(t, logger.has("panic_recovered"))
}

func TestExecute_NilLogger(t *testing.T) {
	err := Execute(nil, "op", func() error { panic("x") })
	assert.Error(t, err)
}

func TestExecuteWithResult(t *testing.T) {
	t.Run("value", func(t *testing.T) {
		v, err := ExecuteWithResult(&testLogger{}, "op", func() (int, error) { return 42, nil })
		assert.NoError(t, err)
		assert.Equal(t, 42, v)
	})

	t.Run("panic returns zero value", func(t *testing.T) {
		v, err := ExecuteWithResult(&testLogger{}, "op", func() (string, error) {
			panic("bad")
		})
		assert.Error(t, err)
		assert.Equal(t, "", v)
	})
}

func TestGo_Panic(t *testing.T) {
	logger := &testLogger{}
	got := make(chan any, 1)

	Go(logger, "worker", func() {
		panic("goroutine panic")
	}, func(r any) {
		got <- r
	})

	assert.Equal(t, "goroutine panic", <-got)
	assert.True(t, logger.has("goroutine_panic_recovered"))
}

func TestGo_Success(t *testing.T) {
	done := make(chan struct{})
	Go(nil, "worker", func() { close(done) }, nil)
	<-done
}
