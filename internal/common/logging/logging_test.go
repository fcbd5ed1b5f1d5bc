package logging

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithStacktrace(t *testing.T) {
	entry := logrus.NewEntry(logrus.New())

	withStack := WithStacktrace(entry, errors.WithMessage(errors.New("boom"), "outer"))
	assert.Contains(t, withStack.Data, logrus.ErrorKey)
	assert.Contains(t, withStack.Data, Stacktrace)

	withoutStack := WithStacktrace(entry, &plainError{})
	assert.Contains(t, withoutStack.Data, logrus.ErrorKey)
	assert.NotContains(t, withoutStack.Data, Stacktrace)
}

func TestExtractStack_FollowsWrapping(t *testing.T) {
	err := errors.WithStack(&plainError{})
	assert.NotNil(t, ExtractStack(errors.WithMessage(err, "context")))
	assert.Nil(t, ExtractStack(nil))
}

func TestConfigValidate(t *testing.T) {
	tests := map[string]struct {
		config Config
		valid  bool
	}{
		"text info":      {Config{Level: "info", Format: "text"}, true},
		"json debug":     {Config{Level: "DEBUG", Format: "json"}, true},
		"bad level":      {Config{Level: "chatty", Format: "text"}, false},
		"bad format":     {Config{Level: "info", Format: "xml"}, false},
		"missing format": {Config{Level: "info"}, false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.config.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestPrometheusHook(t *testing.T) {
	registry := prometheus.NewRegistry()
	hook := NewPrometheusHook(registry)

	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	logger.AddHook(hook)
	logger.Info("one")
	logger.Info("two")
	logger.Warn("three")

	require.Equal(t, 2.0, testutil.ToFloat64(hook.counters[logrus.InfoLevel]))
	require.Equal(t, 1.0, testutil.ToFloat64(hook.counters[logrus.WarnLevel]))
	require.Equal(t, 0.0, testutil.ToFloat64(hook.counters[logrus.ErrorLevel]))
}

func TestCommandLineFormatter(t *testing.T) {
	out, err := (&CommandLineFormatter{}).Format(&logrus.Entry{Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

type plainError struct{}

func (e *plainError) Error() string { return "plain" }
