package logging

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestWithStacktrace(t *testing.T) {
	err := errors.Wrap(errors.New("root"), "outer")
	entry := WithStacktrace(logrus.NewEntry(logrus.New()), err)
	assert.Equal(t, err, entry.Data[logrus.ErrorKey])
	assert.NotNil(t, entry.Data[Stacktrace])
}

func TestWithStacktrace_NoStack(t *testing.T) {
	err := fmt.Errorf("plain")
	entry := WithStacktrace(logrus.NewEntry(logrus.New()), err)
	assert.Equal(t, err, entry.Data[logrus.ErrorKey])
	_, ok := entry.Data[Stacktrace]
	assert.False(t, ok)
}

func TestExtractStack_ThroughUnwrap(t *testing.T) {
	inner := errors.New("root")
	assert.NotNil(t, ExtractStack(fmt.Errorf("wrapped: %w", inner)))
	assert.Nil(t, ExtractStack(fmt.Errorf("wrapped: %w", fmt.Errorf("plain"))))
	assert.Nil(t, ExtractStack(nil))
}

func TestCommandLineFormatter(t *testing.T) {
	tests := map[string]struct {
		entry    *logrus.Entry
		expected string
	}{
		"info": {
			entry:    &logrus.Entry{Level: logrus.InfoLevel, Message: "hello"},
			expected: "hello\n",
		},
		"info ignores error": {
			entry:    &logrus.Entry{Level: logrus.InfoLevel, Message: "hello", Data: logrus.Fields{logrus.ErrorKey: "boom"}},
			expected: "hello\n",
		},
		"warning": {
			entry:    &logrus.Entry{Level: logrus.WarnLevel, Message: "careful"},
			expected: "warning: careful\n",
		},
		"error with cause": {
			entry:    &logrus.Entry{Level: logrus.ErrorLevel, Message: "failed", Data: logrus.Fields{logrus.ErrorKey: "boom"}},
			expected: "error: failed: boom\n",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			out, err := (&CommandLineFormatter{}).Format(tc.entry)
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, string(out))
		})
	}
}
