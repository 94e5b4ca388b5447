package logging

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithStacktrace_AddsStackForPkgErrors(t *testing.T) {
	logger, hook := test.NewNullLogger()

	err := errors.Wrap(errors.New("root cause"), "while copying")
	WithStacktrace(logrus.NewEntry(logger), err).Warn("copy failed")

	require.Len(t, hook.Entries, 1)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, err, entry.Data[logrus.ErrorKey])
	assert.NotNil(t, entry.Data[Stacktrace])
}

func TestWithStacktrace_PlainErrorHasNoStack(t *testing.T) {
	logger, hook := test.NewNullLogger()

	WithStacktrace(logrus.NewEntry(logger), fmt.Errorf("plain")).Error("failed")

	require.Len(t, hook.Entries, 1)
	_, ok := hook.LastEntry().Data[Stacktrace]
	assert.False(t, ok)
}

func TestForComponent(t *testing.T) {
	entry := ForComponent("dispatcher")
	assert.Equal(t, "dispatcher", entry.Data["component"])
}
