package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
	"go.viam.com/test"
)

func TestObservedLevels(t *testing.T) {
	logger, observed := NewObservedTestLogger(t)
	logger.Debug("debug message")
	logger.Infow("info message", "key", 3)
	test.That(t, observed.Len(), test.ShouldEqual, 2)

	logger.SetLevel(WARN)
	logger.Info("dropped")
	logger.Warnf("kept %d", 1)
	entries := observed.All()
	test.That(t, entries, test.ShouldHaveLength, 3)
	test.That(t, entries[1].ContextMap()["key"], test.ShouldEqual, int64(3))
	test.That(t, entries[2].Message, test.ShouldEqual, "kept 1")
	test.That(t, entries[2].Level, test.ShouldEqual, zapcore.WarnLevel)
}

func TestSubloggerNaming(t *testing.T) {
	logger, observed := NewObservedTestLogger(t)
	sub := logger.Sublogger("factor").Sublogger("cache")
	sub.Debugw("hit", "key", "x1")

	entries := observed.FilterMessage("hit").All()
	test.That(t, entries, test.ShouldHaveLength, 1)
	test.That(t, entries[0].LoggerName, test.ShouldEqual, "factor.cache")
	test.That(t, entries[0].Caller.Defined, test.ShouldBeTrue)
	test.That(t, entries[0].Caller.TrimmedPath(), test.ShouldContainSubstring, "impl_test.go")
}

func TestUnpairedKey(t *testing.T) {
	logger, observed := NewObservedTestLogger(t)
	logger.Errorw("oops", "dangling")
	entries := observed.All()
	test.That(t, entries, test.ShouldHaveLength, 1)
	test.That(t, entries[0].ContextMap()["dangling"], test.ShouldNotBeNil)
}

func TestLevelFromString(t *testing.T) {
	for _, tc := range []struct {
		in       string
		expected Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"Warning", WARN},
		{"error", ERROR},
	} {
		level, err := LevelFromString(tc.in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, level, test.ShouldEqual, tc.expected)
	}
	_, err := LevelFromString("loud")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestReplaceGlobal(t *testing.T) {
	prev := Global()
	defer ReplaceGlobal(prev)

	logger, observed := NewObservedTestLogger(t)
	ReplaceGlobal(logger)
	Global().Sublogger("factor").Info("from global")
	test.That(t, observed.Len(), test.ShouldEqual, 1)
	test.That(t, observed.All()[0].LoggerName, test.ShouldEqual, "factor")
}
