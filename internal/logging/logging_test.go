package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/wilhg/convo/internal/config"
)

func TestNew(t *testing.T) {
	l, err := New(config.LogConfig{Level: "debug", Format: "console"})
	if err != nil {
		t.Fatal(err)
	}
	if !l.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("debug level not enabled")
	}
	if _, err := New(config.LogConfig{Level: "loud"}); err == nil {
		t.Fatal("bad level accepted")
	}
}
