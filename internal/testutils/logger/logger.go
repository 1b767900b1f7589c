package logger

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/lmittmann/tint"

	"github.com/bftnet/bftnet/logger"
)

/*
New returns logger for test t on debug level.
*/
func New(t testing.TB) *slog.Logger {
	return NewLvl(t, levelFromEnv(slog.LevelDebug))
}

/*
NewLvl returns logger for test t on level "level".

Log is written through t.Log so it shows up only when the test fails (or
is run in verbose mode). Colors are used unless env var
BFTNET_TEST_LOG_NO_COLORS is "true".
*/
func NewLvl(t testing.TB, level slog.Level) *slog.Logger {
	return slog.New(logger.NewTraceHandler(tint.NewHandler(&testLogWriter{t: t}, &tint.Options{
		Level:      level,
		NoColor:    noColors(),
		TimeFormat: "15:04:05.0000",
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindAny {
				if id, ok := a.Value.Any().(peer.ID); ok {
					a.Value = slog.StringValue(logger.ShortPeerID(id))
				}
			}
			return a
		},
	})))
}

/*
NOP returns logger which discards everything.
*/
func NOP() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

/*
LoggerBuilder returns logger factory which creates test logger for "t"
ignoring the configuration.
*/
func LoggerBuilder(t testing.TB) func(*logger.LogConfiguration) (*slog.Logger, error) {
	return func(*logger.LogConfiguration) (*slog.Logger, error) { return New(t), nil }
}

type testLogWriter struct {
	t testing.TB
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func noColors() bool {
	v, err := strconv.ParseBool(os.Getenv("BFTNET_TEST_LOG_NO_COLORS"))
	return err == nil && v
}

func levelFromEnv(def slog.Level) slog.Level {
	var lvl slog.Level
	if s := os.Getenv("BFTNET_TEST_LOG_LEVEL"); s != "" && lvl.UnmarshalText([]byte(s)) == nil {
		return lvl
	}
	return def
}
