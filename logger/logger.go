package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"
)

const (
	// LevelTrace is more verbose than Debug, used to log every message passing
	// through the network endpoint.
	LevelTrace slog.Level = slog.LevelDebug - 4
	levelNone  slog.Level = slog.LevelError + 100
)

type LogConfiguration struct {
	Level        string `yaml:"defaultLevel"`
	Format       string `yaml:"format"`
	OutputPath   string `yaml:"outputPath"`
	TimeFormat   string `yaml:"timeFormat"`
	PeerIDFormat string `yaml:"peerIdFormat"`
	ShowSource   bool   `yaml:"showSource"`
	// when Format is "console" colors are used unless this is set
	NoColor bool `yaml:"noColor"`
}

/*
LoadConfiguration decodes YAML logger configuration from "r".
*/
func LoadConfiguration(r io.Reader) (*LogConfiguration, error) {
	cfg := &LogConfiguration{}
	if err := yaml.NewDecoder(r).Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decoding logger configuration: %w", err)
	}
	return cfg, nil
}

/*
New creates logger based on configuration "cfg". When "cfg" is nil default
configuration (text format, info level, stderr) is used.
*/
func New(cfg *LogConfiguration) (*slog.Logger, error) {
	if cfg == nil {
		cfg = &LogConfiguration{}
	}
	h, err := cfg.Handler()
	if err != nil {
		return nil, err
	}
	return slog.New(h), nil
}

/*
Handler returns slog handler according to the configuration. The handler
adds trace and span ID attributes when context passed to the logging call
carries OTEL span.
*/
func (cfg *LogConfiguration) Handler() (slog.Handler, error) {
	out, err := cfg.writer()
	if err != nil {
		return nil, err
	}

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		h = slog.NewTextHandler(out, cfg.handlerOptions())
	case "json":
		h = slog.NewJSONHandler(out, cfg.handlerOptions())
	case "ecs":
		opt := cfg.handlerOptions()
		opt.ReplaceAttr = composeAttrFmt(opt.ReplaceAttr, formatAttrECS)
		h = slog.NewJSONHandler(out, opt)
	case "console":
		opt := cfg.handlerOptions()
		h = tint.NewHandler(out, &tint.Options{
			AddSource:   opt.AddSource,
			Level:       opt.Level,
			ReplaceAttr: composeAttrFmt(opt.ReplaceAttr, formatDataAttrAsJSON),
			TimeFormat:  consoleTimeFormat(cfg.TimeFormat),
			NoColor:     cfg.NoColor,
		})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return NewTraceHandler(h), nil
}

func (cfg *LogConfiguration) handlerOptions() *slog.HandlerOptions {
	return &slog.HandlerOptions{
		AddSource:   cfg.ShowSource,
		Level:       cfg.logLevel(),
		ReplaceAttr: composeAttrFmt(formatTimeAttr(cfg.TimeFormat), formatPeerIDAttr(cfg.PeerIDFormat)),
	}
}

func (cfg *LogConfiguration) logLevel() slog.Level {
	if cfg.OutputPath == "discard" || cfg.OutputPath == os.DevNull {
		return levelNone
	}

	switch strings.ToLower(cfg.Level) {
	case "":
		return slog.LevelInfo
	case "trace":
		return LevelTrace
	case "none":
		return levelNone
	case "warning":
		return slog.LevelWarn
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func (cfg *LogConfiguration) writer() (io.Writer, error) {
	switch cfg.OutputPath {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	case "discard", os.DevNull:
		return io.Discard, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.OutputPath), 0700); err != nil {
		return nil, fmt.Errorf("creating directory for log file: %w", err)
	}
	f, err := os.OpenFile(filepath.Clean(cfg.OutputPath), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

func consoleTimeFormat(format string) string {
	switch format {
	case "", "none":
		return time.Kitchen
	default:
		return format
	}
}

/*
NewTraceHandler wraps "h" so that trace and span IDs of the OTEL span in the
context of the logging call are added to the record.
*/
func NewTraceHandler(h slog.Handler) slog.Handler {
	return traceHandler{h}
}

type traceHandler struct {
	slog.Handler
}

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(slog.String(traceID, sc.TraceID().String()), slog.String(spanID, sc.SpanID().String()))
	}
	return h.Handler.Handle(ctx, r)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{h.Handler.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{h.Handler.WithGroup(name)}
}
