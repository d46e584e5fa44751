package logging

import (
	"context"
	"log/slog"
	"os"
	"time"

	slogseq "github.com/sokkalf/slog-seq"
)

// multiHandler forwards log records to multiple handlers
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	// Enable if any handler is enabled for this level
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// Config controls where SetupLogger ships log records. SeqEndpoint empty
// disables the Seq handler outright (useful for tests and for a session
// run with no Seq server nearby) rather than relying on a dial failure
// to fall back.
type Config struct {
	SeqEndpoint   string
	Level         slog.Level
	BatchSize     int
	FlushInterval time.Duration
	// Origin tags every record with the apply session's origin name, so
	// one Seq instance aggregating several logirepd processes can filter
	// by which upstream a line came from.
	Origin string
}

// SetupLogger initializes the session logger and returns a cleanup
// function. cfg is owned by the caller (cmd/logirepd's flags) rather
// than hardcoded here.
func SetupLogger(cfg Config) (*slog.Logger, func()) {
	consoleHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: true,
	})

	var handler slog.Handler = consoleHandler
	closeFn := func() {}

	if cfg.SeqEndpoint != "" {
		_, seqHandler := slogseq.NewLogger(
			cfg.SeqEndpoint,
			slogseq.WithBatchSize(cfg.BatchSize),
			slogseq.WithFlushInterval(cfg.FlushInterval),
			slogseq.WithHandlerOptions(&slog.HandlerOptions{
				Level:     cfg.Level,
				AddSource: true,
			}),
		)
		if seqHandler != nil {
			handler = &multiHandler{handlers: []slog.Handler{consoleHandler, seqHandler}}
			closeFn = func() { seqHandler.Close() }
		}
	}

	logger := slog.New(handler)
	if cfg.Origin != "" {
		logger = logger.With("origin", cfg.Origin)
	}
	return logger, closeFn
}
