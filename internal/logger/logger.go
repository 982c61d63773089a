// Package logger builds the engine's structured logger: a JSON file
// handler, a colorized console handler, and a UiSink handler that
// re-publishes log records as bus events for a control-API SSE client to
// observe in place of a GUI log pane (SPEC_FULL.md §2.1).
//
// Grounded in the teacher's internal/logger/logger.go trio
// (FanoutHandler/ConsoleHandler/WailsHandler): ConsoleHandler and
// FanoutHandler carry over unchanged. WailsHandler's
// runtime.EventsEmit(ctx, "log:entry", ...) call is replaced by a
// UiSinkHandler that publishes events.KindGuiUpdateRequired on the engine's
// own event bus, since the GUI widget tree is out of scope and there is no
// Wails runtime context to emit into.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ehcore/internal/events"
)

// ANSI color codes.
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Purple = "\033[35m"
	Cyan   = "\033[36m"
	Gray   = "\033[37m"
)

type ConsoleHandler struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleHandler(out io.Writer) *ConsoleHandler {
	return &ConsoleHandler{out: out}
}

func (h *ConsoleHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *ConsoleHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	levelColor := Reset
	switch r.Level {
	case slog.LevelDebug:
		levelColor = Gray
	case slog.LevelInfo:
		levelColor = Green
	case slog.LevelWarn:
		levelColor = Yellow
	case slog.LevelError:
		levelColor = Red
	}

	timeStr := r.Time.Format(time.TimeOnly)
	msg := fmt.Sprintf("%s%s%s [%s] %s\n", levelColor, r.Level.String()[:4], Reset, timeStr, r.Message)

	_, err := h.out.Write([]byte(msg))
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	return h
}

// UiSinkHandler republishes log records as events.KindGuiUpdateRequired
// events on the engine's bus. It is a no-op until SetBus is called, the
// same "attach lazily once the bridge exists" pattern the teacher's
// WailsHandler used for its runtime context.
type UiSinkHandler struct {
	mu  sync.Mutex
	bus *events.Bus
}

func NewUiSinkHandler() *UiSinkHandler {
	return &UiSinkHandler{}
}

// SetBus attaches the event bus log records are republished to.
func (h *UiSinkHandler) SetBus(bus *events.Bus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bus = bus
}

func (h *UiSinkHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *UiSinkHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	bus := h.bus
	h.mu.Unlock()

	if bus == nil {
		return nil
	}

	data := make(map[string]interface{})
	r.Attrs(func(a slog.Attr) bool {
		data[a.Key] = a.Value.Any()
		return true
	})

	bus.Publish(events.Event{
		Kind: events.KindGuiUpdateRequired,
		Payload: map[string]interface{}{
			"level":   r.Level.String(),
			"message": r.Message,
			"time":    r.Time.Format(time.RFC3339),
			"data":    data,
		},
	})

	return nil
}

func (h *UiSinkHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *UiSinkHandler) WithGroup(name string) slog.Handler {
	return h
}

// New creates a logger with a FanoutHandler (JSON file + console + UI
// sink). logDir is the directory the JSON log file is written under
// (caller picks it, typically under the OS config dir).
func New(consoleOutput io.Writer, logDir string) (*slog.Logger, *UiSinkHandler, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(filepath.Join(logDir, "engine.json"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	jsonHandler := slog.NewJSONHandler(f, nil)
	consoleHandler := NewConsoleHandler(consoleOutput)
	uiSinkHandler := NewUiSinkHandler()

	handler := &FanoutHandler{
		handlers: []slog.Handler{jsonHandler, consoleHandler, uiSinkHandler},
	}

	return slog.New(handler), uiSinkHandler, nil
}

type FanoutHandler struct {
	handlers []slog.Handler
}

func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		_ = handler.Handle(ctx, r)
	}
	return nil
}

func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithAttrs(attrs)
	}
	return &FanoutHandler{handlers: newHandlers}
}

func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithGroup(name)
	}
	return &FanoutHandler{handlers: newHandlers}
}
