package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ehcore/internal/events"
)

func TestNewWritesConsoleAndJSON(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	log, sink, err := New(&console, dir)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if sink == nil {
		t.Fatal("expected non-nil UiSinkHandler")
	}

	log.Info("hello world", "url", "https://e-hentai.org/g/1/abc/")

	if !strings.Contains(console.String(), "hello world") {
		t.Errorf("expected console output to contain message, got %q", console.String())
	}

	raw, err := os.ReadFile(filepath.Join(dir, "engine.json"))
	if err != nil {
		t.Fatalf("read json log: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(raw), &decoded); err != nil {
		t.Fatalf("decode json log line: %v", err)
	}
	if decoded["msg"] != "hello world" {
		t.Errorf("expected msg field 'hello world', got %v", decoded["msg"])
	}
}

func TestUiSinkHandlerPublishesOnceBusAttached(t *testing.T) {
	dir := t.TempDir()
	log, sink, err := New(&bytes.Buffer{}, dir)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	bus := events.New(nil)
	defer bus.Close()

	received := make(chan events.Event, 1)
	bus.Subscribe(events.KindGuiUpdateRequired, func(ev events.Event) {
		received <- ev
	})

	// Before SetBus, logging must not panic or block.
	log.Warn("no sink yet")

	sink.SetBus(bus)
	log.Warn("sink attached")

	select {
	case ev := <-received:
		payload, ok := ev.Payload.(map[string]interface{})
		if !ok {
			t.Fatalf("expected map payload, got %T", ev.Payload)
		}
		if payload["message"] != "sink attached" {
			t.Errorf("expected message 'sink attached', got %v", payload["message"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}
