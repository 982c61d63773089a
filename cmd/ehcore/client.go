package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"ehcore/internal/config"
	"ehcore/internal/storage"
)

// controlClient talks to an already-running `ehcore serve` process's
// control API. enqueue and status are thin HTTP clients rather than a
// second engine instance: the queue and orchestrator state live in the
// serve process's memory, so a second wiring would only ever see an
// empty queue of its own.
type controlClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// newControlClient opens just the storage/config layer (not the full
// engine) to resolve the token and port an already-running serve process
// is using, since both are persisted settings shared by any process
// pointed at the same data directory.
func newControlClient(dataDir string, flagPort int) (*controlClient, error) {
	if dataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolving default data dir: %w", err)
		}
		dataDir = filepath.Join(base, "ehcore")
	}

	store, err := storage.Open(filepath.Join(dataDir, "engine.db"))
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	cfg := config.NewConfigManager(store)
	port := flagPort
	if port == 0 {
		port = cfg.GetControlAPIPort()
	}

	return &controlClient{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		token:   cfg.GetControlAPIToken(),
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *controlClient) do(method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Ehcore-Token", c.token)
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

func (c *controlClient) post(path string, body any) (*http.Response, error) {
	return c.do(http.MethodPost, path, body)
}

func (c *controlClient) get(path string) (*http.Response, error) {
	return c.do(http.MethodGet, path, nil)
}
