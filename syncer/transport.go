// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/Mateo-Piedra22/gym-management-system-sub007/internal/auth"
)

// ErrEndpointGone marks a permanent upload failure (the remote
// ingestion endpoint no longer exists). The uploader stops retrying
// when it sees this error.
var ErrEndpointGone = errors.New("upload endpoint gone")

// Transport ships one batch of operations to the remote side.
//
// ok reports whether the batch was accepted at all; acked lists the
// dedup keys the remote confirmed. A transport may accept a batch
// while acking only part of it.
type Transport interface {
	Send(ctx context.Context, batch []ChangeOperation) (ok bool, acked []string, err error)
}

// UploadRequest is the POST /api/sync/upload body.
type UploadRequest struct {
	Operations []ChangeOperation `json:"operations"`
	ClientTime string            `json:"client_time"` // ISO-8601 at send time
	DeviceID   string            `json:"device_id"`
	SyncFlags  map[string]any    `json:"sync_flags,omitempty"`
}

// UploadResponse is the remote's acknowledgment.
type UploadResponse struct {
	Sent   int      `json:"sent"`   // operations the remote ingested
	Failed int      `json:"failed"` // operations it rejected
	Acked  []string `json:"acked"`  // dedup keys confirmed durable
}

// HTTPTransport posts batches to the remote sync API.
type HTTPTransport struct {
	baseURL     string
	uploadToken string
	deviceID    string
	tokens      *auth.TokenProvider
	client      *http.Client
}

// NewHTTPTransport builds a transport for baseURL. tokens may be nil
// when JWT auth is not configured; uploadToken may be empty.
func NewHTTPTransport(baseURL, uploadToken, deviceID string, tokens *auth.TokenProvider, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{
		baseURL:     baseURL,
		uploadToken: uploadToken,
		deviceID:    deviceID,
		tokens:      tokens,
		client:      client,
	}
}

func (t *HTTPTransport) Send(ctx context.Context, batch []ChangeOperation) (bool, []string, error) {
	reqBody := UploadRequest{
		Operations: batch,
		ClientTime: time.Now().UTC().Format(time.RFC3339),
		DeviceID:   t.deviceID,
		SyncFlags:  map[string]any{"client": "gymd"},
	}
	data, err := json.Marshal(&reqBody)
	if err != nil {
		return false, nil, fmt.Errorf("transport: marshal upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/sync/upload", bytes.NewReader(data))
	if err != nil {
		return false, nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.uploadToken != "" {
		req.Header.Set("X-Upload-Token", t.uploadToken)
	}
	if tok, err := t.tokens.Token(); err != nil {
		return false, nil, fmt.Errorf("transport: mint token: %w", err)
	} else if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return false, nil, fmt.Errorf("transport: upload: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return false, nil, fmt.Errorf("transport: status %d: %w", resp.StatusCode, ErrEndpointGone)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, nil, fmt.Errorf("transport: upload failed with status %d: %s", resp.StatusCode, body)
	}

	var ur UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		// A bare 2xx with no parseable body still means the batch was
		// accepted; treat every keyed op as acknowledged.
		return true, batchKeys(batch), nil
	}
	return true, ur.Acked, nil
}

// FileTransport appends operations to a local JSONL file. Used when
// no remote URL is configured, so changes are still drained from the
// queue and auditable on disk.
type FileTransport struct {
	Path string
}

func (t *FileTransport) Send(_ context.Context, batch []ChangeOperation) (bool, []string, error) {
	f, err := os.OpenFile(t.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, nil, fmt.Errorf("transport: open outbox file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, op := range batch {
		if err := enc.Encode(op); err != nil {
			return false, nil, fmt.Errorf("transport: append outbox file: %w", err)
		}
	}
	return true, batchKeys(batch), nil
}

func batchKeys(batch []ChangeOperation) []string {
	var keys []string
	for _, op := range batch {
		if op.DedupKey != "" {
			keys = append(keys, op.DedupKey)
		}
	}
	return keys
}
