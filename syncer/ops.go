// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

// Package syncer implements the client side of gym data
// synchronization: a persistent upload queue, the uploader that
// drains it to the remote site, and the download worker that applies
// remote operations to the local database.
package syncer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ChangeOperation is one semantic change produced by the application
// layer, queued for upload and/or received from the remote site.
type ChangeOperation struct {
	OpID           string         `json:"op_id,omitempty"`            // UUID assigned at creation
	Name           string         `json:"type"`                       // e.g. "user.update"
	Payload        map[string]any `json:"payload"`                    // entity fields
	Timestamp      string         `json:"ts,omitempty"`               // ISO-8601 creation time
	DedupKey       string         `json:"dedup_key,omitempty"`        // derived natural key, empty when underivable
	SourceDeviceID string         `json:"source_device_id,omitempty"` // originating device
}

// NewOperation builds an operation with a fresh op id, the current
// timestamp and a derived dedup key.
func NewOperation(name string, payload map[string]any) ChangeOperation {
	op := ChangeOperation{
		OpID:      uuid.New().String(),
		Name:      name,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	op.DedupKey = DeriveDedupKey(op)
	return op
}

// DeriveDedupKey computes the natural dedup key for op, or "" when
// the operation type has no natural identity (such ops are never
// collapsed in the queue).
func DeriveDedupKey(op ChangeOperation) string {
	p := op.Payload
	switch op.Name {
	case "payment.update":
		u, ok1 := payloadInt(p, "user_id")
		m, ok2 := payloadInt(p, "month")
		y, ok3 := payloadInt(p, "year")
		if ok1 && ok2 && ok3 {
			return fmt.Sprintf("pay:%d:%d:%d", u, m, y)
		}
	case "payment.delete":
		u, ok1 := payloadInt(p, "user_id")
		m, ok2 := payloadInt(p, "month")
		y, ok3 := payloadInt(p, "year")
		if ok1 && ok2 && ok3 {
			return fmt.Sprintf("paydel:%d:%d:%d", u, m, y)
		}
	case "attendance.update":
		if u, ok := payloadInt(p, "user_id"); ok {
			return fmt.Sprintf("att:%d:%s", u, payloadString(p, "date"))
		}
	case "attendance.delete":
		if u, ok := payloadInt(p, "user_id"); ok {
			return fmt.Sprintf("attdel:%d:%s", u, payloadString(p, "date"))
		}
	case "user.add":
		if dni := payloadString(p, "dni"); dni != "" {
			return "uadd:" + dni
		}
		return fmt.Sprintf("uadd:%s:%s", payloadString(p, "name"), payloadString(p, "phone"))
	case "user.update":
		if u, ok := payloadInt(p, "user_id"); ok {
			return fmt.Sprintf("uupd:%d", u)
		}
	case "user.delete":
		if u, ok := payloadInt(p, "user_id"); ok {
			return fmt.Sprintf("udel:%d", u)
		}
	case "routine.assign":
		u, ok1 := payloadInt(p, "user_id")
		r, ok2 := payloadInt(p, "routine_id")
		if ok1 && ok2 {
			return fmt.Sprintf("rassign:%d:%d", u, r)
		}
	case "routine.unassign":
		u, ok1 := payloadInt(p, "user_id")
		r, ok2 := payloadInt(p, "routine_id")
		if ok1 && ok2 {
			return fmt.Sprintf("runassign:%d:%d", u, r)
		}
	}
	return ""
}

// payloadInt extracts an integer field tolerating the types JSON
// decoding can produce.
func payloadInt(p map[string]any, key string) (int64, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

func payloadString(p map[string]any, key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		// Integral values round-trip without a decimal point.
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
