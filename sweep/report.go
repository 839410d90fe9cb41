// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

// Package sweep reconciles the local and remote databases table by
// table: membership differences are repaired in bulk and shared rows
// are compared by their logical clock, with the newer side's values
// mirrored across.
package sweep

import "time"

// TableResult counts the repairs made to one table.
type TableResult struct {
	Inserted int `json:"inserted"` // rows copied to the remote site
	Deleted  int `json:"deleted"`  // orphaned remote rows removed
	Updated  int `json:"updated"`  // stale remote rows refreshed
	Errors   int `json:"errors"`   // rows skipped after a failure
}

// Report is the outcome of one full sweep.
type Report struct {
	StartedAt time.Time              `json:"started_at"`
	Elapsed   time.Duration          `json:"elapsed"`
	Tables    map[string]TableResult `json:"tables"`
}

// HasErrors reports whether any table recorded a row failure.
func (r *Report) HasErrors() bool {
	for _, tr := range r.Tables {
		if tr.Errors > 0 {
			return true
		}
	}
	return false
}

// TotalRepaired sums every insert, delete and update across tables.
func (r *Report) TotalRepaired() int {
	total := 0
	for _, tr := range r.Tables {
		total += tr.Inserted + tr.Deleted + tr.Updated
	}
	return total
}
