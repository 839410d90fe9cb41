// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

// Package conflict implements last-writer-wins resolution over the
// logical clock metadata carried by every synchronized row.
//
// Each row is stamped with a pair (logical_ts, last_op_id): a
// monotonically increasing per-node counter and the UUID of the
// operation that produced the version. Comparing two versions of the
// same row is a total order: higher logical_ts wins, and a tie on
// logical_ts is broken lexicographically by last_op_id so that two
// nodes always agree regardless of comparison direction.
package conflict

// Version identifies one concrete version of a synchronized row.
type Version struct {
	LogicalTS int64  // per-node logical clock value, 0 when unstamped
	LastOpID  string // UUID of the operation that wrote this version
}

// Outcome reports which side a comparison favored.
type Outcome int

const (
	// KeepLocal means the local version is newer and the incoming
	// change must be discarded.
	KeepLocal Outcome = iota
	// ApplyRemote means the incoming version supersedes the local row.
	ApplyRemote
)

func (o Outcome) String() string {
	if o == KeepLocal {
		return "keep_local"
	}
	return "apply_remote"
}

// Compare orders two versions: -1 when a is older than b, 0 when
// equal, +1 when a is newer.
func Compare(a, b Version) int {
	switch {
	case a.LogicalTS < b.LogicalTS:
		return -1
	case a.LogicalTS > b.LogicalTS:
		return 1
	case a.LastOpID < b.LastOpID:
		return -1
	case a.LastOpID > b.LastOpID:
		return 1
	}
	return 0
}

// NewerThan reports whether v supersedes other.
func (v Version) NewerThan(other Version) bool {
	return Compare(v, other) > 0
}

// Resolve decides whether an incoming remote version should overwrite
// the local one. A remote version that equals the local version is not
// applied; re-applying an identical version would churn triggers for
// no observable change.
func Resolve(local, remote Version) Outcome {
	if remote.NewerThan(local) {
		return ApplyRemote
	}
	return KeepLocal
}

// Zero reports whether v carries no logical clock metadata at all.
// Rows that predate the clock install are treated as older than any
// stamped version.
func (v Version) Zero() bool {
	return v.LogicalTS == 0 && v.LastOpID == ""
}
