// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package sweep

// RowFilter decides whether a row participates in cross-site
// membership repair. Returning false exempts the row from both
// insertion onto the other site and deletion from it.
type RowFilter func(table string, row map[string]any) bool

// ProtectOwnerRows is the default filter: the designated owner
// account must exist independently on each site and is never
// propagated or removed by a sweep.
func ProtectOwnerRows(table string, row map[string]any) bool {
	if table != "users" {
		return true
	}
	role, _ := row["role"].(string)
	return role != "owner"
}

// AllowAll syncs every row. Useful in tests.
func AllowAll(string, map[string]any) bool { return true }
