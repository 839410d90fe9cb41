// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package conflict

import "testing"

func TestResolve(t *testing.T) {
	tests := []struct {
		name   string
		local  Version
		remote Version
		want   Outcome
	}{
		{
			name:   "higher remote ts wins",
			local:  Version{LogicalTS: 5, LastOpID: "zzz"},
			remote: Version{LogicalTS: 6, LastOpID: "aaa"},
			want:   ApplyRemote,
		},
		{
			name:   "higher local ts wins",
			local:  Version{LogicalTS: 9, LastOpID: "aaa"},
			remote: Version{LogicalTS: 6, LastOpID: "zzz"},
			want:   KeepLocal,
		},
		{
			name:   "ts tie broken by op id",
			local:  Version{LogicalTS: 4, LastOpID: "111e8400-e29b-41d4-a716-446655440000"},
			remote: Version{LogicalTS: 4, LastOpID: "999e8400-e29b-41d4-a716-446655440000"},
			want:   ApplyRemote,
		},
		{
			name:   "identical version is not reapplied",
			local:  Version{LogicalTS: 4, LastOpID: "abc"},
			remote: Version{LogicalTS: 4, LastOpID: "abc"},
			want:   KeepLocal,
		},
		{
			name:   "unstamped local loses to any stamped remote",
			local:  Version{},
			remote: Version{LogicalTS: 1, LastOpID: "a"},
			want:   ApplyRemote,
		},
		{
			name:   "unstamped remote never overwrites stamped local",
			local:  Version{LogicalTS: 1, LastOpID: "a"},
			remote: Version{},
			want:   KeepLocal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.local, tt.remote); got != tt.want {
				t.Fatalf("Resolve(%+v, %+v) = %v, want %v", tt.local, tt.remote, got, tt.want)
			}
		})
	}
}

func TestResolveSymmetry(t *testing.T) {
	// Two nodes comparing the same distinct pair must reach opposite
	// conclusions, otherwise both could keep their own row.
	a := Version{LogicalTS: 7, LastOpID: "aaa"}
	b := Version{LogicalTS: 7, LastOpID: "bbb"}

	if Resolve(a, b) != ApplyRemote {
		t.Fatalf("expected b to supersede a")
	}
	if Resolve(b, a) != KeepLocal {
		t.Fatalf("expected b kept over a from the other direction")
	}
}

func TestCompareTotalOrder(t *testing.T) {
	// Ascending by (LogicalTS, LastOpID).
	ordered := []Version{
		{},
		{LogicalTS: 0, LastOpID: "a"},
		{LogicalTS: 1, LastOpID: ""},
		{LogicalTS: 1, LastOpID: "b"},
		{LogicalTS: 3, LastOpID: "a"},
	}
	for i := range ordered {
		for j := range ordered {
			got := Compare(ordered[i], ordered[j])
			want := 0
			if i < j {
				want = -1
			} else if i > j {
				want = 1
			}
			if got != want {
				t.Fatalf("Compare(%+v, %+v) = %d, want %d", ordered[i], ordered[j], got, want)
			}
		}
	}
}

func TestVersionZero(t *testing.T) {
	if !(Version{}).Zero() {
		t.Fatalf("empty version should be zero")
	}
	if (Version{LogicalTS: 1}).Zero() {
		t.Fatalf("stamped version should not be zero")
	}
}
