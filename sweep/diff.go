// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package sweep

// SplitKeys partitions the two sites' primary-key sets. missing lists
// local keys absent on the remote, orphaned lists remote keys absent
// locally, shared lists keys present on both. Order follows the local
// (resp. remote) input so repairs run in a stable order.
func SplitKeys(local, remote []string) (missing, orphaned, shared []string) {
	remoteSet := make(map[string]struct{}, len(remote))
	for _, k := range remote {
		remoteSet[k] = struct{}{}
	}
	localSet := make(map[string]struct{}, len(local))
	for _, k := range local {
		localSet[k] = struct{}{}
	}

	for _, k := range local {
		if _, ok := remoteSet[k]; ok {
			shared = append(shared, k)
		} else {
			missing = append(missing, k)
		}
	}
	for _, k := range remote {
		if _, ok := localSet[k]; !ok {
			orphaned = append(orphaned, k)
		}
	}
	return missing, orphaned, shared
}
