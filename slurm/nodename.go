package slurm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Node names follow the partition-nodegroup-index scheme used by the cluster
// configuration, e.g. "gpu-a100-3".

// GroupPrefix returns the node name prefix shared by every node of a group.
func GroupPrefix(partition, nodegroup string) string {
	return partition + "-" + nodegroup + "-"
}

// NodeName formats the name of the index-th node of a group.
func NodeName(partition, nodegroup string, index int) string {
	return fmt.Sprintf("%s%d", GroupPrefix(partition, nodegroup), index)
}

// NodeIndex extracts the trailing numeric index of a node name.
func NodeIndex(name string) (int, error) {
	cut := strings.LastIndex(name, "-")
	if cut < 0 || cut == len(name)-1 {
		return 0, fmt.Errorf("node name '%s' has no index suffix", name)
	}

	index, err := strconv.Atoi(name[cut+1:])
	if err != nil || index < 0 {
		return 0, fmt.Errorf("node name '%s' has no numeric index", name)
	}
	return index, nil
}

// SortByIndex returns the names ordered by their numeric index, ascending.
// Names without a parseable index sort last, lexicographically. The input is
// not modified.
func SortByIndex(names []string) []string {
	sorted := make([]string, len(names))
	copy(sorted, names)

	sort.SliceStable(sorted, func(i, j int) bool {
		a, errA := NodeIndex(sorted[i])
		b, errB := NodeIndex(sorted[j])
		switch {
		case errA == nil && errB == nil:
			if a != b {
				return a < b
			}
			return sorted[i] < sorted[j]
		case errA == nil:
			return true
		case errB == nil:
			return false
		default:
			return sorted[i] < sorted[j]
		}
	})
	return sorted
}
