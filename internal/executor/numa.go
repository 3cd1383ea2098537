package executor

import (
	"os"
	"regexp"
)

var nodeDirPattern = regexp.MustCompile(`^node(\d+)$`)

// detectNUMANodes returns the number of NUMA nodes visible to this process,
// best-effort, via the Linux sysfs topology tree. It returns 1 when the
// tree is absent (non-Linux, containers without /sys mounted, or a
// single-node machine) — Go has no portable NUMA allocation API, so quip
// cannot pin memory to a node the way a native executor would; this
// detection only informs which workers are *tagged* as sharing a node, so
// that work-stealing prefers same-node peers first.
func detectNUMANodes() int {
	entries, err := os.ReadDir("/sys/devices/system/node")
	if err != nil {
		return 1
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() && nodeDirPattern.MatchString(e.Name()) {
			count++
		}
	}
	if count == 0 {
		return 1
	}
	return count
}

// numaNodeFor assigns worker index i to a NUMA node by simple round robin
// over the detected node count, so workers on the same node are adjacent in
// the steal order's preference list.
func numaNodeFor(i, nodeCount int) int {
	if nodeCount <= 1 {
		return 0
	}
	return i % nodeCount
}
