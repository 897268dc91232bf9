// Package containerdetect implements the builder's refusal to start while
// already running inside a container isolation boundary it should itself be
// supervising, grounded on distri's usernsError (internal/build/userns.go),
// which sniffs /proc/1/cgroup for the same purpose.
package containerdetect

import (
	"os"
	"strings"
)

// Markers are substrings looked for in /proc/1/cgroup that indicate the
// current process is already running inside a container runtime.
var markers = []string{"docker", "lxc", "kubepods"}

// Detect returns the container runtime marker found in /proc/1/cgroup, or
// "" if none matched (including when the file cannot be read, e.g. on a
// non-Linux system or inside a minimal chroot without /proc).
func Detect() string {
	b, err := os.ReadFile("/proc/1/cgroup")
	if err != nil {
		return ""
	}
	contents := string(b)
	for _, m := range markers {
		if strings.Contains(contents, m) {
			return m
		}
	}
	return ""
}

// Refuse returns a non-empty explanation if the builder should refuse to
// start, to avoid accidentally nesting its own container-scoped builds
// inside an outer container boundary it isn't aware of.
func Refuse() string {
	marker := Detect()
	if marker == "" {
		return ""
	}
	return "refusing to start: this process appears to be running inside a " +
		marker + " container already; nesting the builder's own build containers " +
		"inside it is not supported. Run the builder on the host instead."
}
