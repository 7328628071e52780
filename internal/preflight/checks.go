// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Options describes the run being checked.
type Options struct {
	// Device is "sim" or the path of the accelerator device node.
	Device string

	// GraphFile is the graph description, empty for the built-in one.
	GraphFile string

	// Outputs is the number of configured output streams.
	Outputs int

	// BufferCount is the number of buffers each pipeline queue holds.
	BufferCount int

	// MaxInFlight bounds the frames the requester keeps outstanding.
	MaxInFlight int
}

// SimDevice names the simulated accelerator.
const SimDevice = "sim"

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// RunAll executes all preflight checks.
func RunAll(opts Options) *Result {
	result := &Result{
		Checks: make([]Check, 0, 4),
		Passed: true,
	}
	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	add(checkFileDescriptors(opts))
	add(checkDevice(opts.Device))
	if opts.GraphFile != "" {
		add(checkGraphFile(opts.GraphFile))
	}
	// Locked memory only matters for mapped device buffers; warning only.
	if opts.Device != SimDevice {
		add(checkLockedMemory(opts))
	}

	return result
}

// requiredFDs estimates descriptors for a run: every queued or in-flight
// frame on every stream may hold an exported buffer handle.
func requiredFDs(opts Options) int {
	streams := opts.Outputs + 1
	return (opts.BufferCount+opts.MaxInFlight)*streams*2 + 64
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(opts Options) Check {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to read limit: %v", err),
		}
	}

	required := requiredFDs(opts)
	actual := clampLimit(limit.Cur)

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d streams)", actual, required, opts.Outputs+1),
	}
}

// checkDevice verifies the accelerator node exists, is a character device
// and can be opened for reading and writing.
func checkDevice(path string) Check {
	if path == SimDevice {
		return Check{
			Name:    "device",
			Passed:  true,
			Message: "simulated accelerator",
		}
	}

	fi, err := os.Stat(path)
	if err != nil {
		return Check{
			Name:    "device",
			Passed:  false,
			Message: fmt.Sprintf("not found at %s: %v", path, err),
		}
	}
	if fi.Mode()&os.ModeCharDevice == 0 {
		return Check{
			Name:    "device",
			Passed:  false,
			Message: fmt.Sprintf("%s is not a character device (%s)", path, fi.Mode()),
		}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK); err != nil {
		return Check{
			Name:    "device",
			Passed:  false,
			Message: fmt.Sprintf("no read/write access to %s: %v", path, err),
		}
	}

	return Check{
		Name:    "device",
		Passed:  true,
		Message: fmt.Sprintf("found at %s", path),
	}
}

// checkGraphFile verifies the graph description can be read.
func checkGraphFile(path string) Check {
	fi, err := os.Stat(path)
	if err != nil {
		return Check{
			Name:    "graph_file",
			Passed:  false,
			Message: fmt.Sprintf("not found at %s: %v", path, err),
		}
	}
	if fi.IsDir() {
		return Check{
			Name:    "graph_file",
			Passed:  false,
			Message: fmt.Sprintf("%s is a directory", path),
		}
	}
	if err := unix.Access(path, unix.R_OK); err != nil {
		return Check{
			Name:    "graph_file",
			Passed:  false,
			Message: fmt.Sprintf("cannot read %s: %v", path, err),
		}
	}
	return Check{
		Name:    "graph_file",
		Passed:  true,
		Message: fmt.Sprintf("%s (%d bytes)", path, fi.Size()),
	}
}

// checkLockedMemory warns when the memlock limit is below what the mapped
// buffers are likely to pin.
func checkLockedMemory(opts Options) Check {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &limit); err != nil {
		return Check{
			Name:    "locked_memory",
			Passed:  true,
			Warning: true,
			Message: "unable to read limit",
		}
	}

	// Kilobytes; one page per mapped buffer descriptor.
	recommended := (opts.BufferCount + opts.MaxInFlight) * (opts.Outputs + 1) * 4
	actual := clampLimit(limit.Cur / 1024)

	return Check{
		Name:     "locked_memory",
		Required: recommended,
		Actual:   actual,
		Passed:   true, // Don't fail on this
		Warning:  actual < recommended,
		Message:  fmt.Sprintf("ulimit -l %d KiB (recommend %d)", actual, recommended),
	}
}

func clampLimit(v uint64) int {
	const maxInt = int(^uint(0) >> 1)
	// RLIM_INFINITY is all ones and clamps too.
	if v > uint64(maxInt) {
		return maxInt
	}
	return int(v)
}

// PrintResults prints the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	var b strings.Builder
	b.WriteString("Preflight checks:\n")
	for _, check := range result.Checks {
		b.WriteString(check.String())
		b.WriteByte('\n')
		if !check.Passed {
			fmt.Fprintf(&b, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	b.WriteByte('\n')
	io.WriteString(w, b.String())
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case "device":
		return "load the accelerator driver and add the user to the video group"
	case "graph_file":
		return "check the -graph path, or omit it to use the built-in graph"
	case "locked_memory":
		return "ulimit -l unlimited (or edit /etc/security/limits.conf)"
	default:
		return "see documentation"
	}
}
