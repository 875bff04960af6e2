package hardware

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// GPUInfo describes a detected GPU runtime
type GPUInfo struct {
	Present  bool
	Name     string
	MemoryMB int
}

// Probe abstracts hardware probing so profile resolution can be tested
// without real hardware. SystemProbe is the production implementation.
type Probe interface {
	// GPU reports whether a compatible GPU runtime is usable on this host.
	// A missing driver or tool is reported as (Present: false, nil error);
	// errors are reserved for probes that could not run at all.
	GPU() (GPUInfo, error)

	// SystemMemoryMB returns total system memory in MiB.
	SystemMemoryMB() (int, error)

	// CPUCount returns the number of logical CPUs.
	CPUCount() int
}

// SystemProbe probes the real host: nvidia-smi for GPU presence and
// memory, /proc/meminfo for system memory, runtime.NumCPU for cores.
type SystemProbe struct {
	// MeminfoPath overrides the meminfo location, for tests. Empty means
	// the standard /proc/meminfo.
	MeminfoPath string
}

const probeTimeout = 5 * time.Second

// GPU checks for an NVIDIA GPU via nvidia-smi. An absent binary or a
// failing query means no usable GPU rather than an error: hosts without
// the driver stack are the common case, not a fault.
func (SystemProbe) GPU() (GPUInfo, error) {
	path, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return GPUInfo{}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path,
		"--query-gpu=name,memory.total",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		// Driver installed but not functional (no device, version mismatch).
		return GPUInfo{}, nil
	}

	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if line == "" {
		return GPUInfo{}, nil
	}

	info := GPUInfo{Present: true, Name: line}
	if idx := strings.LastIndex(line, ","); idx >= 0 {
		info.Name = strings.TrimSpace(line[:idx])
		if mb, err := strconv.Atoi(strings.TrimSpace(line[idx+1:])); err == nil {
			info.MemoryMB = mb
		}
	}

	return info, nil
}

// SystemMemoryMB reads total memory from /proc/meminfo
func (p SystemProbe) SystemMemoryMB() (int, error) {
	path := p.MeminfoPath
	if path == "" {
		path = "/proc/meminfo"
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, fmt.Errorf("failed to parse MemTotal: %w", err)
		}
		return kb / 1024, nil
	}

	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return 0, fmt.Errorf("MemTotal not found in %s", path)
}

// CPUCount returns the number of logical CPUs
func (SystemProbe) CPUCount() int {
	return runtime.NumCPU()
}
