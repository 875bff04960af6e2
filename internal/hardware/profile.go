package hardware

import (
	"fmt"
)

// Device identifies the execution device for the transcription model
type Device string

const (
	DeviceCPU Device = "cpu"
	DeviceGPU Device = "gpu"
)

// Supported compute precisions. float16 and int8_float16 require a GPU;
// int8 works everywhere and is the degradation target.
const (
	PrecisionFloat16     = "float16"
	PrecisionInt8Float16 = "int8_float16"
	PrecisionInt8        = "int8"
)

// Known model sizes, smallest first
const (
	ModelTiny        = "tiny"
	ModelBase        = "base"
	ModelSmall       = "small"
	ModelMedium      = "medium"
	ModelDistilLarge = "distil-large-v3"
	ModelLarge       = "large-v3"
)

// Profile is the resolved execution profile: device, numeric precision,
// model size and the safe transcription concurrency degree. It is created
// once at process start and immutable afterwards.
type Profile struct {
	Device           Device
	ComputePrecision string
	Model            string
	Concurrency      int

	// Probed hardware facts, kept for logging and monitoring endpoints
	GPUName        string
	GPUMemoryMB    int
	SystemMemoryMB int
	CPUCount       int
}

// Warning reports a non-fatal problem encountered during profile
// resolution: either a probing failure that forced a degradation, or an
// explicit override that the detected hardware cannot honour.
type Warning struct {
	Kind    string // "probe" or "config"
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("[%s] %s", w.Kind, w.Message)
}

// Overrides carries explicit device/model/precision requests. Empty fields
// mean auto-detection. Overrides take precedence but are validated against
// the detected hardware; an impossible override downgrades with a config
// warning rather than failing resolution.
type Overrides struct {
	Device         string
	Model          string
	Precision      string
	GPUConcurrency int
}

// IsValidModel reports whether name is a recognized model size
func IsValidModel(name string) bool {
	switch name {
	case ModelTiny, ModelBase, ModelSmall, ModelMedium, ModelDistilLarge, ModelLarge:
		return true
	}
	return false
}

// ModelFileName returns the ggml weight file name for a model size
func ModelFileName(model string) string {
	return fmt.Sprintf("ggml-%s.bin", model)
}

// Resolve derives an execution profile from probed hardware capabilities
// and explicit overrides. It never fails: every probing error and every
// invalid override degrades toward the safest profile (CPU, int8, tiny)
// and is reported as a warning for the caller to log.
func Resolve(probe Probe, ov Overrides) (Profile, []Warning) {
	var warnings []Warning

	profile := Profile{
		Device:           DeviceCPU,
		ComputePrecision: PrecisionInt8,
		Model:            ModelTiny,
		Concurrency:      1,
		CPUCount:         probe.CPUCount(),
	}
	if profile.CPUCount < 1 {
		profile.CPUCount = 1
	}

	memMB, err := probe.SystemMemoryMB()
	if err != nil {
		warnings = append(warnings, Warning{
			Kind:    "probe",
			Message: fmt.Sprintf("system memory probe failed, assuming 8 GiB: %v", err),
		})
		memMB = 8 * 1024
	}
	profile.SystemMemoryMB = memMB

	gpu, gpuErr := probe.GPU()
	hasGPU := gpuErr == nil && gpu.Present
	if gpuErr != nil {
		warnings = append(warnings, Warning{
			Kind:    "probe",
			Message: fmt.Sprintf("GPU probe failed, assuming CPU-only host: %v", gpuErr),
		})
	}
	if hasGPU {
		profile.GPUName = gpu.Name
		profile.GPUMemoryMB = gpu.MemoryMB
	}

	// Device: override wins if the hardware can honour it.
	switch ov.Device {
	case "", "auto":
		if hasGPU {
			profile.Device = DeviceGPU
		}
	case "cpu":
		profile.Device = DeviceCPU
	case "gpu":
		if hasGPU {
			profile.Device = DeviceGPU
		} else {
			warnings = append(warnings, Warning{
				Kind:    "config",
				Message: "explicit device 'gpu' requested but no compatible GPU detected, using cpu",
			})
		}
	default:
		warnings = append(warnings, Warning{
			Kind:    "config",
			Message: fmt.Sprintf("unknown device override %q, using auto-detection", ov.Device),
		})
		if hasGPU {
			profile.Device = DeviceGPU
		}
	}

	// Default model/precision matrix by resolved device.
	if profile.Device == DeviceGPU {
		profile.Model = ModelDistilLarge
		profile.ComputePrecision = PrecisionInt8Float16
		profile.Concurrency = 1
		if gpu.MemoryMB >= 16*1024 {
			profile.Concurrency = 2
		}
	} else {
		profile.ComputePrecision = PrecisionInt8
		if memMB >= 8*1024 {
			profile.Model = ModelSmall
		} else {
			profile.Model = ModelTiny
		}
		profile.Concurrency = profile.CPUCount
		if profile.Concurrency > 4 {
			profile.Concurrency = 4
		}
	}

	// Model override.
	if ov.Model != "" {
		if IsValidModel(ov.Model) {
			profile.Model = ov.Model
		} else {
			warnings = append(warnings, Warning{
				Kind:    "config",
				Message: fmt.Sprintf("unknown model %q, keeping %q", ov.Model, profile.Model),
			})
		}
	}

	// Precision override, validated against the resolved device.
	if ov.Precision != "" {
		switch ov.Precision {
		case PrecisionInt8:
			profile.ComputePrecision = PrecisionInt8
		case PrecisionFloat16, PrecisionInt8Float16:
			if profile.Device == DeviceGPU {
				profile.ComputePrecision = ov.Precision
			} else {
				warnings = append(warnings, Warning{
					Kind: "config",
					Message: fmt.Sprintf("compute precision %q requires a GPU, using %s",
						ov.Precision, PrecisionInt8),
				})
			}
		default:
			warnings = append(warnings, Warning{
				Kind:    "config",
				Message: fmt.Sprintf("unknown compute precision %q, keeping %q", ov.Precision, profile.ComputePrecision),
			})
		}
	}

	if ov.GPUConcurrency > 0 && profile.Device == DeviceGPU {
		profile.Concurrency = ov.GPUConcurrency
	}

	return profile, warnings
}

// String returns a compact human-readable profile summary
func (p Profile) String() string {
	return fmt.Sprintf("Profile{device: %s, precision: %s, model: %s, concurrency: %d}",
		p.Device, p.ComputePrecision, p.Model, p.Concurrency)
}
