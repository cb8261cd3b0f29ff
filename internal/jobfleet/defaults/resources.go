package defaults

import (
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/armadaproject/jobfleet/internal/jobfleet/catalog"
	"github.com/armadaproject/jobfleet/internal/jobfleet/configuration"
)

// Used when neither the request, the command nor the system configuration supply a value.
const (
	FallbackCpu         int32 = 1
	FallbackGpu         int32 = 0
	FallbackMemoryMb    int64 = 1500
	FallbackDiskMb      int64 = 10 * 1024
	FallbackNetworkMbps int64 = 1250 * bitsPerByte
)

const (
	bytesPerMb  = 1 << 20
	bitsPerByte = 8
)

// ComputeResources is a fully resolved set of resources; every dimension is explicit.
type ComputeResources struct {
	Cpu         int32 `json:"cpu"`
	Gpu         int32 `json:"gpu"`
	MemoryMb    int64 `json:"memoryMb"`
	DiskMb      int64 `json:"diskMb"`
	NetworkMbps int64 `json:"networkMbps"`
}

// SystemDefaults are the configured, system wide defaults. A zero resource means the dimension isn't configured.
type SystemDefaults struct {
	Resources ComputeResources
	Images    map[string]catalog.Image
}

// ApplyDefaults resolves each resource dimension independently, taking the first value set from: the request, the
// command, the system defaults and finally the fallback constants.
func ApplyDefaults(requested catalog.PartialResources, command *catalog.Command, system ComputeResources) ComputeResources {
	var fromCommand catalog.PartialResources
	if command != nil {
		fromCommand = command.Resources
	}
	return ComputeResources{
		Cpu:         firstInt32(requested.Cpu, fromCommand.Cpu, system.Cpu, FallbackCpu),
		Gpu:         firstInt32(requested.Gpu, fromCommand.Gpu, system.Gpu, FallbackGpu),
		MemoryMb:    firstInt64(requested.MemoryMb, fromCommand.MemoryMb, system.MemoryMb, FallbackMemoryMb),
		DiskMb:      firstInt64(requested.DiskMb, fromCommand.DiskMb, system.DiskMb, FallbackDiskMb),
		NetworkMbps: firstInt64(requested.NetworkMbps, fromCommand.NetworkMbps, system.NetworkMbps, FallbackNetworkMbps),
	}
}

func firstInt32(requested *int32, command *int32, system int32, fallback int32) int32 {
	switch {
	case requested != nil:
		return *requested
	case command != nil:
		return *command
	case system != 0:
		return system
	}
	return fallback
}

func firstInt64(requested *int64, command *int64, system int64, fallback int64) int64 {
	switch {
	case requested != nil:
		return *requested
	case command != nil:
		return *command
	case system != 0:
		return system
	}
	return fallback
}

// QuantityToMb converts a data size to whole megabytes, rounding up so that a small non-zero size never becomes zero.
func QuantityToMb(q resource.Quantity) int64 {
	bytes := q.Value()
	if bytes <= 0 {
		return 0
	}
	return (bytes + bytesPerMb - 1) / bytesPerMb
}

// QuantityToMbps converts a data size per second to megabits per second.
func QuantityToMbps(q resource.Quantity) int64 {
	return QuantityToMb(q) * bitsPerByte
}

// FromConfig converts the configured defaults into SystemDefaults.
func FromConfig(config configuration.ResolutionConfig) SystemDefaults {
	images := make(map[string]catalog.Image, len(config.Images))
	for key, image := range config.Images {
		images[key] = catalog.Image{Name: image.Name, Tag: image.Tag, Arguments: image.Arguments}
	}
	return SystemDefaults{
		Resources: ComputeResources{
			Cpu:         config.Defaults.Cpu,
			Gpu:         config.Defaults.Gpu,
			MemoryMb:    QuantityToMb(config.Defaults.Memory),
			DiskMb:      QuantityToMb(config.Defaults.Disk),
			NetworkMbps: QuantityToMbps(config.Defaults.Network),
		},
		Images: images,
	}
}
