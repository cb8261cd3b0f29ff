package catalog

import (
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/jobfleet/internal/jobfleet/tags"
)

type ClusterStatus string

const (
	ClusterUp           ClusterStatus = "UP"
	ClusterOutOfService ClusterStatus = "OUT_OF_SERVICE"
	ClusterTerminated   ClusterStatus = "TERMINATED"
)

// Status is shared by commands and applications.
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusDeprecated Status = "DEPRECATED"
	StatusInactive   Status = "INACTIVE"
)

func IsClusterStatus(s string) bool {
	switch ClusterStatus(s) {
	case ClusterUp, ClusterOutOfService, ClusterTerminated:
		return true
	}
	return false
}

func IsStatus(s string) bool {
	switch Status(s) {
	case StatusActive, StatusDeprecated, StatusInactive:
		return true
	}
	return false
}

// Metadata is common to every catalog entity.
type Metadata struct {
	Id      string    `json:"id"`
	Name    string    `json:"name"`
	Version string    `json:"version"`
	User    string    `json:"user"`
	Tags    tags.Set  `json:"-"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

type Cluster struct {
	Metadata
	Status ClusterStatus `json:"status"`
}

// Image names a container image together with the arguments it is started with.
type Image struct {
	Name      string   `json:"name,omitempty"`
	Tag       string   `json:"tag,omitempty"`
	Arguments []string `json:"arguments,omitempty"`
}

func (i Image) IsComplete() bool {
	return i.Name != "" && i.Tag != ""
}

func (i Image) DeepCopy() Image {
	return Image{Name: i.Name, Tag: i.Tag, Arguments: slices.Clone(i.Arguments)}
}

// PartialResources holds resource values that may or may not be set. A nil field means unset.
type PartialResources struct {
	Cpu         *int32 `json:"cpu,omitempty"`
	Gpu         *int32 `json:"gpu,omitempty"`
	MemoryMb    *int64 `json:"memoryMb,omitempty"`
	DiskMb      *int64 `json:"diskMb,omitempty"`
	NetworkMbps *int64 `json:"networkMbps,omitempty"`
}

type Command struct {
	Metadata
	Status     Status           `json:"status"`
	Executable []string         `json:"executable"`
	Resources  PartialResources `json:"resources"`
	Images     map[string]Image `json:"images,omitempty"`
}

type Application struct {
	Metadata
	Status Status `json:"status"`
	Type   string `json:"type,omitempty"`
}

func copyImages(images map[string]Image) map[string]Image {
	if images == nil {
		return nil
	}
	result := make(map[string]Image, len(images))
	for _, k := range maps.Keys(images) {
		result[k] = images[k].DeepCopy()
	}
	return result
}

// DeepCopy returns a copy of c that shares no slices or maps with it.
func (c *Command) DeepCopy() *Command {
	cp := *c
	cp.Executable = slices.Clone(c.Executable)
	cp.Images = copyImages(c.Images)
	return &cp
}
