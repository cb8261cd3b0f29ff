package catalog

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/armadaproject/jobfleet/internal/common/armadaerrors"
	"github.com/armadaproject/jobfleet/internal/jobfleet/tags"
)

// prepare validates m and fixes up its identity and name tags. Created is preserved from existing, if any.
func prepare(m *Metadata, existing *Metadata, now time.Time) error {
	if strings.TrimSpace(m.Id) == "" {
		return errors.WithStack(&armadaerrors.ErrInvalidArgument{Name: "id", Value: m.Id, Message: "id is required"})
	}
	if strings.TrimSpace(m.Name) == "" {
		return errors.WithStack(&armadaerrors.ErrInvalidArgument{Name: "name", Value: m.Name, Message: "name is required"})
	}
	tagged, err := tags.WithIdentity(m.Tags, m.Id, m.Name)
	if err != nil {
		return err
	}
	m.Tags = tagged
	if existing != nil {
		m.Created = existing.Created
	} else if m.Created.IsZero() {
		m.Created = now
	}
	m.Updated = now
	return nil
}

func validateClusterStatus(status ClusterStatus) error {
	if !IsClusterStatus(string(status)) {
		return errors.WithStack(&armadaerrors.ErrInvalidArgument{Name: "status", Value: status, Message: "unknown cluster status"})
	}
	return nil
}

func validateStatus(status Status) error {
	if !IsStatus(string(status)) {
		return errors.WithStack(&armadaerrors.ErrInvalidArgument{Name: "status", Value: status, Message: "unknown status"})
	}
	return nil
}

// ValidateResources rejects negative resource values. Unset values are fine.
func ValidateResources(r PartialResources) error {
	int32s := []struct {
		name  string
		value *int32
	}{{"cpu", r.Cpu}, {"gpu", r.Gpu}}
	for _, f := range int32s {
		if f.value != nil && *f.value < 0 {
			return errors.WithStack(&armadaerrors.ErrInvalidArgument{Name: f.name, Value: *f.value, Message: "must not be negative"})
		}
	}
	int64s := []struct {
		name  string
		value *int64
	}{{"memoryMb", r.MemoryMb}, {"diskMb", r.DiskMb}, {"networkMbps", r.NetworkMbps}}
	for _, f := range int64s {
		if f.value != nil && *f.value < 0 {
			return errors.WithStack(&armadaerrors.ErrInvalidArgument{Name: f.name, Value: *f.value, Message: "must not be negative"})
		}
	}
	return nil
}
