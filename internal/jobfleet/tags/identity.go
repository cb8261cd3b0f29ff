package tags

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/armadaproject/jobfleet/internal/common/armadaerrors"
)

func IdTag(id string) string {
	return IdPrefix + id
}

func NameTag(name string) string {
	return NamePrefix + name
}

func IsIdTag(tag string) bool {
	return strings.HasPrefix(tag, IdPrefix)
}

func IsNameTag(tag string) bool {
	return strings.HasPrefix(tag, NamePrefix)
}

// WithIdentity returns s with its identity and name tags set to those of the entity with the given id and name.
// Stale identity or name tags are stripped first. A set carrying more than one identity tag or more than one name
// tag is rejected rather than repaired.
func WithIdentity(s Set, id string, name string) (Set, error) {
	if strings.TrimSpace(id) == "" {
		return Set{}, errors.WithStack(&armadaerrors.ErrInvalidArgument{Name: "id", Value: id, Message: "id must not be empty"})
	}
	if strings.TrimSpace(name) == "" {
		return Set{}, errors.WithStack(&armadaerrors.ErrInvalidArgument{Name: "name", Value: name, Message: "name must not be empty"})
	}
	idTags, nameTags := identityTags(s)
	if len(idTags) > 1 {
		return Set{}, errors.WithStack(&armadaerrors.ErrInvalidArgument{
			Name:    "tags",
			Value:   idTags,
			Message: "more than one identity tag supplied",
		})
	}
	if len(nameTags) > 1 {
		return Set{}, errors.WithStack(&armadaerrors.ErrInvalidArgument{
			Name:    "tags",
			Value:   nameTags,
			Message: "more than one name tag supplied",
		})
	}
	stripped := s.Without(append(idTags, nameTags...)...)
	result, err := stripped.With(IdTag(id), NameTag(name))
	if err != nil {
		return Set{}, err
	}
	if err := ValidateIdentity(result); err != nil {
		return Set{}, err
	}
	return result, nil
}

// ValidateIdentity checks that s carries exactly one identity tag and exactly one name tag.
func ValidateIdentity(s Set) error {
	idTags, nameTags := identityTags(s)
	if len(idTags) != 1 || len(nameTags) != 1 {
		return errors.WithStack(&armadaerrors.ErrInvalidArgument{
			Name:    "tags",
			Value:   s.String(),
			Message: "expected exactly one identity tag and exactly one name tag",
		})
	}
	return nil
}

// UserTags returns the tags of s excluding identity and name tags.
func UserTags(s Set) []string {
	result := make([]string, 0, len(s.tags))
	for _, tag := range s.tags {
		if !IsIdTag(tag) && !IsNameTag(tag) {
			result = append(result, tag)
		}
	}
	return result
}

func identityTags(s Set) (idTags []string, nameTags []string) {
	for _, tag := range s.tags {
		switch {
		case IsIdTag(tag):
			idTags = append(idTags, tag)
		case IsNameTag(tag):
			nameTags = append(nameTags, tag)
		}
	}
	return idTags, nameTags
}
