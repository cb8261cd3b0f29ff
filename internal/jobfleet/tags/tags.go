package tags

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/jobfleet/internal/common/armadaerrors"
)

const (
	Prefix = "jobfleet"
	// IdPrefix starts the identity tag carried by every catalog entity.
	IdPrefix = Prefix + ".id:"
	// NamePrefix starts the name tag carried by every catalog entity.
	NamePrefix = Prefix + ".name:"

	delimiter = "|"
)

// Set is an immutable, normalised set of tags. Tags are held sorted and de-duplicated; the search string is derived
// from them whenever a new Set is produced and is never edited directly.
type Set struct {
	tags   []string
	search string
}

// New builds a Set from the supplied tags. Surrounding whitespace is trimmed. Empty tags and tags containing the
// search delimiter are rejected.
func New(tags ...string) (Set, error) {
	normalised := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			return Set{}, errors.WithStack(&armadaerrors.ErrInvalidArgument{
				Name:    "tags",
				Value:   tags,
				Message: "tags must not be empty",
			})
		}
		if strings.Contains(tag, delimiter) {
			return Set{}, errors.WithStack(&armadaerrors.ErrInvalidArgument{
				Name:    "tags",
				Value:   tag,
				Message: "tags must not contain " + delimiter,
			})
		}
		normalised = append(normalised, tag)
	}
	return fromNormalised(normalised), nil
}

// MustNew is New for tags known to be valid, such as literals in tests.
func MustNew(tags ...string) Set {
	s, err := New(tags...)
	if err != nil {
		panic(err)
	}
	return s
}

func fromNormalised(tags []string) Set {
	sort.Strings(tags)
	tags = slices.Compact(tags)
	var sb strings.Builder
	for _, tag := range tags {
		sb.WriteString(delimiter)
		sb.WriteString(tag)
		sb.WriteString(delimiter)
	}
	return Set{tags: tags, search: sb.String()}
}

// Tags returns a sorted copy of the tags in the set.
func (s Set) Tags() []string {
	return slices.Clone(s.tags)
}

func (s Set) Len() int {
	return len(s.tags)
}

func (s Set) IsEmpty() bool {
	return len(s.tags) == 0
}

func (s Set) Contains(tag string) bool {
	_, found := slices.BinarySearch(s.tags, tag)
	return found
}

// ContainsAll reports whether s is a superset of other.
func (s Set) ContainsAll(other Set) bool {
	for _, tag := range other.tags {
		if !s.Contains(tag) {
			return false
		}
	}
	return true
}

// SearchString is the derived index form of the set, every tag wrapped in the delimiter, e.g. |a||b|.
func (s Set) SearchString() string {
	return s.search
}

func (s Set) Equal(other Set) bool {
	return slices.Equal(s.tags, other.tags)
}

func (s Set) String() string {
	return "[" + strings.Join(s.tags, ",") + "]"
}

// With returns a new set containing the tags of s plus the supplied tags.
func (s Set) With(tags ...string) (Set, error) {
	added, err := New(tags...)
	if err != nil {
		return Set{}, err
	}
	return fromNormalised(append(s.Tags(), added.tags...)), nil
}

// Without returns a new set with the supplied tags removed.
func (s Set) Without(tags ...string) Set {
	removed := make(map[string]bool, len(tags))
	for _, tag := range tags {
		removed[strings.TrimSpace(tag)] = true
	}
	remaining := make([]string, 0, len(s.tags))
	for _, tag := range s.tags {
		if !removed[tag] {
			remaining = append(remaining, tag)
		}
	}
	return fromNormalised(remaining)
}

// LikePattern returns a SQL LIKE pattern matching any search string that contains tag. LIKE wildcards in the tag
// are escaped with a backslash.
func LikePattern(tag string) string {
	escaper := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + delimiter + escaper.Replace(tag) + delimiter + "%"
}

// ParseSearchString rebuilds a Set from its search string form.
func ParseSearchString(search string) (Set, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(search, delimiter), delimiter)
	if trimmed == "" {
		return Set{}, nil
	}
	return New(strings.Split(trimmed, delimiter+delimiter)...)
}
