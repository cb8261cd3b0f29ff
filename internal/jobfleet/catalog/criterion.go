package catalog

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/armadaproject/jobfleet/internal/jobfleet/tags"
)

// ErrInvalidCriterion is returned when a criterion is constructed with an empty tag set or a malformed filter.
type ErrInvalidCriterion struct {
	Reason string
}

func (err *ErrInvalidCriterion) Error() string {
	return "invalid criterion: " + err.Reason
}

// Criterion selects catalog entities. An entity matches when its tags are a superset of the criterion's tags and
// every filter that is set is equal to the corresponding entity field.
type Criterion struct {
	id      string
	name    string
	version string
	status  string
	tags    tags.Set
}

// CriterionFields is the plain form of a Criterion used in requests and stored specifications.
type CriterionFields struct {
	Id      string   `json:"id,omitempty"`
	Name    string   `json:"name,omitempty"`
	Version string   `json:"version,omitempty"`
	Status  string   `json:"status,omitempty"`
	Tags    []string `json:"tags"`
}

func NewCriterion(fields CriterionFields) (Criterion, error) {
	tagSet, err := tags.New(fields.Tags...)
	if err != nil {
		return Criterion{}, errors.WithStack(&ErrInvalidCriterion{Reason: err.Error()})
	}
	if tagSet.IsEmpty() {
		return Criterion{}, errors.WithStack(&ErrInvalidCriterion{Reason: "tag set must not be empty"})
	}
	status := strings.TrimSpace(fields.Status)
	if status != "" && !IsClusterStatus(status) && !IsStatus(status) {
		return Criterion{}, errors.WithStack(&ErrInvalidCriterion{Reason: fmt.Sprintf("unknown status %q", status)})
	}
	return Criterion{
		id:      strings.TrimSpace(fields.Id),
		name:    strings.TrimSpace(fields.Name),
		version: strings.TrimSpace(fields.Version),
		status:  status,
		tags:    tagSet,
	}, nil
}

// MustNewCriterion panics if the criterion is invalid. Intended for tests and literals.
func MustNewCriterion(tagValues ...string) Criterion {
	c, err := NewCriterion(CriterionFields{Tags: tagValues})
	if err != nil {
		panic(err)
	}
	return c
}

func (c Criterion) Id() string      { return c.id }
func (c Criterion) Name() string    { return c.name }
func (c Criterion) Version() string { return c.version }
func (c Criterion) Status() string  { return c.status }
func (c Criterion) Tags() tags.Set  { return c.tags }

func (c Criterion) Fields() CriterionFields {
	return CriterionFields{
		Id:      c.id,
		Name:    c.name,
		Version: c.version,
		Status:  c.status,
		Tags:    c.tags.Tags(),
	}
}

func (c Criterion) String() string {
	var sb strings.Builder
	sb.WriteString("{")
	if c.id != "" {
		sb.WriteString("id=" + c.id + " ")
	}
	if c.name != "" {
		sb.WriteString("name=" + c.name + " ")
	}
	if c.version != "" {
		sb.WriteString("version=" + c.version + " ")
	}
	if c.status != "" {
		sb.WriteString("status=" + c.status + " ")
	}
	sb.WriteString("tags=" + c.tags.String() + "}")
	return sb.String()
}

func (c Criterion) matches(m *Metadata, status string) bool {
	if c.id != "" && c.id != m.Id {
		return false
	}
	if c.name != "" && c.name != m.Name {
		return false
	}
	if c.version != "" && c.version != m.Version {
		return false
	}
	if c.status != "" && c.status != status {
		return false
	}
	return m.Tags.ContainsAll(c.tags)
}

// MatchesCluster reports whether cluster satisfies c. Without a status filter only UP clusters match.
func (c Criterion) MatchesCluster(cluster *Cluster) bool {
	if c.status == "" && cluster.Status != ClusterUp {
		return false
	}
	return c.matches(&cluster.Metadata, string(cluster.Status))
}

// MatchesCommand reports whether command satisfies c. Without a status filter only ACTIVE commands match.
func (c Criterion) MatchesCommand(command *Command) bool {
	if c.status == "" && command.Status != StatusActive {
		return false
	}
	return c.matches(&command.Metadata, string(command.Status))
}
