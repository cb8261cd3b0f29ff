package jobspec

import (
	"encoding/json"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/jobfleet/internal/jobfleet/catalog"
	"github.com/armadaproject/jobfleet/internal/jobfleet/defaults"
)

type ClusterRef struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

type CommandRef struct {
	Id         string   `json:"id"`
	Name       string   `json:"name"`
	Executable []string `json:"executable"`
}

type ApplicationRef struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

// JobSpecification is the immutable result of resolving a JobRequest. Accessors return copies.
type JobSpecification struct {
	s specificationData
}

// specificationData is also the stored form of a specification.
type specificationData struct {
	JobId            string                    `json:"jobId"`
	JobName          string                    `json:"jobName"`
	User             string                    `json:"user"`
	Group            string                    `json:"group,omitempty"`
	Tags             []string                  `json:"tags,omitempty"`
	Cluster          ClusterRef                `json:"cluster"`
	Command          CommandRef                `json:"command"`
	Applications     []ApplicationRef          `json:"applications"`
	Resources        defaults.ComputeResources `json:"resources"`
	Images           map[string]catalog.Image  `json:"images"`
	Environment      map[string]string         `json:"environment"`
	Timeout          *time.Duration            `json:"timeout,omitempty"`
	ArchiveLocation  string                    `json:"archiveLocation"`
	JobDirectory     string                    `json:"jobDirectory"`
	ClusterCriteria  []catalog.CriterionFields `json:"clusterCriteria"`
	CommandCriterion catalog.CriterionFields   `json:"commandCriterion"`
	CreatedAt        time.Time                 `json:"createdAt"`
}

func (j *JobSpecification) JobId() string   { return j.s.JobId }
func (j *JobSpecification) JobName() string { return j.s.JobName }
func (j *JobSpecification) User() string    { return j.s.User }
func (j *JobSpecification) Group() string   { return j.s.Group }
func (j *JobSpecification) Tags() []string  { return slices.Clone(j.s.Tags) }

func (j *JobSpecification) Cluster() ClusterRef { return j.s.Cluster }

func (j *JobSpecification) Command() CommandRef {
	c := j.s.Command
	c.Executable = slices.Clone(c.Executable)
	return c
}

func (j *JobSpecification) Applications() []ApplicationRef { return slices.Clone(j.s.Applications) }

func (j *JobSpecification) Resources() defaults.ComputeResources { return j.s.Resources }

func (j *JobSpecification) Images() map[string]catalog.Image {
	images := make(map[string]catalog.Image, len(j.s.Images))
	for key, image := range j.s.Images {
		images[key] = image.DeepCopy()
	}
	return images
}

func (j *JobSpecification) Environment() map[string]string { return maps.Clone(j.s.Environment) }

// Timeout returns the job's timeout and false when the job has none.
func (j *JobSpecification) Timeout() (time.Duration, bool) {
	if j.s.Timeout == nil {
		return 0, false
	}
	return *j.s.Timeout, true
}

func (j *JobSpecification) ArchiveLocation() string { return j.s.ArchiveLocation }
func (j *JobSpecification) JobDirectory() string    { return j.s.JobDirectory }

func (j *JobSpecification) ClusterCriteria() []catalog.CriterionFields {
	result := make([]catalog.CriterionFields, 0, len(j.s.ClusterCriteria))
	for _, c := range j.s.ClusterCriteria {
		c.Tags = slices.Clone(c.Tags)
		result = append(result, c)
	}
	return result
}

func (j *JobSpecification) CommandCriterion() catalog.CriterionFields {
	c := j.s.CommandCriterion
	c.Tags = slices.Clone(c.Tags)
	return c
}

func (j *JobSpecification) CreatedAt() time.Time { return j.s.CreatedAt }

func (j *JobSpecification) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.s)
}

func (j *JobSpecification) UnmarshalJSON(data []byte) error {
	var s specificationData
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	j.s = s
	return nil
}
