package jobspec

import (
	"strings"

	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/armadaproject/jobfleet/internal/common/armadaerrors"
	"github.com/armadaproject/jobfleet/internal/common/util"
	"github.com/armadaproject/jobfleet/internal/jobfleet/catalog"
	"github.com/armadaproject/jobfleet/internal/jobfleet/tags"
)

// JobRequest is what a client submits. Everything other than the criteria and the user is optional.
type JobRequest struct {
	// Generated when empty
	JobId            string                    `json:"jobId,omitempty"`
	Name             string                    `json:"name"`
	User             string                    `json:"user"`
	Group            string                    `json:"group,omitempty"`
	Grouping         string                    `json:"grouping,omitempty"`
	GroupingInstance string                    `json:"groupingInstance,omitempty"`
	Tags             []string                  `json:"tags,omitempty"`
	ClusterCriteria  []catalog.CriterionFields `json:"clusterCriteria"`
	CommandCriterion catalog.CriterionFields   `json:"commandCriterion"`
	// Explicit application ids. When empty the command's own applications are used.
	ApplicationIds []string                 `json:"applicationIds,omitempty"`
	Resources      catalog.PartialResources `json:"resources"`
	Images         map[string]catalog.Image `json:"images,omitempty"`
	Timeout        *metav1.Duration         `json:"timeout,omitempty"`
	JobDirectory   string                   `json:"jobDirectory,omitempty"`
}

// WithJobId returns a copy of r with a job id, generating one if r has none.
func (r JobRequest) WithJobId() JobRequest {
	r.JobId = strings.TrimSpace(r.JobId)
	if r.JobId == "" {
		r.JobId = util.NewULID()
	}
	return r
}

func (r JobRequest) validate() error {
	if strings.TrimSpace(r.User) == "" {
		return errors.WithStack(&armadaerrors.ErrInvalidArgument{Name: "user", Value: r.User, Message: "user is required"})
	}
	if r.Timeout != nil && r.Timeout.Duration <= 0 {
		return errors.WithStack(&armadaerrors.ErrInvalidArgument{
			Name:    "timeout",
			Value:   r.Timeout.Duration.String(),
			Message: "timeout must be positive",
		})
	}
	if _, err := tags.New(r.Tags...); err != nil {
		return err
	}
	return catalog.ValidateResources(r.Resources)
}
