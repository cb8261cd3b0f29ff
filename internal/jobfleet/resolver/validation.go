package resolver

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/armadaproject/jobfleet/internal/common/armadaerrors"
	"github.com/armadaproject/jobfleet/internal/jobfleet/catalog"
)

// ParseCriteria builds the criteria of a request, reporting every invalid criterion at once rather than stopping at
// the first. An empty cluster criteria list is rejected here so that Resolve never sees one.
func ParseCriteria(clusterFields []catalog.CriterionFields, commandFields catalog.CriterionFields) ([]catalog.Criterion, catalog.Criterion, error) {
	var result *multierror.Error
	if len(clusterFields) == 0 {
		result = multierror.Append(result, errors.WithStack(&armadaerrors.ErrInvalidArgument{
			Name:    "clusterCriteria",
			Value:   clusterFields,
			Message: "at least one cluster criterion is required",
		}))
	}
	clusterCriteria := make([]catalog.Criterion, 0, len(clusterFields))
	for i, fields := range clusterFields {
		criterion, err := catalog.NewCriterion(fields)
		if err != nil {
			result = multierror.Append(result, errors.WithMessage(err, fmt.Sprintf("cluster criterion %d", i)))
			continue
		}
		clusterCriteria = append(clusterCriteria, criterion)
	}
	commandCriterion, err := catalog.NewCriterion(commandFields)
	if err != nil {
		result = multierror.Append(result, errors.WithMessage(err, "command criterion"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, catalog.Criterion{}, err
	}
	return clusterCriteria, commandCriterion, nil
}
