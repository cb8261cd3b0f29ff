package api

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/armadaproject/jobfleet/internal/common/armadaerrors"
	"github.com/armadaproject/jobfleet/internal/jobfleet/catalog"
	"github.com/armadaproject/jobfleet/internal/jobfleet/database"
	"github.com/armadaproject/jobfleet/internal/jobfleet/registry"
	"github.com/armadaproject/jobfleet/internal/jobfleet/resolver"
)

// StatusFromError maps domain errors to HTTP status codes, falling back to armadaerrors.HttpStatusFromError.
func StatusFromError(err error) int {
	{
		var e *errMethodNotAllowed
		if errors.As(err, &e) {
			return http.StatusMethodNotAllowed
		}
	}
	{
		var e *registry.ErrAlreadyClaimedByOther
		if errors.As(err, &e) {
			return http.StatusConflict
		}
	}
	{
		var e *registry.ErrNotOwner
		if errors.As(err, &e) {
			return http.StatusConflict
		}
	}
	{
		var e *registry.ErrRegistryUnavailable
		if errors.As(err, &e) {
			return http.StatusServiceUnavailable
		}
	}
	{
		var e *database.ErrIllegalTransition
		if errors.As(err, &e) {
			return http.StatusConflict
		}
	}
	{
		var e *resolver.ErrNoMatchFound
		if errors.As(err, &e) {
			return http.StatusUnprocessableEntity
		}
	}
	{
		var e *catalog.ErrInvalidCriterion
		if errors.As(err, &e) {
			return http.StatusBadRequest
		}
	}
	return armadaerrors.HttpStatusFromError(err)
}
