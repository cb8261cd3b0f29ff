package health

import (
	"net/http"

	log "github.com/sirupsen/logrus"
)

type HealthCheckHttpHandler struct {
	checker Checker
}

func NewHealthCheckHttpHandler(checker Checker) *HealthCheckHttpHandler {
	return &HealthCheckHttpHandler{
		checker: checker,
	}
}

func (h *HealthCheckHttpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := h.checker.Check()
	if err == nil {
		log.Debug("Health check passed")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	log.Warnf("Health check failed: %v", err)
	w.WriteHeader(http.StatusServiceUnavailable)
	_, err = w.Write([]byte(err.Error()))
	if err != nil {
		log.Errorf("Failed to write health check response: %v", err)
	}
}

func SetupHttpMux(mux *http.ServeMux, checker Checker) {
	handler := NewHealthCheckHttpHandler(checker)
	mux.Handle("/health", handler)
}
