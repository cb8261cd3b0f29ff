package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/common/armadaerrors"
	"github.com/armadaproject/jobfleet/internal/common/logging"
	"github.com/armadaproject/jobfleet/internal/common/requestid"
	"github.com/armadaproject/jobfleet/internal/jobfleet/database"
	"github.com/armadaproject/jobfleet/internal/jobfleet/jobspec"
	"github.com/armadaproject/jobfleet/internal/jobfleet/registry"
	"github.com/armadaproject/jobfleet/internal/jobfleet/service"
)

const (
	jobsPrefix   = "/v1/jobs"
	agentsPrefix = "/v1/agents/"

	// Request bodies are small JSON documents.
	maxBodyBytes = 1 << 20
)

// Router finds the node supervising a job.
type Router interface {
	Route(ctx *armadacontext.Context, jobId string) (string, bool, error)
	Owner(ctx *armadacontext.Context, jobId string) (string, bool, error)
}

// Server exposes job submission and agent sessions over HTTP with JSON bodies.
//
//	POST /v1/jobs                          submit a job request
//	GET  /v1/jobs/{jobId}                  job status
//	POST /v1/jobs/{jobId}/kill             kill a job
//	GET  /v1/jobs/{jobId}/route            node supervising the job
//	POST /v1/agents/{jobId}/connect        agent connects
//	POST /v1/agents/{jobId}/heartbeat      agent heartbeat
//	POST /v1/agents/{jobId}/disconnect     agent disconnects
//	POST /v1/agents/{jobId}/status         agent reports a state change
type Server struct {
	submission *service.SubmissionService
	agents     *service.AgentSessions
	router     Router
}

func NewServer(submission *service.SubmissionService, agents *service.AgentSessions, router Router) *Server {
	return &Server{submission: submission, agents: agents, router: router}
}

// Register adds the API handlers to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle(jobsPrefix, s.handler(s.handleJobs))
	mux.Handle(jobsPrefix+"/", s.handler(s.handleJobs))
	mux.Handle(agentsPrefix, s.handler(s.handleAgents))
}

type JobResponse struct {
	Job           *database.Job             `json:"job"`
	Specification *jobspec.JobSpecification `json:"specification,omitempty"`
	Owner         string                    `json:"owner,omitempty"`
}

type RouteResponse struct {
	NodeId  string `json:"nodeId"`
	Address string `json:"address"`
}

type HeartbeatResponse struct {
	State database.JobState `json:"state"`
}

type StatusReport struct {
	State   database.JobState `json:"state"`
	Message string            `json:"message,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	// Set when the request went to a node that doesn't own the job's connection and the owner is known.
	OwnerAddress string `json:"ownerAddress,omitempty"`
}

type handlerFunc func(ctx *armadacontext.Context, w http.ResponseWriter, r *http.Request) error

func (s *Server) handler(h handlerFunc) http.Handler {
	return requestid.Middleware(false, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := armadacontext.WithLogFields(armadacontext.FromGoCtx(r.Context()), logrus.Fields{
			"requestId": requestid.FromContextOrMissing(r.Context()),
			"method":    r.Method,
			"path":      r.URL.Path,
		})
		if err := h(ctx, w, r); err != nil {
			s.writeError(ctx, w, err)
		}
	}))
}

func (s *Server) handleJobs(ctx *armadacontext.Context, w http.ResponseWriter, r *http.Request) error {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, jobsPrefix), "/")
	if path == "" {
		if r.Method != http.MethodPost {
			return methodNotAllowed(r)
		}
		return s.submit(ctx, w, r)
	}
	jobId, action, _ := strings.Cut(path, "/")
	switch {
	case action == "" && r.Method == http.MethodGet:
		return s.status(ctx, w, jobId)
	case action == "kill" && r.Method == http.MethodPost:
		job, err := s.submission.Kill(ctx, jobId)
		if err != nil {
			return err
		}
		return writeJson(w, http.StatusOK, JobResponse{Job: job})
	case action == "route" && r.Method == http.MethodGet:
		return s.route(ctx, w, jobId)
	case action == "" || action == "kill" || action == "route":
		return methodNotAllowed(r)
	}
	return notFound(r)
}

func (s *Server) handleAgents(ctx *armadacontext.Context, w http.ResponseWriter, r *http.Request) error {
	jobId, action, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, agentsPrefix), "/")
	if jobId == "" || strings.Contains(action, "/") {
		return notFound(r)
	}
	if r.Method != http.MethodPost {
		return methodNotAllowed(r)
	}
	switch action {
	case "connect":
		spec, err := s.agents.Connect(ctx, jobId)
		if err != nil {
			return err
		}
		return writeJson(w, http.StatusOK, spec)
	case "heartbeat":
		state, err := s.agents.Heartbeat(ctx, jobId)
		if err != nil {
			return err
		}
		return writeJson(w, http.StatusOK, HeartbeatResponse{State: state})
	case "disconnect":
		if err := s.agents.Disconnect(ctx, jobId); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	case "status":
		report := StatusReport{}
		if err := readJson(r, &report); err != nil {
			return err
		}
		job, err := s.agents.ReportStatus(ctx, jobId, report.State, report.Message)
		if err != nil {
			return err
		}
		return writeJson(w, http.StatusOK, JobResponse{Job: job})
	}
	return notFound(r)
}

func (s *Server) submit(ctx *armadacontext.Context, w http.ResponseWriter, r *http.Request) error {
	request := jobspec.JobRequest{}
	if err := readJson(r, &request); err != nil {
		return err
	}
	spec, err := s.submission.Submit(ctx, request)
	if err != nil {
		return err
	}
	return writeJson(w, http.StatusOK, spec)
}

func (s *Server) status(ctx *armadacontext.Context, w http.ResponseWriter, jobId string) error {
	status, err := s.submission.Status(ctx, jobId)
	if err != nil {
		return err
	}
	return writeJson(w, http.StatusOK, JobResponse{
		Job:           status.Job,
		Specification: status.Specification,
		Owner:         status.Owner,
	})
}

func (s *Server) route(ctx *armadacontext.Context, w http.ResponseWriter, jobId string) error {
	nodeId, ok, err := s.router.Owner(ctx, jobId)
	if err != nil {
		return err
	}
	if !ok {
		return errors.WithStack(&armadaerrors.ErrNotFound{Type: "connection", Value: jobId})
	}
	address, ok, err := s.router.Route(ctx, jobId)
	if err != nil {
		return err
	}
	if !ok {
		return errors.WithStack(&armadaerrors.ErrNotFound{Type: "node address", Value: nodeId})
	}
	return writeJson(w, http.StatusOK, RouteResponse{NodeId: nodeId, Address: address})
}

func (s *Server) writeError(ctx *armadacontext.Context, w http.ResponseWriter, err error) {
	status := StatusFromError(err)
	response := ErrorResponse{Error: err.Error()}

	var notOwner *registry.ErrNotOwner
	var alreadyClaimed *registry.ErrAlreadyClaimedByOther
	if errors.As(err, &notOwner) || errors.As(err, &alreadyClaimed) {
		jobId := ""
		if notOwner != nil {
			jobId = notOwner.JobId
		} else {
			jobId = alreadyClaimed.JobId
		}
		if address, ok, routeErr := s.router.Route(ctx, jobId); routeErr == nil && ok {
			response.OwnerAddress = address
		}
	}

	if status >= http.StatusInternalServerError {
		logging.WithStacktrace(ctx.Log, err).Errorf("request failed with status %d", status)
	} else {
		ctx.Log.Debugf("request failed with status %d: %s", status, err)
	}
	if writeErr := writeJson(w, status, response); writeErr != nil {
		logging.WithStacktrace(ctx.Log, writeErr).Warn("failed to write error response")
	}
}

func readJson(r *http.Request, v any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return errors.WithStack(&armadaerrors.ErrInvalidArgument{Name: "body", Value: r.URL.Path, Message: err.Error()})
	}
	return nil
}

func writeJson(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return errors.WithStack(json.NewEncoder(w).Encode(v))
}

type errMethodNotAllowed struct {
	method string
	path   string
}

func (err *errMethodNotAllowed) Error() string {
	return err.method + " is not allowed on " + err.path
}

func methodNotAllowed(r *http.Request) error {
	return &errMethodNotAllowed{method: r.Method, path: r.URL.Path}
}

func notFound(r *http.Request) error {
	return &armadaerrors.ErrNotFound{Type: "path", Value: r.URL.Path}
}
