package leader

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
)

// ErrLeadershipLost is returned by leader-only work that notices part way through that its token is no longer valid.
var ErrLeadershipLost = errors.New("leadership lost")

// LeaderController is an interface to be implemented by structs that control which node is leader
type LeaderController interface {
	// GetToken returns a LeaderToken which allows you to determine if you are leader or not
	GetToken() LeaderToken
	// ValidateToken allows a caller to determine whether a previously obtained token is still valid.
	// Returns true if the token is a leader and false otherwise
	ValidateToken(tok LeaderToken) bool
	// Run starts the controller. This is a blocking call which will return when the provided context is cancelled
	Run(ctx *armadacontext.Context) error
	// GetLeaderReport returns a report about the current leader
	GetLeaderReport() LeaderReport
}

type LeaderReport struct {
	IsCurrentProcessLeader bool
	LeaderName             string
}

// LeaderToken is a token handed out to nodes which they can use to determine if they are leader
type LeaderToken struct {
	leader bool
	id     uuid.UUID
}

// InvalidLeaderToken returns a LeaderToken indicating this instance is not leader.
func InvalidLeaderToken() LeaderToken {
	return LeaderToken{
		leader: false,
		id:     uuid.New(),
	}
}

// NewLeaderToken returns a LeaderToken indicating this instance is the leader.
func NewLeaderToken() LeaderToken {
	return LeaderToken{
		leader: true,
		id:     uuid.New(),
	}
}

// IsLeader reports whether tok is still valid for lc.
func IsLeader(lc LeaderController, tok LeaderToken) bool {
	return lc.ValidateToken(tok)
}

// LeaseListener allows clients to listen for lease events.
type LeaseListener interface {
	// Called when the client has started leading.
	OnStartedLeading(*armadacontext.Context)
	// Called when the client has stopped leading,
	OnStoppedLeading()
}

// StandaloneLeaderController returns a token that always indicates you are leader
// This can be used when only a single node is run
type StandaloneLeaderController struct {
	token LeaderToken
}

func NewStandaloneLeaderController() *StandaloneLeaderController {
	return &StandaloneLeaderController{
		token: NewLeaderToken(),
	}
}

func (lc *StandaloneLeaderController) GetToken() LeaderToken {
	return lc.token
}

func (lc *StandaloneLeaderController) GetLeaderReport() LeaderReport {
	return LeaderReport{
		LeaderName:             "standalone",
		IsCurrentProcessLeader: true,
	}
}

func (lc *StandaloneLeaderController) ValidateToken(tok LeaderToken) bool {
	if tok.leader {
		return lc.token.id == tok.id
	}
	return false
}

func (lc *StandaloneLeaderController) Run(_ *armadacontext.Context) error {
	return nil
}
