// Package emergency implements Component J, the emergency-stop controller:
// an atomic snapshot-and-cancel-all across every agent's dispatcher state,
// gated by an optional TOTP check and idempotent within a short window.
// Grounded on handlers/security.go's TOTP verification
// (pquerna/otp/totp.Validate against a per-user enrolled secret), adapted
// from a per-user MFA challenge to a single operator-wide emergency gate.
package emergency

import (
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/fleetctl/controlplane/internal/audit"
	"github.com/fleetctl/controlplane/internal/dispatcher"
	"github.com/fleetctl/controlplane/internal/errors"
	"github.com/fleetctl/controlplane/internal/models"
)

// Result reports the effect of one emergency-stop invocation.
type Result struct {
	AgentsStopped     int
	CommandsCancelled int
}

// Config tunes the idempotency window and the optional TOTP gate.
type Config struct {
	IdempotencyWindow time.Duration // default 10s
	RequireTOTP       bool
	TOTPSecret        string
}

func (c Config) withDefaults() Config {
	if c.IdempotencyWindow == 0 {
		c.IdempotencyWindow = 10 * time.Second
	}
	return c
}

// Controller gates and executes the emergency-stop operation.
type Controller struct {
	config     Config
	dispatcher *dispatcher.Dispatcher
	audit      *audit.Sink

	mu            sync.Mutex
	lastTriggered time.Time
	lastResult    Result
}

// New constructs a Controller.
func New(config Config, d *dispatcher.Dispatcher, a *audit.Sink) *Controller {
	return &Controller{
		config:     config.withDefaults(),
		dispatcher: d,
		audit:      a,
	}
}

// Trigger executes (or, within the idempotency window, re-reports) an
// emergency stop. totpCode is ignored when RequireTOTP is false.
func (c *Controller) Trigger(actorUserID, totpCode string) (Result, error) {
	if c.config.RequireTOTP {
		if totpCode == "" || !totp.Validate(totpCode, c.config.TOTPSecret) {
			return Result{}, errors.Unauthorized("emergency stop requires a valid authenticator code")
		}
	}

	c.mu.Lock()
	if !c.lastTriggered.IsZero() && time.Since(c.lastTriggered) < c.config.IdempotencyWindow {
		result := c.lastResult
		c.mu.Unlock()
		return result, nil
	}
	c.mu.Unlock()

	agentsStopped, commandsCancelled := c.dispatcher.CancelAll("emergency stop")
	result := Result{AgentsStopped: agentsStopped, CommandsCancelled: commandsCancelled}

	c.mu.Lock()
	c.lastTriggered = time.Now()
	c.lastResult = result
	c.mu.Unlock()

	c.audit.Append(models.AuditEvent{
		Kind:        models.AuditEmergencyStopTriggered,
		ActorUserID: actorUserID,
		Details: map[string]interface{}{
			"agentsStopped":     agentsStopped,
			"commandsCancelled": commandsCancelled,
		},
	})

	return result, nil
}
