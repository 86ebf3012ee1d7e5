package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SmokeCapability is the capability tag smoke-check agents advertise.
const SmokeCapability = "smoke_test"

// SmokeRunner runs post-deploy smoke checks by dispatching them to worker
// agents with the smoke-check capability.
type SmokeRunner struct {
	dispatcher *Dispatcher
	capability string
	timeout    time.Duration
}

// NewSmokeRunner wraps the dispatcher for smoke checks. An empty capability
// defaults to SmokeCapability; a zero timeout uses the dispatcher's per-call
// default.
func NewSmokeRunner(d *Dispatcher, capability string, timeout time.Duration) *SmokeRunner {
	if capability == "" {
		capability = SmokeCapability
	}
	return &SmokeRunner{dispatcher: d, capability: capability, timeout: timeout}
}

// RunSmoke dispatches a smoke-check task for the project. Any dispatch
// failure, including no available agent, fails the smoke check.
func (s *SmokeRunner) RunSmoke(ctx context.Context, projectID string) error {
	payload, err := json.Marshal(map[string]string{"project_id": projectID})
	if err != nil {
		return fmt.Errorf("dispatch: encoding smoke payload: %w", err)
	}
	_, err = s.dispatcher.Dispatch(ctx, Task{
		Type:               "smoke_test",
		RequiredCapability: s.capability,
		Payload:            payload,
		Timeout:            s.timeout,
	})
	return err
}
