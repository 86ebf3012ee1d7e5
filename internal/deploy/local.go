package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LocalConfig configures the filesystem-backed environment.
type LocalConfig struct {
	// Root is the directory holding per-project artifact slots.
	// Default: integrationd-env.
	Root string `koanf:"root"`
}

// ApplyDefaults sets default values for unset fields.
func (c *LocalConfig) ApplyDefaults() {
	if c.Root == "" {
		c.Root = "integrationd-env"
	}
}

// localState is the serialized capture of one project's slots. It doubles as
// the snapshot format for rollback.
type localState struct {
	Active  json.RawMessage `json:"active,omitempty"`
	Staged  json.RawMessage `json:"staged,omitempty"`
	Traffic float64         `json:"traffic"`
}

// LocalEnvironment hosts project artifacts as files under a root directory.
// It implements both the deployment Environment and the rollback target, so
// a snapshot restore brings back the exact pre-deploy slot contents and
// routing fraction.
type LocalEnvironment struct {
	root string

	mu      sync.Mutex
	traffic map[string]float64
}

// NewLocalEnvironment creates the root directory if needed.
func NewLocalEnvironment(cfg LocalConfig) (*LocalEnvironment, error) {
	cfg.ApplyDefaults()
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("deploy: creating environment root: %w", err)
	}
	return &LocalEnvironment{root: cfg.Root, traffic: make(map[string]float64)}, nil
}

// checkProjectID rejects ids that would escape the root or collide with the
// slot filename scheme. Project ids must be a single clean path element.
func checkProjectID(projectID string) error {
	if projectID == "" || projectID == "." || projectID == ".." ||
		strings.ContainsAny(projectID, `/\`) {
		return fmt.Errorf("deploy: invalid project id %q", projectID)
	}
	return nil
}

func (l *LocalEnvironment) slotPath(projectID, slot string) string {
	return filepath.Join(l.root, projectID+"."+slot+".json")
}

func (l *LocalEnvironment) readSlot(projectID, slot string) (json.RawMessage, error) {
	data, err := os.ReadFile(l.slotPath(projectID, slot))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (l *LocalEnvironment) writeSlot(projectID, slot string, artifact json.RawMessage) error {
	if artifact == nil {
		err := os.Remove(l.slotPath(projectID, slot))
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return os.WriteFile(l.slotPath(projectID, slot), artifact, 0o644)
}

func (l *LocalEnvironment) Apply(_ context.Context, projectID string, artifact []byte) error {
	if err := checkProjectID(projectID); err != nil {
		return err
	}
	return l.writeSlot(projectID, "active", artifact)
}

func (l *LocalEnvironment) Stage(_ context.Context, projectID string, artifact []byte) error {
	if err := checkProjectID(projectID); err != nil {
		return err
	}
	return l.writeSlot(projectID, "staged", artifact)
}

func (l *LocalEnvironment) Promote(_ context.Context, projectID string) error {
	if err := checkProjectID(projectID); err != nil {
		return err
	}
	staged, err := l.readSlot(projectID, "staged")
	if err != nil {
		return err
	}
	if staged == nil {
		return fmt.Errorf("deploy: no staged artifact for project %s", projectID)
	}
	if err := l.writeSlot(projectID, "active", staged); err != nil {
		return err
	}
	if err := l.writeSlot(projectID, "staged", nil); err != nil {
		return err
	}
	l.mu.Lock()
	l.traffic[projectID] = 1
	l.mu.Unlock()
	return nil
}

func (l *LocalEnvironment) Teardown(_ context.Context, projectID string) error {
	if err := checkProjectID(projectID); err != nil {
		return err
	}
	return l.writeSlot(projectID, "staged", nil)
}

func (l *LocalEnvironment) Route(_ context.Context, projectID string, fraction float64) error {
	l.mu.Lock()
	l.traffic[projectID] = fraction
	l.mu.Unlock()
	return nil
}

// Observe reports zero error rate. A local filesystem environment has no
// live traffic to sample; real deployments plug in a metrics-backed
// Environment instead.
func (l *LocalEnvironment) Observe(context.Context, string) (Metrics, error) {
	return Metrics{ErrorRate: 0, P95Latency: time.Millisecond}, nil
}

// CaptureState serializes both slots and the routing fraction.
func (l *LocalEnvironment) CaptureState(_ context.Context, projectID string) (json.RawMessage, error) {
	if err := checkProjectID(projectID); err != nil {
		return nil, err
	}
	active, err := l.readSlot(projectID, "active")
	if err != nil {
		return nil, err
	}
	staged, err := l.readSlot(projectID, "staged")
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	traffic := l.traffic[projectID]
	l.mu.Unlock()

	return json.Marshal(localState{Active: active, Staged: staged, Traffic: traffic})
}

// RestoreState replaces both slots and the routing fraction with the
// captured values. Restoring twice yields the same end state.
func (l *LocalEnvironment) RestoreState(_ context.Context, projectID string, state json.RawMessage) error {
	if err := checkProjectID(projectID); err != nil {
		return err
	}
	var captured localState
	if err := json.Unmarshal(state, &captured); err != nil {
		return fmt.Errorf("deploy: decoding captured state: %w", err)
	}
	if err := l.writeSlot(projectID, "active", captured.Active); err != nil {
		return err
	}
	if err := l.writeSlot(projectID, "staged", captured.Staged); err != nil {
		return err
	}
	l.mu.Lock()
	l.traffic[projectID] = captured.Traffic
	l.mu.Unlock()
	return nil
}
