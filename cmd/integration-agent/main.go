// Integration-agent is a reference worker agent for integrationd.
//
// It serves the worker task protocol over HTTP, self-registers with the
// daemon on startup, and heartbeats until shutdown. It handles smoke_test
// and echo tasks, which is enough to exercise dispatch, the circuit
// breaker, and the health monitor end to end.
//
// Usage:
//
//	integration-agent --id agent-1 --port 9101 --server http://localhost:8420
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type taskRequest struct {
	TaskType string          `json:"taskType"`
	Payload  json.RawMessage `json:"payload"`
	Deadline time.Time       `json:"deadline"`
}

type taskResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type agentFlags struct {
	id           string
	port         int
	serverURL    string
	capabilities string
	heartbeat    time.Duration
	verbose      bool
}

func main() {
	var f agentFlags
	flag.StringVar(&f.id, "id", "agent-1", "Agent identifier")
	flag.IntVar(&f.port, "port", 9101, "Port to serve the task protocol on")
	flag.StringVar(&f.serverURL, "server", "http://localhost:8420", "integrationd base URL")
	flag.StringVar(&f.capabilities, "capabilities", "smoke_test", "Comma-separated capability tags")
	flag.DurationVar(&f.heartbeat, "heartbeat", 10*time.Second, "Heartbeat interval")
	flag.BoolVar(&f.verbose, "v", false, "Verbose output")
	flag.Parse()

	logLevel := zapcore.InfoLevel
	if f.verbose {
		logLevel = zapcore.DebugLevel
	}
	logConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(logLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := logConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, f, logger); err != nil {
		logger.Fatal("Agent failed", zap.Error(err))
	}
}

func run(ctx context.Context, f agentFlags, logger *zap.Logger) error {
	a := &agent{
		id:     f.id,
		logger: logger,
		client: &http.Client{Timeout: 5 * time.Second},
		server: strings.TrimRight(f.serverURL, "/"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", a.handleTask)
	mux.HandleFunc("GET /health", a.handleHealth)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", f.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	endpoint := fmt.Sprintf("http://localhost:%d", f.port)
	caps := strings.Split(f.capabilities, ",")
	for i := range caps {
		caps[i] = strings.TrimSpace(caps[i])
	}

	if err := a.register(ctx, endpoint, caps); err != nil {
		return fmt.Errorf("registering with %s: %w", a.server, err)
	}
	logger.Info("Registered",
		zap.String("id", a.id),
		zap.String("endpoint", endpoint),
		zap.Strings("capabilities", caps))

	go a.heartbeatLoop(ctx, f.heartbeat)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	a.deregister()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type agent struct {
	id     string
	logger *zap.Logger
	client *http.Client
	server string
}

func (a *agent) handleTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	a.logger.Debug("Task received",
		zap.String("task_type", req.TaskType),
		zap.Time("deadline", req.Deadline))

	var resp taskResponse
	switch req.TaskType {
	case "smoke_test":
		resp = a.runSmoke(req.Payload)
	case "echo":
		resp = taskResponse{Status: "success", Result: req.Payload}
	default:
		resp = taskResponse{Status: "failure", Error: fmt.Sprintf("unsupported task type %q", req.TaskType)}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// runSmoke acknowledges the smoke check for the named project. A real agent
// would exercise the freshly deployed artifact here.
func (a *agent) runSmoke(payload json.RawMessage) taskResponse {
	var req struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.ProjectID == "" {
		return taskResponse{Status: "failure", Error: "payload missing project_id"}
	}

	a.logger.Info("Smoke check passed", zap.String("project_id", req.ProjectID))
	result, _ := json.Marshal(map[string]any{
		"project_id": req.ProjectID,
		"checked_at": time.Now().UTC(),
	})
	return taskResponse{Status: "success", Result: result}
}

func (a *agent) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *agent) register(ctx context.Context, endpoint string, capabilities []string) error {
	body, err := json.Marshal(map[string]any{
		"id":           a.id,
		"endpoint":     endpoint,
		"capabilities": capabilities,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.server+"/api/v1/agents", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Conflict means a previous run of this agent id never deregistered.
	// Heartbeats will keep the stale entry alive, so treat it as ours.
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("registration returned %d", resp.StatusCode)
	}
	return nil
}

func (a *agent) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.sendHeartbeat(ctx); err != nil {
				a.logger.Warn("Heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (a *agent) sendHeartbeat(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/v1/agents/%s/heartbeat", a.server, a.id),
		strings.NewReader(`{"status":"healthy"}`))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("heartbeat returned %d", resp.StatusCode)
	}
	return nil
}

func (a *agent) deregister() {
	req, err := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/api/v1/agents/%s", a.server, a.id), nil)
	if err != nil {
		return
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("Deregister failed", zap.Error(err))
		return
	}
	resp.Body.Close()
}
