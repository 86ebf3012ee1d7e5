package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/integrationd/internal/agents"
	"github.com/fyrsmithlabs/integrationd/internal/breaker"
)

func agentFor(srv *httptest.Server) agents.Descriptor {
	return agents.Descriptor{ID: "a1", Capabilities: []string{"build"}, Endpoint: srv.URL}
}

func TestHTTPCaller_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req agentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "compile", req.TaskType)
		assert.False(t, req.Deadline.IsZero(), "deadline must be forwarded on the wire")

		json.NewEncoder(w).Encode(agentResponse{Status: "success", Result: json.RawMessage(`{"ok":1}`)})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c := NewHTTPCaller(nil)
	out, err := c.Call(ctx, agentFor(srv), Task{Type: "compile", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":1}`, string(out))
}

func TestHTTPCaller_AgentReportedFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(agentResponse{Status: "failure", Error: "task rejected"})
	}))
	defer srv.Close()

	c := NewHTTPCaller(nil)
	_, err := c.Call(context.Background(), agentFor(srv), Task{Type: "compile"})
	require.Error(t, err)
	assert.True(t, breaker.IsFatal(err))
	assert.Contains(t, err.Error(), "task rejected")
}

func TestHTTPCaller_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPCaller(nil)
	_, err := c.Call(context.Background(), agentFor(srv), Task{Type: "compile"})
	require.Error(t, err)
	assert.False(t, breaker.IsFatal(err))
	assert.True(t, breaker.Retryable(err))
}

func TestHTTPCaller_ClientErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewHTTPCaller(nil)
	_, err := c.Call(context.Background(), agentFor(srv), Task{Type: "compile"})
	require.Error(t, err)
	assert.True(t, breaker.IsFatal(err))
}

func TestHTTPCaller_MalformedResponseIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewHTTPCaller(nil)
	_, err := c.Call(context.Background(), agentFor(srv), Task{Type: "compile"})
	require.Error(t, err)
	assert.True(t, breaker.IsFatal(err))
}

func TestHTTPCaller_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPCaller(nil)
	assert.NoError(t, c.Ping(context.Background(), agentFor(srv)))
}

func TestHTTPCaller_PingUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPCaller(nil)
	assert.Error(t, c.Ping(context.Background(), agentFor(srv)))
}
