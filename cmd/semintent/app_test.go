package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semintent/config"
	"github.com/c360studio/semintent/engine"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewApp_MemoryBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	app, err := NewApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer app.Close()

	ts := httptest.NewServer(app.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/intents", "application/json",
		strings.NewReader(`{"intent": "What is the weather in Oslo?", "user_id": "u1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var res engine.SubmitResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, engine.SubmitAccepted, res.Status)

	metricsResp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	body, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "semintent_plans_total")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNewApp_SQLiteBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = config.StorageSQLite
	cfg.Storage.Path = filepath.Join(t.TempDir(), "semintent.db")

	app, err := NewApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	app.Close()

	_, err = os.Stat(cfg.Storage.Path)
	assert.NoError(t, err)
}

func TestNewApp_Allowlist(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tools.Allowlist = []string{"get_weather"}

	app, err := NewApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer app.Close()

	assert.Equal(t, []string{"get_weather"}, app.registry.Names())
}

func TestApp_RunShutsDownOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = time.Second

	app, err := NewApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApp_RoutePolicyCoversStepBudget(t *testing.T) {
	cfg := config.DefaultConfig()
	a := &App{cfg: cfg}
	// 33s per attempt series, three rounds with two re-plans.
	assert.Equal(t, 99*time.Second, a.routePolicy().Timeout)

	cfg.Planner.Mode = config.PlannerLLM
	assert.Equal(t, 99*time.Second+4*cfg.Planner.Timeout, a.routePolicy().Timeout)

	cfg.Planner.Mode = config.PlannerKeyword
	cfg.Server.RoutePolicy.Timeout = 10 * time.Minute
	assert.Equal(t, 10*time.Minute, a.routePolicy().Timeout, "a longer configured timeout wins")

	cfg.Server.RoutePolicy.Timeout = 0
	assert.Zero(t, a.routePolicy().Timeout)
}

func TestIrreversibleTools(t *testing.T) {
	cfg := config.DefaultConfig()
	app, err := NewApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer app.Close()

	names := irreversibleTools(app.registry, []string{"wire_money", "book_ride"})
	assert.Contains(t, names, "wire_money")
	assert.Contains(t, names, "add_calendar_event")

	seen := map[string]int{}
	for _, n := range names {
		seen[n]++
	}
	assert.Equal(t, 1, seen["book_ride"])
}

func TestCommands(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"version"}, &out, io.Discard))
	assert.Contains(t, out.String(), "semintent version "+Version)

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"tools"}, &out, io.Discard))
	assert.Contains(t, out.String(), "book_ride")
	assert.Contains(t, out.String(), "(requires confirmation)")
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		return path
	}

	valid := write("valid.json", `{
  "plan_id": "7f0c7d4e-2b0e-4b8f-9f57-6a2a3c1d9e10",
  "intent_type": "information",
  "intent_summary": "Check the weather in Oslo",
  "constraints": {},
  "ordered_steps": [
    {
      "step_id": "s1",
      "step_number": 1,
      "tool_name": "get_weather",
      "parameters": {"city": "Oslo"},
      "requires_confirmation": false,
      "description": "Look up the forecast"
    }
  ],
  "created_at": "2020-01-01T00:00:00Z"
}`)
	unknown := write("unknown.json", strings.Replace(
		mustRead(t, valid), `"get_weather"`, `"teleport"`, 1))

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"validate", valid}, &out, io.Discard))
	assert.Contains(t, out.String(), `"valid": true`)

	out.Reset()
	err := run(context.Background(), []string{"validate", "--check-freshness", valid}, &out, io.Discard)
	assert.Error(t, err, "a plan from 2020 is stale")

	out.Reset()
	err = run(context.Background(), []string{"validate", unknown}, &out, io.Discard)
	assert.Error(t, err)
	assert.Contains(t, out.String(), "teleport")
}

func mustRead(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
