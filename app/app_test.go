package app_test

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replypilot/app"
	"replypilot/completion"
	"replypilot/config"
	"replypilot/lock"
	"replypilot/models"
	"replypilot/repository/repotest"
	"replypilot/utils"
	"replypilot/worker"
)

func testConfig() config.Config {
	cfg := config.Config{
		EncryptionKey:     "0123456789abcdef",
		InternalToken:     "internal-token",
		CompletionTimeout: time.Second,
		ProviderTimeout:   time.Second,
		RateLimitPerMin:   100,
	}
	cfg.Sending.TrackingSecret = "pixel-secret"
	cfg.Warmup = config.WarmupConfig{OverrideDays: 14, OverrideCap: 20, WarmedUpDays: 30, WarmingUpDays: 7}
	cfg.Inbox = config.InboxConfig{PageSize: 10, PollInterval: time.Minute, ErrorInterval: time.Minute, QueuedResponseDelay: time.Minute}
	return cfg
}

func newServer(t *testing.T) (*app.App, *repotest.MemoryStore, *fiber.App, string) {
	t.Helper()
	cfg := testConfig()
	config.AppConfig = cfg
	store := repotest.NewMemoryStore()

	a, err := app.New(context.Background(), cfg, store)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	server := fiber.New()
	a.Routes(server)

	token, err := utils.GenerateJWTToken(1, time.Minute)
	require.NoError(t, err)
	return a, store, server, token
}

func TestNew_OfflineDefaults(t *testing.T) {
	a, _, _, _ := newServer(t)

	assert.IsType(t, completion.Unavailable{}, a.Completion)
	assert.IsType(t, &lock.LocalLocker{}, a.Locker)
	assert.IsType(t, &worker.MemoryQueue{}, a.Queue)
	assert.False(t, a.Durable())
	assert.Equal(t, time.UTC, a.Location)
}

func TestRoutes(t *testing.T) {
	_, store, server, token := newServer(t)
	sender := &models.Sender{FromEmail: "rep@acme.io", ProviderType: models.ProviderGmail}
	store.AddSender(sender)

	call := func(method, path, body string, headers map[string]string) (int, string) {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := server.Test(req, -1)
		require.NoError(t, err)
		raw, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(raw)
	}
	auth := map[string]string{"Authorization": "Bearer " + token}

	code, _ := call("GET", "/health", "", nil)
	assert.Equal(t, fiber.StatusOK, code)

	code, body := call("GET", "/metrics", "", nil)
	assert.Equal(t, fiber.StatusOK, code)
	assert.Contains(t, body, "replypilot_followup_runs_total")

	code, _ = call("POST", "/api/v1/campaigns/generate", `{}`, nil)
	assert.Equal(t, fiber.StatusUnauthorized, code)

	code, body = call("POST", "/api/v1/campaigns/generate",
		`{"sender_id":1,"name":"Q3","industry":"logistics","value_proposition":"cut freight costs","call_to_action":"book a call","step_count":2,"prospects":[{"email":"ana@example.com"}]}`,
		auth)
	require.Equal(t, fiber.StatusCreated, code, body)

	code, _ = call("POST", "/api/v1/campaigns/2/launch", "", auth)
	assert.Equal(t, fiber.StatusPreconditionFailed, code, "sender has no stored credential")

	code, _ = call("POST", "/api/v1/senders/1/automation/start", "", auth)
	assert.Equal(t, fiber.StatusOK, code)
	stored, err := store.GetSender(context.Background(), sender.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AutomationActive, stored.AutomationStatus)

	code, _ = call("POST", "/internal/followups/run", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, code)
	code, body = call("POST", "/internal/followups/run", "", map[string]string{"X-Internal-Token": "internal-token"})
	assert.Equal(t, fiber.StatusOK, code)
	assert.Contains(t, body, `"accounts"`)

	code, _ = call("GET", "/track/open/9/forged", "", nil)
	assert.Equal(t, fiber.StatusOK, code)

	code, _ = call("GET", "/nowhere", "", nil)
	assert.Equal(t, fiber.StatusNotFound, code)
}
