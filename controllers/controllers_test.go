package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replypilot/completion/completiontest"
	controller "replypilot/controllers"
	"replypilot/mailbox"
	"replypilot/models"
	"replypilot/repository"
	"replypilot/repository/repotest"
	"replypilot/services/followup"
	"replypilot/services/launch"
	"replypilot/services/leadscore"
	"replypilot/services/sequence"
	"replypilot/services/warmup"
	"replypilot/utils"
)

var testLog = logrus.NewEntry(logrus.New())

func doJSON(t *testing.T, app *fiber.App, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	out := map[string]interface{}{}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

type fakeLauncher struct {
	result *launch.Result
	err    error
}

func (f fakeLauncher) Launch(context.Context, uint) (*launch.Result, error) {
	return f.result, f.err
}

func TestGenerateCampaign(t *testing.T) {
	store := repotest.NewMemoryStore()
	sender := &models.Sender{FromEmail: "rep@acme.io", ProviderType: models.ProviderGmail}
	store.AddSender(sender)

	gen := sequence.NewGenerator(completiontest.New(), time.Second, testLog)
	cc := controller.NewCampaignController(store, gen, fakeLauncher{}, testLog)
	app := fiber.New()
	app.Post("/campaigns/generate", cc.GenerateCampaign)

	resp, body := doJSON(t, app, "POST", "/campaigns/generate", map[string]interface{}{
		"sender_id":         sender.ID,
		"name":              "Q3 outbound",
		"industry":          "logistics",
		"value_proposition": "cut freight costs",
		"call_to_action":    "book a call",
		"step_count":        3,
		"prospects": []map[string]string{
			{"email": "Ana@Example.com", "first_name": "Ana"},
			{"email": "ana@example.com"},
			{"email": "not-an-email"},
			{"email": "ben@example.com", "company": "Freightly"},
		},
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Equal(t, []interface{}{"not-an-email"}, body["rejected_prospects"])

	campaigns, err := store.ListCampaigns(context.Background(), models.CampaignDraft)
	require.NoError(t, err)
	require.Len(t, campaigns, 1)
	stored, err := store.GetCampaign(context.Background(), campaigns[0].ID)
	require.NoError(t, err)
	require.Len(t, stored.Steps, 3)
	assert.Equal(t, 1, stored.Steps[0].StepNumber)
	assert.NotEmpty(t, stored.Steps[0].Body)

	prospects, err := store.ListProspects(context.Background(), stored.ID, models.ProspectNew)
	require.NoError(t, err)
	require.Len(t, prospects, 2)
	assert.Equal(t, "ana@example.com", prospects[0].Email)
}

func TestGenerateCampaign_Rejects(t *testing.T) {
	store := repotest.NewMemoryStore()
	gen := sequence.NewGenerator(completiontest.New(), time.Second, testLog)
	cc := controller.NewCampaignController(store, gen, fakeLauncher{}, testLog)
	app := fiber.New()
	app.Post("/campaigns/generate", cc.GenerateCampaign)

	resp, body := doJSON(t, app, "POST", "/campaigns/generate", map[string]interface{}{
		"sender_id": 1,
		"name":      "missing fields",
	})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "industry is required")

	resp, _ = doJSON(t, app, "POST", "/campaigns/generate", map[string]interface{}{
		"sender_id":         99,
		"name":              "no sender",
		"industry":          "logistics",
		"value_proposition": "cut freight costs",
		"call_to_action":    "book a call",
	})
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestLaunchCampaign_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"missing campaign", &launch.NotFoundError{Resource: "campaign", ID: 4}, fiber.StatusNotFound},
		{"completed", launch.ErrCampaignCompleted, fiber.StatusConflict},
		{"no prospects", launch.ErrNoProspects, fiber.StatusUnprocessableEntity},
		{"not connected", &mailbox.ProviderNotConnectedError{SenderID: 1, Provider: "gmail", Reason: "expired"}, fiber.StatusPreconditionFailed},
		{"wrapped not found", errors.Join(errors.New("load"), repository.ErrNotFound), fiber.StatusNotFound},
		{"unexpected", errors.New("db down"), fiber.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cc := controller.NewCampaignController(repotest.NewMemoryStore(), nil, fakeLauncher{err: tc.err}, testLog)
			app := fiber.New()
			app.Post("/campaigns/:id/launch", cc.LaunchCampaign)

			resp, body := doJSON(t, app, "POST", "/campaigns/4/launch", nil)
			assert.Equal(t, tc.want, resp.StatusCode)
			if tc.want == fiber.StatusInternalServerError {
				assert.Equal(t, controller.ErrInternal, body["error"])
			}
		})
	}
}

func TestLaunchCampaign_OK(t *testing.T) {
	result := &launch.Result{CampaignID: 4, Total: 25, Sent: 10, Queued: 15, Allowance: 10}
	cc := controller.NewCampaignController(repotest.NewMemoryStore(), nil, fakeLauncher{result: result}, testLog)
	app := fiber.New()
	app.Post("/campaigns/:id/launch", cc.LaunchCampaign)

	resp, body := doJSON(t, app, "POST", "/campaigns/4/launch", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	got := body["result"].(map[string]interface{})
	assert.EqualValues(t, 10, got["sent"])
	assert.EqualValues(t, 15, got["queued"])

	resp, _ = doJSON(t, app, "POST", "/campaigns/abc/launch", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

type fakeScheduler struct {
	started, stopped []uint
	err              error
}

func (f *fakeScheduler) Start(_ context.Context, id uint) error {
	f.started = append(f.started, id)
	return f.err
}

func (f *fakeScheduler) Stop(_ context.Context, id uint) error {
	f.stopped = append(f.stopped, id)
	return f.err
}

func TestSenderAutomation(t *testing.T) {
	store := repotest.NewMemoryStore()
	sender := &models.Sender{FromEmail: "rep@acme.io", ProviderType: models.ProviderGmail}
	store.AddSender(sender)
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveWarmupState(context.Background(), &models.WarmupState{
		SenderID:  sender.ID,
		StartDate: now.AddDate(0, 0, -3),
		Phase:     models.WarmupWarmingUp,
		Status:    models.WarmupActive,
	}))
	tracker := warmup.NewTracker(store, warmup.DefaultPolicy(), time.UTC, func() time.Time { return now }, testLog)

	sched := &fakeScheduler{}
	sc := controller.NewSenderController(store, sched, tracker, testLog)
	app := fiber.New()
	app.Post("/senders/:id/automation/start", sc.StartAutomation)
	app.Post("/senders/:id/automation/stop", sc.StopAutomation)
	app.Get("/senders/:id/allowance", sc.GetAllowance)

	resp, body := doJSON(t, app, "POST", "/senders/1/automation/start", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, models.AutomationActive, body["automation_status"])

	resp, _ = doJSON(t, app, "POST", "/senders/1/automation/stop", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, []uint{sender.ID}, sched.started)
	assert.Equal(t, []uint{sender.ID}, sched.stopped)

	resp, body = doJSON(t, app, "GET", "/senders/1/allowance", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 10, body["cap"])
	assert.EqualValues(t, 10, body["remaining"])

	resp, _ = doJSON(t, app, "POST", "/senders/7/automation/start", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	resp, _ = doJSON(t, app, "POST", "/senders/x/automation/start", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestScoreLeads(t *testing.T) {
	store := repotest.NewMemoryStore()
	client := completiontest.New(completiontest.Rule{
		Match: "ana@example.com",
		Text:  "```json\n{\"overallScore\": 82, \"qualification\": \"hot\", \"reasons\": [\"VP title\"]}\n```",
	})
	lc := controller.NewLeadController(store, leadscore.NewScorer(client, store, time.Second, testLog), testLog)
	app := fiber.New()
	app.Post("/leads/score", lc.ScoreLeads)

	resp, body := doJSON(t, app, "POST", "/leads/score", map[string]string{"email": "ana@example.com", "title": "VP Sales"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	scores := body["data"].([]interface{})
	require.Len(t, scores, 1)
	assert.EqualValues(t, 82, scores[0].(map[string]interface{})["score"])

	resp, body = doJSON(t, app, "POST", "/leads/score", map[string]interface{}{
		"leads": []map[string]string{{"email": "ana@example.com"}, {"email": "zoe@example.com"}},
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	scores = body["data"].([]interface{})
	require.Len(t, scores, 2)
	assert.EqualValues(t, leadscore.DefaultScore, scores[1].(map[string]interface{})["score"])
	assert.Equal(t, true, scores[1].(map[string]interface{})["fallback"])

	resp, _ = doJSON(t, app, "POST", "/leads/score", map[string]string{"email": "nope"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestImportProspects(t *testing.T) {
	store := repotest.NewMemoryStore()
	campaign := &models.Campaign{
		SenderID:  1,
		Name:      "import",
		Prospects: []models.Prospect{{Email: "ana@example.com"}},
	}
	require.NoError(t, store.CreateCampaign(context.Background(), campaign))

	lc := controller.NewLeadController(store, nil, testLog)
	app := fiber.New()
	app.Post("/campaigns/:id/prospects/import", lc.ImportProspects)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "prospects.csv")
	require.NoError(t, err)
	_, _ = part.Write([]byte("Email,First_Name,Company\nana@example.com,Ana,Acme\nben@example.com,Ben,Freightly\nbroken,X,Y\nshort\n"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/campaigns/1/prospects/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.EqualValues(t, 1, body.Data["imported"])
	assert.EqualValues(t, 3, body.Data["skipped"])

	prospects, err := store.ListProspects(context.Background(), campaign.ID, "")
	require.NoError(t, err)
	require.Len(t, prospects, 2)
	assert.Equal(t, "ben@example.com", prospects[1].Email)
	assert.Equal(t, "Freightly", prospects[1].Company)
}

func TestTrackEmailOpen(t *testing.T) {
	store := repotest.NewMemoryStore()
	campaign := &models.Campaign{SenderID: 3, Name: "track", Prospects: []models.Prospect{{Email: "ana@example.com"}}}
	require.NoError(t, store.CreateCampaign(context.Background(), campaign))
	prospectID := campaign.Prospects[0].ID

	tc := controller.NewTrackingController(store, "pixel-secret", testLog)
	app := fiber.New()
	app.Get("/track/open/:prospectID/:token", tc.TrackEmailOpen)

	opens := func() int64 {
		n, err := store.CountInteractions(context.Background(), repository.InteractionFilter{
			SenderID: 3,
			Types:    []string{models.InteractionEmailOpened},
		})
		require.NoError(t, err)
		return n
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/track/open/1/forged", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))
	assert.Zero(t, opens())

	url := utils.GenerateTrackingPixelURL("", "pixel-secret", prospectID)
	resp, err = app.Test(httptest.NewRequest("GET", url, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	gif, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "GIF89a", string(gif[:6]))
	assert.EqualValues(t, 1, opens())
}

type fakeRunner struct {
	result *followup.Result
	err    error
}

func (f fakeRunner) Run(context.Context) (*followup.Result, error) { return f.result, f.err }

func TestRunFollowUps(t *testing.T) {
	app := fiber.New()
	app.Post("/ok", controller.NewFollowUpController(fakeRunner{result: &followup.Result{Accounts: 2, Sent: 5}}, testLog).RunFollowUps)
	app.Post("/fail", controller.NewFollowUpController(fakeRunner{err: errors.New("boom")}, testLog).RunFollowUps)

	resp, body := doJSON(t, app, "POST", "/ok", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 5, body["sent"])

	resp, _ = doJSON(t, app, "POST", "/fail", nil)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}

func TestProgressHub(t *testing.T) {
	hub := controller.NewProgressHub(testLog)
	updates, cancel := hub.Subscribe(4)
	other, cancelOther := hub.Subscribe(5)
	defer cancelOther()

	hub.Report(launch.Progress{CampaignID: 4, Email: "ana@example.com", Status: launch.ProgressSent, Done: 1, Total: 2})

	select {
	case p := <-updates:
		assert.Equal(t, "ana@example.com", p.Email)
	case <-time.After(time.Second):
		t.Fatal("no progress delivered")
	}
	assert.Empty(t, other)

	cancel()
	cancel()
	_, open := <-updates
	assert.False(t, open)
	assert.NotPanics(t, func() { hub.Report(launch.Progress{CampaignID: 4}) })
}
