package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"transfer-orchestrator/backend/internal/admission"
	"transfer-orchestrator/backend/internal/auth"
	"transfer-orchestrator/backend/internal/challenge"
	"transfer-orchestrator/backend/internal/credential"
	"transfer-orchestrator/backend/internal/dispatch"
	"transfer-orchestrator/backend/internal/engine"
	"transfer-orchestrator/backend/internal/events"
	"transfer-orchestrator/backend/internal/logging"
	"transfer-orchestrator/backend/internal/notify"
	"transfer-orchestrator/backend/internal/process"
	"transfer-orchestrator/backend/internal/repository"
	"transfer-orchestrator/backend/pkg/models"
)

const headerTestOwner = "X-Test-Owner"

// MockEngine satisfies process.Engine and challenge.Relay
type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Start(ctx context.Context, req engine.StartRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *MockEngine) Status(ctx context.Context, ownerID, processID string) (*engine.Status, error) {
	args := m.Called(ctx, ownerID, processID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.Status), args.Error(1)
}

func (m *MockEngine) Resume(ctx context.Context, ownerID, processID string, payload json.RawMessage) error {
	return m.Called(ctx, ownerID, processID, payload).Error(0)
}

func (m *MockEngine) Terminate(ctx context.Context, ownerID, processID string) error {
	return m.Called(ctx, ownerID, processID).Error(0)
}

func (m *MockEngine) SubmitVerificationMethod(ctx context.Context, ownerID, processID, threadID, method string) error {
	return m.Called(ctx, ownerID, processID, threadID, method).Error(0)
}

func (m *MockEngine) SubmitVerificationCode(ctx context.Context, ownerID, processID, threadID, code string) error {
	return m.Called(ctx, ownerID, processID, threadID, code).Error(0)
}

func (m *MockEngine) SubmitConfirmation(ctx context.Context, ownerID, processID, threadID string, confirmed bool) error {
	return m.Called(ctx, ownerID, processID, threadID, confirmed).Error(0)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	e          *echo.Echo
	store      *repository.MemoryStore
	engine     *MockEngine
	creds      *credential.Manager
	clock      *clock
	hub        *events.Hub
	dispatcher *dispatch.Dispatcher
	// gate blocks SMS items until closed.
	gate chan struct{}
}

type envOptions struct {
	sms admission.Limits
}

func newEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	logger := logging.NewNop()
	clk := &clock{now: time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)}
	store := repository.NewMemoryStore()
	eng := &MockEngine{}
	hub := events.NewHub(16, logger)
	notifier := notify.New(hub, logger)

	svc := process.NewService(store, eng, notifier, logger, nil, process.Options{Now: clk.Now})
	broker := challenge.NewBroker(store, eng, hub, logger, nil, clk.Now)

	limits := dispatch.DefaultLimits()
	limits.OwnerCooldown = 0
	limits.ChunkPause = 0
	limits.RetryDelay = 0
	d := dispatch.New(store, notifier, logger, nil, limits, clk.Now)
	gate := make(chan struct{})
	d.Register(models.BatchKindSMS, dispatch.ItemHandlerFunc(func(ctx context.Context, _ string, _ json.RawMessage) error {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return nil
	}))
	d.Register(models.BatchKindImport, dispatch.NewImportHandler(store))

	admissions := admission.NewMemoryStore(clk.Now)
	srv := NewServer(Deps{
		Processes:  svc,
		Broker:     broker,
		Hub:        hub,
		Dispatcher: d,
		SMS:        admission.NewController("sms", opts.sms, admissions, logger, nil),
		Imports:    admission.NewController("imports", admission.Limits{MaxItems: 100}, admissions, logger, nil),
		Batches:    store,
		Store:      store,
		Logger:     logger,
		KeepAlive:  time.Hour,
	})
	creds := credential.NewManager(store, logger, credential.Options{Now: clk.Now})

	e := echo.New()
	e.HTTPErrorHandler = HTTPErrorHandler(logger)
	e.GET("/healthz", srv.HandleHealth)
	g := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			owner := c.Request().Header.Get(headerTestOwner)
			if owner == "" {
				owner = "op-1"
			}
			ctx := auth.WithOperator(c.Request().Context(), auth.Operator{ID: owner})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	RegisterHandlers(g, srv)
	srv.RegisterWebhooks(e.Group("/webhooks/engine"), creds, credential.PermissionEngineCallback, false)

	env := &testEnv{e: e, store: store, engine: eng, creds: creds, clock: clk, hub: hub, dispatcher: d, gate: gate}
	t.Cleanup(func() {
		close(gate)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Wait(ctx)
		broker.Stop()
	})
	return env
}

func (env *testEnv) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) start(t *testing.T) *models.Process {
	t.Helper()
	env.engine.On("Start", mock.Anything, mock.Anything).Return(nil).Once()
	rec := env.do(t, http.MethodPost, "/api/v1/processes", `{}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p models.Process
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return &p
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ProblemDetails {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
	var p ProblemDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func records(n int, item string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = item
	}
	return `[` + strings.Join(parts, ",") + `]`
}

func TestStartProcess(t *testing.T) {
	env := newEnv(t, envOptions{})

	p := env.start(t)
	assert.Equal(t, models.ProcessStatusProcessing, p.Status)
	assert.Equal(t, "op-1", p.OwnerID)

	rec := env.do(t, http.MethodPost, "/api/v1/processes", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	prob := decodeProblem(t, rec)
	assert.Equal(t, "active_process_exists", prob.Reason)
	assert.Equal(t, p.ID, prob.ExistingProcessID)

	rec = env.do(t, http.MethodGet, "/api/v1/processes/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), p.ID)

	rec = env.do(t, http.MethodGet, "/api/v1/processes/"+p.ID, "", headerTestOwner, "op-2")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartProcessValidation(t *testing.T) {
	env := newEnv(t, envOptions{})

	rec := env.do(t, http.MethodPost, "/api/v1/processes",
		`{"from":"2024-03-05T00:00:00Z","to":"2024-03-01T00:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decodeProblem(t, rec).Reason)
}

func TestHoldRejectedWhileEngineRunning(t *testing.T) {
	env := newEnv(t, envOptions{})
	p := env.start(t)
	env.engine.On("Status", mock.Anything, "op-1", p.ID).Return(&engine.Status{ProcessID: p.ID, IsRunning: true}, nil).Once()

	rec := env.do(t, http.MethodPost, "/api/v1/processes/"+p.ID+"/hold", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, process.CodeProcessRunning, decodeProblem(t, rec).Reason)
}

func TestResumeCooldown(t *testing.T) {
	env := newEnv(t, envOptions{})
	p := env.start(t)
	env.engine.On("Status", mock.Anything, "op-1", p.ID).Return(&engine.Status{ProcessID: p.ID}, nil).Once()

	rec := env.do(t, http.MethodPost, "/api/v1/processes/"+p.ID+"/hold", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/processes/"+p.ID+"/resume", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	prob := decodeProblem(t, rec)
	assert.Equal(t, string(admission.ReasonCooldown), prob.Reason)
	assert.Equal(t, "10", rec.Header().Get("Retry-After"))

	env.clock.Advance(11 * time.Second)
	env.engine.On("Resume", mock.Anything, "op-1", p.ID, json.RawMessage(`{"note":"go"}`)).Return(nil).Once()
	rec = env.do(t, http.MethodPost, "/api/v1/processes/"+p.ID+"/resume", `{"note":"go"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	env.engine.AssertExpectations(t)
}

func TestEventsLimitValidation(t *testing.T) {
	env := newEnv(t, envOptions{})
	p := env.start(t)

	rec := env.do(t, http.MethodGet, "/api/v1/processes/"+p.ID+"/events?limit=nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/processes/"+p.ID+"/events?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var evs []models.ProgressEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evs))
	assert.Len(t, evs, 1)
}

func TestBulkSMSAdmission(t *testing.T) {
	item := `{"phone":"+4915112345678"}`

	t.Run("accepted", func(t *testing.T) {
		env := newEnv(t, envOptions{sms: admission.Limits{MaxItems: 3}})
		rec := env.do(t, http.MethodPost, "/api/v1/sms/bulk", records(2, item))
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		var ack BatchAccepted
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
		assert.Equal(t, 2, ack.TotalRecords)
		assert.Equal(t, "processing", ack.Status)
		assert.NotEmpty(t, ack.BatchID)

		rec = env.do(t, http.MethodGet, "/api/v1/batches/"+ack.BatchID, "")
		assert.Equal(t, http.StatusOK, rec.Code)
		rec = env.do(t, http.MethodGet, "/api/v1/batches/"+ack.BatchID, "", headerTestOwner, "op-2")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("malformed", func(t *testing.T) {
		env := newEnv(t, envOptions{})
		for _, body := range []string{`[{"phone":`, `[]`, `null`, `{"records":[{"phone":"+4915112345678"}]}`} {
			rec := env.do(t, http.MethodPost, "/api/v1/sms/bulk", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, body)
			assert.Equal(t, "validation", decodeProblem(t, rec).Reason)
		}
	})

	t.Run("record without phone rejects the batch", func(t *testing.T) {
		env := newEnv(t, envOptions{sms: admission.Limits{RateLimit: 1, RateWindow: time.Minute}})
		for _, body := range []string{
			`[{"phone":"+4915112345678"},{"name":"x"},{"phone":"+4915112345679"}]`,
			`[{"phone":"+4915112345678"},{"phone":" "}]`,
			`[{"phone":"+4915112345678"},"+4915112345679"]`,
		} {
			rec := env.do(t, http.MethodPost, "/api/v1/sms/bulk", body)
			require.Equal(t, http.StatusBadRequest, rec.Code, body)
			prob := decodeProblem(t, rec)
			assert.Equal(t, "validation", prob.Reason)
			assert.Contains(t, prob.Detail, "record 1")
		}
		assert.Equal(t, 0, env.dispatcher.Running())
		_, err := env.store.GetBatchRecord(context.Background(), "op-1")
		assert.ErrorIs(t, err, repository.ErrNotFound)

		// rejected bodies were not charged against the rate budget
		rec := env.do(t, http.MethodPost, "/api/v1/sms/bulk", records(1, item))
		assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	})

	t.Run("too large", func(t *testing.T) {
		env := newEnv(t, envOptions{sms: admission.Limits{MaxItems: 3}})
		rec := env.do(t, http.MethodPost, "/api/v1/sms/bulk", records(4, item))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		prob := decodeProblem(t, rec)
		assert.Equal(t, 3, prob.Limit)
		assert.Equal(t, 4, prob.Current)
	})

	t.Run("busy", func(t *testing.T) {
		env := newEnv(t, envOptions{sms: admission.Limits{MaxConcurrent: 1}})
		rec := env.do(t, http.MethodPost, "/api/v1/sms/bulk", records(1, item))
		require.Equal(t, http.StatusAccepted, rec.Code)

		rec = env.do(t, http.MethodPost, "/api/v1/sms/bulk", records(1, item), headerTestOwner, "op-2")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, string(admission.ReasonBusy), decodeProblem(t, rec).Reason)
	})

	t.Run("rate limited", func(t *testing.T) {
		env := newEnv(t, envOptions{sms: admission.Limits{RateLimit: 1, RateWindow: time.Minute}})
		rec := env.do(t, http.MethodPost, "/api/v1/sms/bulk", records(1, item))
		require.Equal(t, http.StatusAccepted, rec.Code)

		rec = env.do(t, http.MethodPost, "/api/v1/sms/bulk", records(1, item))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, string(admission.ReasonRateLimited), decodeProblem(t, rec).Reason)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	})
}

func TestImportBatchRecord(t *testing.T) {
	env := newEnv(t, envOptions{})

	rec := env.do(t, http.MethodPost, "/api/v1/imports/bulk",
		`[{"external_ref":"a"},{"external_ref":"a"},{"external_ref":""}]`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var ack BatchAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))

	var batch models.BatchRecord
	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/api/v1/batches/failures", "")
		if rec.Code != http.StatusOK {
			return false
		}
		return json.Unmarshal(rec.Body.Bytes(), &batch) == nil && batch.ID == ack.BatchID
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, batch.Succeeded)
	assert.Len(t, batch.Failures, 2)

	rec = env.do(t, http.MethodGet, "/api/v1/batches/"+ack.BatchID, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)

	rec = env.do(t, http.MethodDelete, "/api/v1/batches/failures", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/batches/failures", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookAuthentication(t *testing.T) {
	env := newEnv(t, envOptions{})
	p := env.start(t)
	ctx := context.Background()

	engineCred, err := env.creds.Issue(ctx, "engine", credential.EnginePermissions)
	require.NoError(t, err)
	relayCred, err := env.creds.Issue(ctx, "relay-only", []string{credential.PermissionEngineRelay})
	require.NoError(t, err)

	body := `{"thread_id":"t1","options":["sms","email"]}`
	path := "/webhooks/engine/challenges/verification-method"

	rec := env.do(t, http.MethodPost, path, body, credential.HeaderCorrelationID, p.ID)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_credential", decodeProblem(t, rec).Reason)

	rec = env.do(t, http.MethodPost, path, body,
		credential.HeaderAPIToken, relayCred.Token, credential.HeaderCorrelationID, p.ID)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, path, body,
		credential.HeaderAPIToken, engineCred.Token, credential.HeaderCorrelationID, p.ID)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"kind":"choose_verification_method"`)

	rec = env.do(t, http.MethodPost, path, body, credential.HeaderAPIToken, engineCred.Token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEngineSMSWebhook(t *testing.T) {
	env := newEnv(t, envOptions{})
	cred, err := env.creds.Issue(context.Background(), "engine", credential.EnginePermissions)
	require.NoError(t, err)
	path := "/webhooks/engine/sms/bulk"

	rec := env.do(t, http.MethodPost, path, `[{"phone":"+4915112345678"}]`, credential.HeaderAPIToken, cred.Token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, path, `[{"phone":"+4915112345678"},{"message":"hi"}]`,
		credential.HeaderAPIToken, cred.Token, credential.HeaderOwnerID, "op-1")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeProblem(t, rec).Detail, "record 1")
	assert.Equal(t, 0, env.dispatcher.Running())

	rec = env.do(t, http.MethodPost, path, `[{"phone":"+4915112345678"},{"phone":"+4915112345679"}]`,
		credential.HeaderAPIToken, cred.Token, credential.HeaderOwnerID, "op-1")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var ack BatchAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, 2, ack.TotalRecords)
	assert.Equal(t, 1, env.dispatcher.Running())
}

func TestEngineStatusWebhook(t *testing.T) {
	env := newEnv(t, envOptions{})
	p := env.start(t)
	cred, err := env.creds.Issue(context.Background(), "engine", credential.EnginePermissions)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/webhooks/engine/processes/"+p.ID+"/status", `{"status":"completed","stage":"done"}`,
		credential.HeaderAPIToken, cred.Token, credential.HeaderOwnerID, "op-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := env.store.GetProcess(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)

	rec = env.do(t, http.MethodPost, "/webhooks/engine/processes/"+p.ID+"/status", `{"status":"bogus"}`,
		credential.HeaderAPIToken, cred.Token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnswerChallenge(t *testing.T) {
	env := newEnv(t, envOptions{})
	p := env.start(t)
	cred, err := env.creds.Issue(context.Background(), "engine", credential.EnginePermissions)
	require.NoError(t, err)

	open := func(thread string, timeout int) {
		body := `{"thread_id":"` + thread + `","label":"Code","message":"Enter the code","timeout":` + strconv.Itoa(timeout) + `}`
		rec := env.do(t, http.MethodPost, "/webhooks/engine/challenges/verification-code", body,
			credential.HeaderAPIToken, cred.Token, credential.HeaderCorrelationID, p.ID)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	open("t1", 30)
	open("t2", 5)

	rec := env.do(t, http.MethodGet, "/api/v1/challenges/open?process_id="+p.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed, 2)

	rec = env.do(t, http.MethodPost, "/api/v1/challenges/"+p.ID+"/t1/answer", `{"verification_code":"1","confirmation":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/challenges/"+p.ID+"/t1/answer", `{"confirmation":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "answer_mismatch", decodeProblem(t, rec).Reason)

	env.engine.On("SubmitVerificationCode", mock.Anything, "op-1", p.ID, "t1", "123456").Return(nil).Once()
	rec = env.do(t, http.MethodPost, "/api/v1/challenges/"+p.ID+"/t1/answer", `{"verification_code":" 123456 "}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/challenges/"+p.ID+"/t1/answer", `{"verification_code":"123456"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	env.clock.Advance(6 * time.Second)
	rec = env.do(t, http.MethodPost, "/api/v1/challenges/"+p.ID+"/t2/answer", `{"verification_code":"1"}`)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "challenge_expired", decodeProblem(t, rec).Reason)

	env.engine.AssertExpectations(t)
}

func TestStreamSendsConnectedFirst(t *testing.T) {
	env := newEnv(t, envOptions{})
	ts := httptest.NewServer(env.e)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/stream?replay=true", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/event-stream", res.Header.Get(echo.HeaderContentType))

	r := bufio.NewReader(res.Body)
	readFrame := func() map[string]string {
		frame := map[string]string{}
		for {
			line, err := r.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			if line == "" {
				return frame
			}
			k, v, _ := strings.Cut(line, ": ")
			frame[k] = v
		}
	}

	first := readFrame()
	assert.Equal(t, events.NameConnected, first["event"])
	assert.NotEmpty(t, first["id"])

	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	env.hub.Publish(events.Event{Name: events.NameNotification, OwnerID: "op-1", Data: json.RawMessage(`{"title":"hi"}`)})
	env.hub.Publish(events.Event{Name: events.NameNotification, OwnerID: "op-2"})

	second := readFrame()
	assert.Equal(t, events.NameNotification, second["event"])
	assert.Contains(t, second["data"], `"title":"hi"`)
}

func TestHealth(t *testing.T) {
	env := newEnv(t, envOptions{})
	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "dev", status.Version)
}
