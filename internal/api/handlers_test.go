package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/reach-scheduler/internal/queue"
	"github.com/ignite/reach-scheduler/internal/scheduler"
	"github.com/ignite/reach-scheduler/internal/store"
)

type fakeCreator struct {
	result *scheduler.CreateCampaignResult
	err    error
	gotReq scheduler.CreateCampaignRequest
}

func (f *fakeCreator) CreateCampaign(_ context.Context, req scheduler.CreateCampaignRequest) (*scheduler.CreateCampaignResult, error) {
	f.gotReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeReader struct {
	campaign   *store.Campaign
	campaigns  []*store.Campaign
	dispatches []*store.Dispatch
	pingErr    error

	gotStatuses []store.DispatchStatus
}

func (f *fakeReader) GetCampaign(_ context.Context, id uuid.UUID) (*store.Campaign, error) {
	if f.campaign == nil {
		return nil, store.ErrNotFound
	}
	return f.campaign, nil
}

func (f *fakeReader) ListCampaignsByUser(context.Context, uuid.UUID) ([]*store.Campaign, error) {
	return f.campaigns, nil
}

func (f *fakeReader) ListDispatchesByCampaign(context.Context, uuid.UUID) ([]*store.Dispatch, error) {
	return f.dispatches, nil
}

func (f *fakeReader) ListDispatchesByUserAndStatus(_ context.Context, _ uuid.UUID, statuses []store.DispatchStatus) ([]*store.Dispatch, error) {
	f.gotStatuses = statuses
	return f.dispatches, nil
}

func (f *fakeReader) Ping(context.Context) error {
	return f.pingErr
}

type fakeInspector struct {
	metrics queue.Metrics
}

func (f *fakeInspector) Metrics(context.Context) (queue.Metrics, error) {
	return f.metrics, nil
}

func setupRouter(creator *fakeCreator, reader *fakeReader, inspector *fakeInspector) http.Handler {
	if creator == nil {
		creator = &fakeCreator{}
	}
	if reader == nil {
		reader = &fakeReader{}
	}
	if inspector == nil {
		inspector = &fakeInspector{}
	}
	return SetupRoutes(NewHandlers(creator, reader, inspector))
}

func decodeEnvelope(t *testing.T, body *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(body.Bytes(), &envelope))
	return envelope
}

func TestCreateCampaign_Created(t *testing.T) {
	campaignID := uuid.New()
	creator := &fakeCreator{
		result: &scheduler.CreateCampaignResult{
			Campaign:      &store.Campaign{ID: campaignID, Status: store.CampaignInProgress},
			DispatchCount: 2,
			TotalEmails:   2,
		},
	}
	router := setupRouter(creator, nil, nil)

	payload := map[string]interface{}{
		"userId":          uuid.New().String(),
		"subject":         "Welcome",
		"body":            "Hello",
		"recipientEmails": []string{"a@x.io", "b@x.io"},
		"startTime":       time.Now().Add(time.Minute).UTC().Format(time.RFC3339),
	}
	raw, _ := json.Marshal(payload)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/campaigns", bytes.NewReader(raw)))

	require.Equal(t, http.StatusCreated, rec.Code)
	envelope := decodeEnvelope(t, rec.Body)
	assert.Equal(t, true, envelope["success"])

	data := envelope["data"].(map[string]interface{})
	assert.Equal(t, float64(2), data["dispatchCount"])
	assert.Equal(t, campaignID.String(), data["campaign"].(map[string]interface{})["id"])

	// The RFC3339 start time reaches the scheduler parsed.
	assert.False(t, creator.gotReq.StartTime.IsZero())
}

func TestCreateCampaign_InvalidJSON(t *testing.T) {
	router := setupRouter(nil, nil, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/campaigns", bytes.NewReader([]byte("{not json"))))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	envelope := decodeEnvelope(t, rec.Body)
	assert.Equal(t, false, envelope["success"])
	assert.Equal(t, "invalid JSON body", envelope["error"])
}

func TestCreateCampaign_BadStartTime(t *testing.T) {
	router := setupRouter(nil, nil, nil)

	raw, _ := json.Marshal(map[string]interface{}{
		"userId":          uuid.New().String(),
		"subject":         "s",
		"body":            "b",
		"recipientEmails": []string{"a@x.io"},
		"startTime":       "yesterday",
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/campaigns", bytes.NewReader(raw)))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	envelope := decodeEnvelope(t, rec.Body)
	details := envelope["details"].(map[string]interface{})
	assert.Contains(t, details["startTime"], "ISO-8601")
}

func TestCreateCampaign_ValidationErrorDetails(t *testing.T) {
	creator := &fakeCreator{
		err: &scheduler.ValidationError{Details: map[string]string{
			"startTime": "Start time cannot be in the past",
		}},
	}
	router := setupRouter(creator, nil, nil)

	raw, _ := json.Marshal(map[string]interface{}{
		"userId":          uuid.New().String(),
		"subject":         "s",
		"body":            "b",
		"recipientEmails": []string{"a@x.io"},
		"startTime":       time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/campaigns", bytes.NewReader(raw)))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	envelope := decodeEnvelope(t, rec.Body)
	assert.Equal(t, "validation failed", envelope["error"])
	details := envelope["details"].(map[string]interface{})
	assert.Equal(t, "Start time cannot be in the past", details["startTime"])
}

func TestCreateCampaign_NoDispatches(t *testing.T) {
	creator := &fakeCreator{err: scheduler.ErrNoDispatches}
	router := setupRouter(creator, nil, nil)

	raw, _ := json.Marshal(map[string]interface{}{
		"userId":          uuid.New().String(),
		"subject":         "s",
		"body":            "b",
		"recipientEmails": []string{"a@x.io"},
		"startTime":       time.Now().Add(time.Minute).UTC().Format(time.RFC3339),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/campaigns", bytes.NewReader(raw)))

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateCampaign_InternalError(t *testing.T) {
	creator := &fakeCreator{err: errors.New("db down")}
	router := setupRouter(creator, nil, nil)

	raw, _ := json.Marshal(map[string]interface{}{
		"userId":          uuid.New().String(),
		"subject":         "s",
		"body":            "b",
		"recipientEmails": []string{"a@x.io"},
		"startTime":       time.Now().Add(time.Minute).UTC().Format(time.RFC3339),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/campaigns", bytes.NewReader(raw)))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListCampaigns_RequiresUserID(t *testing.T) {
	router := setupRouter(nil, nil, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/campaigns", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/campaigns?userId=nope", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListCampaigns_EmptyIsArray(t *testing.T) {
	router := setupRouter(nil, nil, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/campaigns?userId="+uuid.New().String(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	envelope := decodeEnvelope(t, rec.Body)
	data, ok := envelope["data"].([]interface{})
	require.True(t, ok, "data should be a JSON array, not null")
	assert.Len(t, data, 0)
}

func TestCampaignDispatches_NotFound(t *testing.T) {
	router := setupRouter(nil, &fakeReader{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/campaigns/"+uuid.New().String()+"/dispatches", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	envelope := decodeEnvelope(t, rec.Body)
	assert.Equal(t, "campaign not found", envelope["error"])
}

func TestCampaignDispatches_BadID(t *testing.T) {
	router := setupRouter(nil, nil, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/campaigns/not-a-uuid/dispatches", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduledDispatches_StatusFilter(t *testing.T) {
	reader := &fakeReader{}
	router := setupRouter(nil, reader, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/dispatches/scheduled?userId="+uuid.New().String(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []store.DispatchStatus{
		store.DispatchPending, store.DispatchScheduled, store.DispatchRateLimited,
	}, reader.gotStatuses)
}

func TestSentDispatches_StatusFilter(t *testing.T) {
	reader := &fakeReader{}
	router := setupRouter(nil, reader, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/dispatches/sent?userId="+uuid.New().String(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []store.DispatchStatus{
		store.DispatchSent, store.DispatchFailed,
	}, reader.gotStatuses)
}

func TestStatus(t *testing.T) {
	inspector := &fakeInspector{metrics: queue.Metrics{Waiting: 3, Delayed: 7}}
	router := setupRouter(nil, nil, inspector)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	envelope := decodeEnvelope(t, rec.Body)
	data := envelope["data"].(map[string]interface{})
	assert.Equal(t, "up", data["database"].(map[string]interface{})["status"])
	assert.Equal(t, float64(7), data["queue"].(map[string]interface{})["delayed"])
}

func TestStatus_DatabaseDown(t *testing.T) {
	reader := &fakeReader{pingErr: errors.New("connection refused")}
	router := setupRouter(nil, reader, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	envelope := decodeEnvelope(t, rec.Body)
	data := envelope["data"].(map[string]interface{})
	assert.Equal(t, "down", data["database"].(map[string]interface{})["status"])
}

func TestHealth(t *testing.T) {
	router := setupRouter(nil, nil, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}
