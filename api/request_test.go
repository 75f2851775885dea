package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mdmflow/orchestrator"
	"github.com/mdmflow/orchestrator/config"
	"github.com/mdmflow/orchestrator/database"
	"github.com/mdmflow/orchestrator/internal/attachment"
	"github.com/mdmflow/orchestrator/model"
)

// fakeStore implements only the IDataSource methods HandleOnSubmit,
// HandleOnEditByRow (the /edit path) and WorkloadCounter.Add touch.
type fakeStore struct {
	database.IDataSource

	upserted    []*database.Row
	workloads   map[string]int64
	nextCounter int
	cells       map[string]map[string]interface{}
	rows        map[string]*database.Row
}

func (f *fakeStore) LookupApprover(ctx context.Context, key model.ApproverConfigKey) ([]string, error) {
	return []string{model.NoApprover}, nil
}

func (f *fakeStore) UpsertRow(ctx context.Context, row *database.Row, opts database.RowOptions) error {
	f.upserted = append(f.upserted, row)
	return nil
}

func (f *fakeStore) PeekRequestCounter(ctx context.Context, businessUnit string) (int, error) {
	return f.nextCounter, nil
}

func (f *fakeStore) NextRequestCounter(ctx context.Context, businessUnit string) (int, error) {
	f.nextCounter++
	return f.nextCounter, nil
}

func (f *fakeStore) AdjustAgentWorkload(ctx context.Context, name string, deltaSeconds int64) (int64, error) {
	if f.workloads == nil {
		f.workloads = map[string]int64{}
	}
	f.workloads[name] += deltaSeconds
	if f.workloads[name] < 0 {
		f.workloads[name] = 0
	}
	return f.workloads[name], nil
}

func (f *fakeStore) ReadRow(ctx context.Context, table, rowID string) (*database.Row, error) {
	return f.rows[table+":"+rowID], nil
}

func (f *fakeStore) SetCells(ctx context.Context, table, rowID string, cellsIn map[string]interface{}, opts database.RowOptions) error {
	if f.cells == nil {
		f.cells = map[string]map[string]interface{}{}
	}
	key := table + ":" + rowID
	if f.cells[key] == nil {
		f.cells[key] = map[string]interface{}{}
	}
	for k, v := range cellsIn {
		f.cells[key][k] = v
	}
	return nil
}

func newTestAPI(t *testing.T, store *fakeStore) *Api {
	t.Helper()
	config.MockConfig(&config.Configuration{})

	engine := &orchestrator.Engine{
		Store:    store,
		Workload: &orchestrator.WorkloadCounter{Store: store},
		FSM: &orchestrator.RequestFSM{
			Store:          store,
			Attachments:    attachment.NewDevStore(),
			RequestNumbers: &orchestrator.RequestNumberGenerator{Store: store},
		},
	}

	api := NewAPI(engine)
	if api == nil {
		t.Fatal("NewAPI returned nil")
	}
	return api
}

func TestSubmitRequest_Success(t *testing.T) {
	store := &fakeStore{}
	api := newTestAPI(t, store)
	router := api.Router()

	body, _ := json.Marshal(map[string]interface{}{
		"requestType": "Onboarding",
		"emailAddress": "requester@corp.com",
		"companyCode": "C001",
		"companyName": "Acme Co",
	})

	req := httptest.NewRequest(http.MethodPost, "/request", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Len(t, store.upserted, 1)

	var resp map[string]interface{}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp["status"])
}

func TestSubmitRequest_MissingRequiredFieldIsRejected(t *testing.T) {
	store := &fakeStore{}
	api := newTestAPI(t, store)
	router := api.Router()

	body, _ := json.Marshal(map[string]interface{}{
		"requestType": "Onboarding",
		// emailAddress, companyCode, companyName all missing
	})

	req := httptest.NewRequest(http.MethodPost, "/request", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, store.upserted)
}

func TestSubmitRequest_MalformedJSONIsRejected(t *testing.T) {
	store := &fakeStore{}
	api := newTestAPI(t, store)
	router := api.Router()

	req := httptest.NewRequest(http.MethodPost, "/request", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateWorkload_Success(t *testing.T) {
	store := &fakeStore{}
	api := newTestAPI(t, store)
	router := api.Router()

	body, _ := json.Marshal(map[string]interface{}{"mdmName": "alice", "seconds": 1800})

	req := httptest.NewRequest(http.MethodPost, "/update_workload", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1800), store.workloads["alice"])
}

func TestHandleEdit_AssigneeClaimIsPersisted(t *testing.T) {
	store := &fakeStore{
		rows: map[string]*database.Row{
			"assignee_carol:ON/MDM/BU1/00001": {
				Table: "assignee_carol", RowID: "ON/MDM/BU1/00001", RequestKey: "ON/MDM/BU1/00001",
				Columns: map[string]interface{}{"Processed By": "carol"},
			},
		},
	}
	api := newTestAPI(t, store)
	router := api.Router()

	body, _ := json.Marshal(map[string]interface{}{
		"table":         "assignee_carol",
		"requestNumber": "ON/MDM/BU1/00001",
		"editedColumn":  "Processed By",
	})

	req := httptest.NewRequest(http.MethodPost, "/edit", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, store.cells["assignee_carol:ON/MDM/BU1/00001"], "Taken Date")
}

func TestHandleEdit_MissingFieldsIsRejected(t *testing.T) {
	store := &fakeStore{}
	api := newTestAPI(t, store)
	router := api.Router()

	body, _ := json.Marshal(map[string]interface{}{})

	req := httptest.NewRequest(http.MethodPost, "/edit", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateWorkload_MissingFieldsIsRejected(t *testing.T) {
	store := &fakeStore{}
	api := newTestAPI(t, store)
	router := api.Router()

	body, _ := json.Marshal(map[string]interface{}{})

	req := httptest.NewRequest(http.MethodPost, "/update_workload", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
