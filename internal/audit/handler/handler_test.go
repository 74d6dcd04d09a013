package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribe/internal/audit"
	"scribe/internal/audit/query"
	"scribe/internal/platform/middleware"
	"scribe/pkg/eventbus"
	"scribe/pkg/repo"
)

type fakeService struct {
	lastCaller   query.Caller
	lastFilter   string
	lastOrderBy  string
	lastPageSize int
	lastPageNum  int
	listErr      error
	rows         []*audit.Entity

	tables []string

	exportTable  string
	exportStatus eventbus.Status
	exportErr    error
}

func (f *fakeService) List(_ context.Context, caller query.Caller, filter, orderBy string,
	pageSize, pageNumber int,
) (int64, []*audit.Entity, error) {
	f.lastCaller = caller
	f.lastFilter = filter
	f.lastOrderBy = orderBy
	f.lastPageSize = pageSize
	f.lastPageNum = pageNumber
	if f.listErr != nil {
		return 0, nil, f.listErr
	}
	return int64(len(f.rows)), f.rows, nil
}

func (f *fakeService) Tables(context.Context) ([]string, error) {
	return f.tables, nil
}

func (f *fakeService) RecordExport(_ context.Context, caller query.Caller, tableName, _ string) (eventbus.Status, error) {
	f.lastCaller = caller
	f.exportTable = tableName
	return f.exportStatus, f.exportErr
}

func serve(t *testing.T, svc Service) (*httptest.Server, *middleware.Validator) {
	t.Helper()
	validator := middleware.NewValidator("test-key")
	r := chi.NewRouter()
	New(svc, slog.New(slog.DiscardHandler), validator).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, validator
}

func get(t *testing.T, srv *httptest.Server, validator *middleware.Validator, path string, p middleware.Principal) *http.Response {
	t.Helper()
	token, err := validator.GenerateToken(p, time.Minute)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestListRequiresToken(t *testing.T) {
	srv, _ := serve(t, &fakeService{})

	resp, err := srv.Client().Get(srv.URL + "/audits")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListPassesCallerAndQueryParams(t *testing.T) {
	svc := &fakeService{rows: []*audit.Entity{{
		TableName: "accounts",
		AuditType: "Update",
		AuditUser: "alice",
	}}}
	srv, validator := serve(t, svc)

	params := url.Values{}
	params.Set("filter", `table_name == "accounts"`)
	params.Set("orderBy", "id desc")
	params.Set("pageSize", "5")
	params.Set("pageNumber", "2")
	resp := get(t, srv, validator, "/audits?"+params.Encode(),
		middleware.Principal{User: "alice", OrganizationIDs: []int64{10}})
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", svc.lastCaller.User)
	assert.Equal(t, []int64{10}, svc.lastCaller.OrganizationIDs)
	assert.Equal(t, `table_name == "accounts"`, svc.lastFilter)
	assert.Equal(t, "id desc", svc.lastOrderBy)
	assert.Equal(t, 5, svc.lastPageSize)
	assert.Equal(t, 2, svc.lastPageNum)

	var body struct {
		Total int64 `json:"total"`
		Items []struct {
			TableName string `json:"tableName"`
		} `json:"items"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, int64(1), body.Total)
	require.Len(t, body.Items, 1)
	assert.Equal(t, "accounts", body.Items[0].TableName)
}

func TestListInvalidFilterIs400(t *testing.T) {
	svc := &fakeService{listErr: repo.ErrInvalidFilter}
	srv, validator := serve(t, svc)

	resp := get(t, srv, validator, "/audits?filter=garbage", middleware.Principal{User: "alice"})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListBackendFailureIs500(t *testing.T) {
	svc := &fakeService{listErr: errors.New("db down")}
	srv, validator := serve(t, svc)

	resp := get(t, srv, validator, "/audits", middleware.Principal{User: "alice"})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestTablesEnumeratesRegistry(t *testing.T) {
	svc := &fakeService{tables: []string{"accounts", "contracts"}}
	srv, validator := serve(t, svc)

	resp := get(t, srv, validator, "/audits/tables", middleware.Principal{User: "alice"})
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{"accounts", "contracts"}, body["tables"])
}

func postExport(t *testing.T, srv *httptest.Server, validator *middleware.Validator, body string) *http.Response {
	t.Helper()
	token, err := validator.GenerateToken(middleware.Principal{User: "alice", OrganizationIDs: []int64{10}}, time.Minute)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/audits/export", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestExportAccepted(t *testing.T) {
	svc := &fakeService{exportStatus: eventbus.StatusSuccess}
	srv, validator := serve(t, svc)

	resp := postExport(t, srv, validator, `{"tableName":"accounts","filter":"name contains \"a\""}`)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "accounts", svc.exportTable)
	assert.Equal(t, "alice", svc.lastCaller.User)
}

func TestExportBrokerDownIs503(t *testing.T) {
	svc := &fakeService{exportStatus: eventbus.StatusFailed, exportErr: eventbus.ErrBrokerUnavailable}
	srv, validator := serve(t, svc)

	resp := postExport(t, srv, validator, `{"tableName":"accounts"}`)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestExportRejectsBadBody(t *testing.T) {
	srv, validator := serve(t, &fakeService{exportStatus: eventbus.StatusSuccess})

	resp := postExport(t, srv, validator, `{"filter":"x"}`)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
