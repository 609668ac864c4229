package web_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ajiaco/internal/adapters/exports"
	"ajiaco/internal/blob"
	"ajiaco/internal/core"
	"ajiaco/internal/live"
	"ajiaco/internal/web"
	"ajiaco/pkg/domain"
)

type fixture struct {
	svc    *core.Service
	hub    *live.Hub
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	svc := core.NewInMemoryService(core.NewDefaultRulesEngine(), core.WithSeed(3))
	hub := live.NewHub()
	core.NewNotifier(svc.Store(), hub, nil)
	worker := exports.NewWorker(svc, blob.NewMemory(), nil)
	worker.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = worker.Stop(ctx)
	})
	srv, err := web.NewServer(svc, hub, worker, nil, web.Options{Gatherer: prometheus.NewRegistry()})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &fixture{svc: svc, hub: hub, server: ts}
}

func (f *fixture) seed(t *testing.T) domain.SessionAggregate {
	t.Helper()
	agg, _, err := f.svc.CreateSession(context.Background(), core.SessionSpec{Code: "S1", ExperimentName: "pd", Subjects: 2, Rounds: 2, GroupSize: 2})
	require.NoError(t, err)
	return agg
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, sonic.Unmarshal(data, &out))
	return out
}

func TestPages(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "No sessions yet.")

	f.seed(t)
	_, body = f.do(t, http.MethodGet, "/", nil)
	assert.Contains(t, string(body), `href="/sessions/S1"`)

	resp, body = f.do(t, http.MethodGet, "/sessions/S1/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := string(body)
	assert.Contains(t, page, `data-live-url="/sessions/S1/live"`)
	assert.Contains(t, page, `data-since="0"`)
	assert.Contains(t, page, `data-highlight-ms="3000"`)
	assert.Contains(t, page, `data-model="Subject"`)
	assert.Contains(t, page, "<th>r2.Role.number_in_group</th>")

	resp, _ = f.do(t, http.MethodGet, "/sessions/missing/", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/static/live.js", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/v1/openapi.yaml", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "/api/v1/sessions/{code}/fields")

	resp, body = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode(t, body)["status"])
}

func TestSessionExportDownloads(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	resp, body := f.do(t, http.MethodGet, "/sessions/S1/export.csv", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), `S1.csv`)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	assert.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "Session.id,Session.code,"), lines[0])
	assert.Contains(t, lines[0], ",Subject.id,")
	assert.True(t, strings.HasPrefix(lines[1], "1,S1,"), lines[1])

	resp, body = f.do(t, http.MethodGet, "/sessions/S1/export.json", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "S1", decode(t, body)["session"].(map[string]any)["code"])

	resp, _ = f.do(t, http.MethodGet, "/sessions/S1/export.xml", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateAndListSessions(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{
		"code": "API", "experiment_name": "pd", "subjects_number": 4, "rounds": 1, "group_size": 2,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	created := decode(t, body)
	assert.Len(t, created["subjects"], 4)
	assert.EqualValues(t, 1, created["rounds"])

	resp, body = f.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"code": "API", "experiment_name": "pd", "subjects_number": 1, "rounds": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))

	resp, _ = f.do(t, http.MethodPost, "/api/v1/sessions", "not an object")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode(t, body)["sessions"], 1)
}

func TestSetFieldsPublishesLiveEvent(t *testing.T) {
	f := newFixture(t)
	agg := f.seed(t)

	resp, body := f.do(t, http.MethodGet, "/api/v1/sessions/S1/table", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snapshot := decode(t, body)
	since := fmt.Sprint(snapshot["seq"])
	require.Equal(t, "0", since)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/sessions/S1/live?since=" + since
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := live.Dial(ctx, wsURL)
	require.NoError(t, err)
	defer conn.Close()

	subject := agg.Subjects[0]
	resp, body = f.do(t, http.MethodPost, "/api/v1/sessions/S1/fields", map[string]any{
		"model": "Subject", "model_id": subject.ID, "fields": map[string]any{"current_stage": 3},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.EqualValues(t, 3, decode(t, body)["fields"].(map[string]any)["current_stage"])

	ev, err := conn.Next()
	require.NoError(t, err)
	assert.Equal(t, domain.EntitySubject, ev.Model)
	assert.Equal(t, subject.ID, ev.ModelID)
	assert.Equal(t, "3", fmt.Sprint(ev.Fields["current_stage"]))
	assert.EqualValues(t, 1, ev.Seq)
	assert.EqualValues(t, 1, f.hub.Seq("S1"))
}

func TestStageRoutesPublishCurrentStage(t *testing.T) {
	f := newFixture(t)
	agg := f.seed(t)
	role := agg.Rounds[0].Roles[0]

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/sessions/S1/live?since=0"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := live.Dial(ctx, wsURL)
	require.NoError(t, err)
	defer conn.Close()

	resp, body := f.do(t, http.MethodPost, "/api/v1/sessions/S1/stages", map[string]any{
		"role_id": role.ID, "stage_idx": 2, "timeout": "1m",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	stage := decode(t, body)["stage"].(map[string]any)
	assert.EqualValues(t, role.SubjectID, stage["subject_id"])
	assert.EqualValues(t, 2, stage["stage_idx"])
	historyID := fmt.Sprint(stage["id"])

	ev, err := conn.Next()
	require.NoError(t, err)
	assert.Equal(t, domain.EntitySubject, ev.Model)
	assert.Equal(t, role.SubjectID, ev.ModelID)
	assert.Equal(t, "2", fmt.Sprint(ev.Fields["current_stage"]))

	resp, body = f.do(t, http.MethodPost, "/api/v1/sessions/S1/stages/"+historyID+"/exit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	exited := decode(t, body)["stage"].(map[string]any)
	assert.NotNil(t, exited["exit_at"])
	assert.Equal(t, false, exited["timed_out"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/sessions/S1/stages/"+historyID+"/exit", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	_, _, err = f.svc.CreateSession(context.Background(), core.SessionSpec{Code: "S2", ExperimentName: "pd", Subjects: 2, Rounds: 1, GroupSize: 2})
	require.NoError(t, err)
	cases := map[string]struct {
		path string
		body map[string]any
		want int
	}{
		"other session role":    {"/api/v1/sessions/S2/stages", map[string]any{"role_id": role.ID, "stage_idx": 1}, http.StatusNotFound},
		"other session history": {"/api/v1/sessions/S2/stages/" + historyID + "/exit", nil, http.StatusNotFound},
		"missing role":          {"/api/v1/sessions/S1/stages", map[string]any{"stage_idx": 1}, http.StatusBadRequest},
		"bad timeout":           {"/api/v1/sessions/S1/stages", map[string]any{"role_id": role.ID, "stage_idx": 1, "timeout": "soon"}, http.StatusBadRequest},
		"negative stage":        {"/api/v1/sessions/S1/stages", map[string]any{"role_id": role.ID, "stage_idx": -1}, http.StatusBadRequest},
		"bad history id":        {"/api/v1/sessions/S1/stages/x/exit", nil, http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var body any
			if tc.body != nil {
				body = tc.body
			}
			resp, data := f.do(t, http.MethodPost, tc.path, body)
			assert.Equal(t, tc.want, resp.StatusCode, string(data))
		})
	}
}

func TestSetFieldsErrors(t *testing.T) {
	f := newFixture(t)
	agg := f.seed(t)
	subject := agg.Subjects[0]
	cases := map[string]struct {
		path string
		body map[string]any
		want int
	}{
		"unknown field": {"/api/v1/sessions/S1/fields", map[string]any{"model": "Subject", "model_id": subject.ID, "fields": map[string]any{"nope": 1}}, http.StatusBadRequest},
		"read only":     {"/api/v1/sessions/S1/fields", map[string]any{"model": "Subject", "model_id": subject.ID, "fields": map[string]any{"id": 9}}, http.StatusBadRequest},
		"wrong type":    {"/api/v1/sessions/S1/fields", map[string]any{"model": "Subject", "model_id": subject.ID, "fields": map[string]any{"current_stage": "x"}}, http.StatusBadRequest},
		"missing id":    {"/api/v1/sessions/S1/fields", map[string]any{"model": "Subject", "model_id": 999, "fields": map[string]any{"current_stage": 1}}, http.StatusNotFound},
		"no session":    {"/api/v1/sessions/nope/fields", map[string]any{"model": "Subject", "model_id": subject.ID, "fields": map[string]any{"current_stage": 1}}, http.StatusNotFound},
		"empty":         {"/api/v1/sessions/S1/fields", map[string]any{"model": "Subject"}, http.StatusBadRequest},
		"unknown model": {"/api/v1/sessions/S1/fields", map[string]any{"model": "Planet", "model_id": subject.ID, "fields": map[string]any{"current_stage": 1}}, http.StatusBadRequest},
		"stage history": {"/api/v1/sessions/S1/fields", map[string]any{"model": "StageHistory", "model_id": 1, "fields": map[string]any{"stage_idx": 1}}, http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.want, resp.StatusCode, string(body))
			assert.NotEmpty(t, decode(t, body)["error"])
		})
	}
}

func TestIntegrityFaultIsServerError(t *testing.T) {
	f := newFixture(t)
	agg := f.seed(t)
	_, err := f.svc.Store().RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return tx.DeleteRole(agg.Rounds[1].Roles[0].ID)
	})
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, "/api/v1/sessions/S1/table", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, decode(t, body)["error"], "S1")

	resp, _ = f.do(t, http.MethodGet, "/sessions/S1/", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestExportJobLifecycle(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/sessions/S1/exports", map[string]any{"formats": []string{"csv"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	id := decode(t, body)["export"].(map[string]any)["id"].(string)

	require.Eventually(t, func() bool {
		_, body := f.do(t, http.MethodGet, "/api/v1/exports/"+id, nil)
		return decode(t, body)["export"].(map[string]any)["status"] == string(exports.StatusSucceeded)
	}, 2*time.Second, 10*time.Millisecond)

	resp, body = f.do(t, http.MethodGet, "/api/v1/exports/"+id+"/csv", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(string(body), "Session.id,"))

	resp, _ = f.do(t, http.MethodGet, "/api/v1/exports/"+id+"/json", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/v1/sessions/S1/exports", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	artifacts := decode(t, body)["artifacts"].([]any)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "exports/S1/"+id+".csv", artifacts[0].(map[string]any)["key"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/sessions/nope/exports", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/exports/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/sessions/nope/exports", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLiveRejectsUnknownSession(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/sessions/nope/live", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.seed(t)
	resp, _ = f.do(t, http.MethodGet, "/sessions/S1/live?since=-4", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
