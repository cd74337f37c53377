package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	reportsapp "feesync/internal/reports/application"
	reports "feesync/internal/reports/domain"
)

type stubRunner struct {
	result reportsapp.MirrorResult
	err     error
	started chan struct{}
	block   chan struct{}
}

func (s *stubRunner) Run(ctx context.Context) (reportsapp.MirrorResult, error) {
	if s.started != nil {
		close(s.started)
	}
	if s.block != nil {
		<-s.block
	}
	return s.result, s.err
}

func newRouter(t *testing.T, runner MirrorRunner) http.Handler {
	t.Helper()
	h, err := NewHandler(runner, nil)
	require.NoError(t, err)
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func TestMirror_ReportsResult(t *testing.T) {
	runner := &stubRunner{result: reportsapp.MirrorResult{
		Status:   reportsapp.MirrorPartial,
		Listed:   4,
		Matched:  3,
		Selected: []string{"a.xlsx", "b.xlsx"},
		Uploaded: []string{"a.xlsx"},
		Dropped: []reports.DroppedFile{{
			File:   reports.CandidateFile{Filename: "c.xlsx"},
			Reason: reports.DropFrontierLag,
		}},
		Failures: []reportsapp.FileFailure{{File: reports.CandidateFile{Filename: "b.xlsx"}, Stage: "upload", Err: "boom"}},
	}}
	resp := httptest.NewRecorder()
	newRouter(t, runner).ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/reports/mirror", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	var body mirrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, reportsapp.MirrorPartial, body.Status)
	assert.Equal(t, []string{"a.xlsx", "b.xlsx"}, body.Selected)
	require.Len(t, body.Dropped, 1)
	assert.Equal(t, "frontier_lag", body.Dropped[0].Reason)
	require.Len(t, body.Failures, 1)
	assert.Equal(t, "upload", body.Failures[0].Stage)
}

func TestMirror_FailureIsBadGateway(t *testing.T) {
	runner := &stubRunner{result: reportsapp.MirrorResult{Status: reportsapp.MirrorFailed}, err: errors.New("sftp down")}
	resp := httptest.NewRecorder()
	newRouter(t, runner).ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/reports/mirror", nil))

	assert.Equal(t, http.StatusBadGateway, resp.Code)
	assert.Contains(t, resp.Body.String(), "sftp down")
}

func TestMirror_ConcurrentRunConflicts(t *testing.T) {
	runner := &stubRunner{started: make(chan struct{}), block: make(chan struct{})}
	router := newRouter(t, runner)

	done := make(chan int)
	go func() {
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/reports/mirror", nil))
		done <- resp.Code
	}()

	select {
	case <-runner.started:
	case <-time.After(time.Second):
		t.Fatal("mirror run did not start")
	}
	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/api/v1/reports/mirror", nil))
	assert.Equal(t, http.StatusConflict, second.Code)

	close(runner.block)
	assert.Equal(t, http.StatusOK, <-done)
}
