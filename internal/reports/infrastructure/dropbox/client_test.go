package dropbox

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	reports "feesync/internal/reports/domain"
)

type fakeDropbox struct {
	mu            sync.Mutex
	uploads       []string
	uploadStatus  []int
	uploadBodies  []string
	listPages     []listFolderResponse
	listStatus    int
	deleted       []string
	tokenRequests int
	badAuth       int
}

func (f *fakeDropbox) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-abc", r.Form.Get("refresh_token"))
		assert.Equal(t, "app-key", r.Form.Get("client_id"))
		f.mu.Lock()
		f.tokenRequests++
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"access-1","token_type":"bearer","expires_in":14400}`))
	})
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer access-1" {
				f.mu.Lock()
				f.badAuth++
				f.mu.Unlock()
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/2/files/upload", authed(func(w http.ResponseWriter, r *http.Request) {
		var arg uploadArg
		assert.NoError(t, json.Unmarshal([]byte(r.Header.Get("Dropbox-API-Arg")), &arg))
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.uploads = append(f.uploads, arg.Path)
		status := http.StatusOK
		if len(f.uploadStatus) > 0 {
			status = f.uploadStatus[0]
			f.uploadStatus = f.uploadStatus[1:]
		}
		if status == http.StatusTooManyRequests {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error_summary":"too_many_write_operations/","error":{"retry_after":7}}`))
			return
		}
		f.uploadBodies = append(f.uploadBodies, string(body))
		assert.Equal(t, "add", arg.Mode)
		assert.True(t, arg.Autorename)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{}`))
	}))
	mux.HandleFunc("/2/files/list_folder", authed(func(w http.ResponseWriter, r *http.Request) {
		if f.listStatus != 0 {
			w.WriteHeader(f.listStatus)
			_, _ = w.Write([]byte(`{"error_summary":"path/not_found/"}`))
			return
		}
		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "/cred", req["path"])
		_ = json.NewEncoder(w).Encode(f.listPages[0])
	}))
	mux.HandleFunc("/2/files/list_folder/continue", authed(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "cursor-1", req["cursor"])
		_ = json.NewEncoder(w).Encode(f.listPages[1])
	}))
	mux.HandleFunc("/2/files/delete_batch", authed(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Entries []struct {
				Path string `json:"path"`
			} `json:"entries"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		for _, e := range req.Entries {
			f.deleted = append(f.deleted, e.Path)
		}
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{".tag":"async_job_id","async_job_id":"job"}`))
	}))
	return mux
}

func newTestClient(t *testing.T, fake *fakeDropbox, sleeps *[]time.Duration) *Client {
	t.Helper()
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)
	client, err := New(context.Background(), Config{
		AppKey:         "app-key",
		AppSecret:      "app-secret",
		RefreshToken:   "refresh-abc",
		MaxAttempts:    3,
		APIBaseURL:     server.URL,
		ContentBaseURL: server.URL,
		TokenURL:       server.URL + "/oauth2/token",
	}, nil, WithSleep(func(_ context.Context, d time.Duration) error {
		if sleeps != nil {
			*sleeps = append(*sleeps, d)
		}
		return nil
	}))
	require.NoError(t, err)
	return client
}

func writeLocal(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "10-20240101000000-INTE100F.xlsx")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestClient_PutUploadsWithRefreshedToken(t *testing.T) {
	fake := &fakeDropbox{}
	client := newTestClient(t, fake, nil)

	err := client.Put(context.Background(), writeLocal(t, "xlsx-bytes"), "/cred/10-20240101000000-INTE100F.xlsx")
	require.NoError(t, err)
	assert.Equal(t, []string{"/cred/10-20240101000000-INTE100F.xlsx"}, fake.uploads)
	assert.Equal(t, []string{"xlsx-bytes"}, fake.uploadBodies)
	assert.Equal(t, 1, fake.tokenRequests)
	assert.Zero(t, fake.badAuth)
}

func TestClient_PutHonoursRetryAfter(t *testing.T) {
	fake := &fakeDropbox{uploadStatus: []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusOK}}
	var sleeps []time.Duration
	client := newTestClient(t, fake, &sleeps)

	err := client.Put(context.Background(), writeLocal(t, "x"), "/cred/a.xlsx")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second, 2 * time.Second}, sleeps)
	assert.Len(t, fake.uploads, 3)
}

func TestClient_PutGivesUpAfterMaxAttempts(t *testing.T) {
	fake := &fakeDropbox{uploadStatus: []int{429, 429, 429}}
	client := newTestClient(t, fake, nil)

	err := client.Put(context.Background(), writeLocal(t, "x"), "/cred/a.xlsx")
	require.ErrorIs(t, err, reports.ErrRateLimited)
	assert.Len(t, fake.uploads, 3)
}

func TestClient_DeleteAllFollowsPagination(t *testing.T) {
	fake := &fakeDropbox{listPages: []listFolderResponse{
		{Cursor: "cursor-1", HasMore: true, Entries: []listEntry{{Tag: "file", Name: "a.xlsx", PathLower: "/cred/a.xlsx"}}},
		{Entries: []listEntry{{Tag: "file", Name: "B.xlsx", PathDisplay: "/cred/B.xlsx"}}},
	}}
	client := newTestClient(t, fake, nil)

	objects, err := client.ListAll(context.Background(), "cred")
	require.NoError(t, err)
	require.Len(t, objects, 2)

	require.NoError(t, client.DeleteAll(context.Background(), "/cred/"))
	assert.Equal(t, []string{"/cred/a.xlsx", "/cred/B.xlsx"}, fake.deleted)
}

func TestClient_DeleteAllMissingFolderSucceeds(t *testing.T) {
	fake := &fakeDropbox{listStatus: http.StatusConflict}
	client := newTestClient(t, fake, nil)

	_, err := client.ListAll(context.Background(), "/cred")
	require.ErrorIs(t, err, ErrFolderNotFound)
	require.NoError(t, client.DeleteAll(context.Background(), "/cred"))
	assert.Empty(t, fake.deleted)
}

func TestClient_DeleteAllEmptyFolderSkipsBatch(t *testing.T) {
	fake := &fakeDropbox{listPages: []listFolderResponse{{}}}
	client := newTestClient(t, fake, nil)

	require.NoError(t, client.DeleteAll(context.Background(), "/cred"))
	assert.Empty(t, fake.deleted)
}

func TestNew_RefreshTokenFromCredentialsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dropbox_credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"refresh_token":"from-file"}`), 0o600))

	token, err := resolveRefreshToken(Config{CredentialsFile: path})
	require.NoError(t, err)
	assert.Equal(t, "from-file", token)

	require.NoError(t, os.WriteFile(path, []byte(`{"refresh_token":"`+placeholderToken+`"}`), 0o600))
	_, err = resolveRefreshToken(Config{CredentialsFile: path})
	require.ErrorIs(t, err, reports.ErrMissingCredentials)

	_, err = resolveRefreshToken(Config{CredentialsFile: filepath.Join(dir, "missing.json")})
	require.ErrorIs(t, err, reports.ErrMissingCredentials)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "", normalizePath("/"))
	assert.Equal(t, "/cred", normalizePath("cred/"))
	assert.Equal(t, "/a/b.xlsx", normalizePath("/a/b.xlsx"))
}
