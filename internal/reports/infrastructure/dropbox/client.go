package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	reports "feesync/internal/reports/domain"
	"feesync/internal/retry"
)

const (
	defaultAPIBaseURL     = "https://api.dropboxapi.com"
	defaultContentBaseURL = "https://content.dropboxapi.com"
	defaultTokenURL       = "https://api.dropbox.com/oauth2/token"
	defaultTimeout        = 60 * time.Second
	maxBackoff            = 60 * time.Second
	placeholderToken      = "PLACEHOLDER_WILL_BE_GENERATED_ON_FIRST_RUN"
)

// ErrFolderNotFound is returned by ListAll when the folder does not exist.
var ErrFolderNotFound = errors.New("dropbox: folder not found")

// Config configures the Dropbox client.
type Config struct {
	AppKey          string
	AppSecret       string
	RefreshToken    string
	CredentialsFile string
	Timeout         time.Duration
	UploadInterval  time.Duration
	MaxAttempts     int

	APIBaseURL     string
	ContentBaseURL string
	TokenURL       string
}

// Client implements the report object store over the Dropbox HTTP API.
type Client struct {
	httpClient     *http.Client
	limiter        *rate.Limiter
	apiBaseURL     string
	contentBaseURL string
	maxAttempts    int
	logger         *zap.Logger
	sleep          func(ctx context.Context, d time.Duration) error
}

// Option customizes the client.
type Option func(*Client)

// WithSleep overrides the wait used between rate-limited attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

type credentialsFile struct {
	RefreshToken string `json:"refresh_token"`
}

// New builds a client whose requests carry an access token refreshed from the configured refresh token.
func New(ctx context.Context, cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	refreshToken, err := resolveRefreshToken(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.AppKey == "" {
		return nil, fmt.Errorf("%w: dropbox app key is required", reports.ErrMissingCredentials)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.AppKey,
		ClientSecret: cfg.AppSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: timeout})
	httpClient := oauth2.NewClient(tokenCtx, oauthCfg.TokenSource(tokenCtx, &oauth2.Token{RefreshToken: refreshToken}))
	httpClient.Timeout = timeout

	limit := rate.Inf
	if cfg.UploadInterval > 0 {
		limit = rate.Every(cfg.UploadInterval)
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	c := &Client{
		httpClient:     httpClient,
		limiter:        rate.NewLimiter(limit, 1),
		apiBaseURL:     strings.TrimRight(orDefault(cfg.APIBaseURL, defaultAPIBaseURL), "/"),
		contentBaseURL: strings.TrimRight(orDefault(cfg.ContentBaseURL, defaultContentBaseURL), "/"),
		maxAttempts:    attempts,
		logger:         logger,
		sleep:          retry.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func resolveRefreshToken(cfg Config) (string, error) {
	if token := strings.TrimSpace(cfg.RefreshToken); token != "" && token != placeholderToken {
		return token, nil
	}
	if cfg.CredentialsFile != "" {
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("dropbox: read credentials: %w", err)
		}
		if err == nil {
			var creds credentialsFile
			if err := json.Unmarshal(data, &creds); err != nil {
				return "", fmt.Errorf("dropbox: decode credentials: %w", err)
			}
			if token := strings.TrimSpace(creds.RefreshToken); token != "" && token != placeholderToken {
				return token, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no dropbox refresh token configured", reports.ErrMissingCredentials)
}

type uploadArg struct {
	Path       string `json:"path"`
	Mode       string `json:"mode"`
	Autorename bool   `json:"autorename"`
	Mute       bool   `json:"mute"`
}

type apiError struct {
	ErrorSummary string `json:"error_summary"`
	Error        struct {
		RetryAfter float64 `json:"retry_after"`
	} `json:"error"`
}

// Put uploads the file at localPath to remotePath.
func (c *Client) Put(ctx context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", reports.ErrUploadFailed, localPath, err)
	}
	arg, err := json.Marshal(uploadArg{Path: normalizePath(remotePath), Mode: "add", Autorename: true})
	if err != nil {
		return err
	}

	cfg := retry.Config{
		MaxAttempts:  c.maxAttempts,
		InitialDelay: time.Second,
		MaxDelay:     maxBackoff,
		Multiplier:   2,
		Sleep:        c.sleep,
		Retryable: func(err error) bool {
			return errors.Is(err, reports.ErrUploadFailed) || errors.Is(err, reports.ErrRateLimited)
		},
	}
	attempt := 0
	return retry.Do(ctx, cfg, c.logger, "dropbox upload "+remotePath, func(ctx context.Context) error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.contentBaseURL+"/2/files/upload", bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Dropbox-API-Arg", string(arg))
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", reports.ErrUploadFailed, remotePath, err)
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			c.logger.Debug("dropbox upload complete", zap.String("path", remotePath), zap.Int("attempt", attempt))
			return nil
		case http.StatusTooManyRequests:
			return retry.After(fmt.Errorf("%w: %s", reports.ErrRateLimited, remotePath), parseRetryAfter(resp.Header, body))
		default:
			return fmt.Errorf("%w: %s: status %d: %s", reports.ErrUploadFailed, remotePath, resp.StatusCode, truncate(string(body), 200))
		}
	})
}

type listEntry struct {
	Tag         string `json:".tag"`
	Name        string `json:"name"`
	PathLower   string `json:"path_lower"`
	PathDisplay string `json:"path_display"`
}

type listFolderResponse struct {
	Entries []listEntry `json:"entries"`
	Cursor  string      `json:"cursor"`
	HasMore bool        `json:"has_more"`
}

// ListAll lists the direct children of folder, following pagination cursors.
func (c *Client) ListAll(ctx context.Context, folder string) ([]reports.StoredObject, error) {
	var page listFolderResponse
	status, err := c.rpc(ctx, "/2/files/list_folder", map[string]any{"path": normalizePath(folder), "recursive": false}, &page)
	if err != nil {
		if status == http.StatusConflict {
			return nil, ErrFolderNotFound
		}
		return nil, err
	}

	var objects []reports.StoredObject
	for {
		for _, entry := range page.Entries {
			path := entry.PathLower
			if path == "" {
				path = entry.PathDisplay
			}
			objects = append(objects, reports.StoredObject{
				Name:     entry.Name,
				Path:     path,
				IsFolder: entry.Tag == "folder",
			})
		}
		if !page.HasMore {
			return objects, nil
		}
		cursor := page.Cursor
		page = listFolderResponse{}
		if _, err := c.rpc(ctx, "/2/files/list_folder/continue", map[string]any{"cursor": cursor}, &page); err != nil {
			return nil, err
		}
	}
}

// DeleteAll removes every entry under folder in one batch. A missing or empty folder succeeds.
func (c *Client) DeleteAll(ctx context.Context, folder string) error {
	objects, err := c.ListAll(ctx, folder)
	if errors.Is(err, ErrFolderNotFound) {
		c.logger.Info("dropbox folder not found, nothing to delete", zap.String("folder", folder))
		return nil
	}
	if err != nil {
		return err
	}

	type deleteEntry struct {
		Path string `json:"path"`
	}
	entries := make([]deleteEntry, 0, len(objects))
	for _, obj := range objects {
		if obj.Path != "" {
			entries = append(entries, deleteEntry{Path: obj.Path})
		}
	}
	if len(entries) == 0 {
		return nil
	}
	if _, err := c.rpc(ctx, "/2/files/delete_batch", map[string]any{"entries": entries}, nil); err != nil {
		return err
	}
	c.logger.Info("dropbox folder wiped", zap.String("folder", folder), zap.Int("entries", len(entries)))
	return nil
}

func (c *Client) rpc(ctx context.Context, endpoint string, payload any, out any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBaseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("dropbox: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return resp.StatusCode, fmt.Errorf("dropbox: %s: status %d: %s", endpoint, resp.StatusCode, truncate(string(data), 200))
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("dropbox: %s: decode: %w", endpoint, err)
	}
	return resp.StatusCode, nil
}

func parseRetryAfter(header http.Header, body []byte) time.Duration {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.RetryAfter > 0 {
		return time.Duration(apiErr.Error.RetryAfter * float64(time.Second))
	}
	if value := header.Get("Retry-After"); value != "" {
		if seconds, err := strconv.ParseFloat(value, 64); err == nil && seconds > 0 {
			return time.Duration(seconds * float64(time.Second))
		}
	}
	return 0
}

// normalizePath maps folder paths to the API form. The root is the empty string.
func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(p, "/")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
