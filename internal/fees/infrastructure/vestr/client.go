package vestr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	fees "feesync/internal/fees/domain"
)

const (
	defaultTimeout = 60 * time.Second
	operationName  = "FeeDeductionsQuery"
	maxErrorBody   = 512
)

const feeDeductionsQuery = `query FeeDeductionsQuery($limit: Int!, $offset: Int) {
  feeDeductions(limit: $limit, offset: $offset) {
    items {
      id
      product { id name isin }
      currency
      type
      beneficiaryId
      outstandingQuantity
      positionChange
      bookingDate
      feeName
    }
    totalCount
  }
}`

var (
	csrfCookieNames = []string{"csrf-token", "XSRF-TOKEN", "csrf_token"}
	csrfPattern     = regexp.MustCompile(`"csrfToken"\s*:\s*"([^"]+)"`)
)

// Config configures the fee listing client.
type Config struct {
	GraphQLURL string
	FeesURL    string
	// Cookie is the authenticated session as a Cookie header value.
	Cookie    string
	CSRFToken string
	Timeout   time.Duration
}

// Client pages the partner fee listing over GraphQL.
type Client struct {
	httpClient *http.Client
	graphQLURL *url.URL
	feesURL    string
	logger     *zap.Logger

	mu   sync.Mutex
	csrf string
}

var _ fees.RemoteEventSource = (*Client)(nil)

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its jar receives the session cookies.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// New builds a client carrying the configured session.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.GraphQLURL) == "" {
		return nil, fmt.Errorf("%w: graphql url is required", fees.ErrRemoteSource)
	}
	endpoint, err := url.Parse(cfg.GraphQLURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse graphql url: %w", fees.ErrRemoteSource, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		httpClient: &http.Client{Timeout: timeout, Jar: jar},
		graphQLURL: endpoint,
		feesURL:    cfg.FeesURL,
		logger:     logger,
		csrf:       strings.TrimSpace(cfg.CSRFToken),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient.Jar == nil {
		c.httpClient.Jar = jar
	}
	if cfg.Cookie != "" {
		cookies, err := http.ParseCookie(cfg.Cookie)
		if err != nil {
			return nil, fmt.Errorf("%w: parse session cookie: %w", fees.ErrAuthentication, err)
		}
		c.httpClient.Jar.SetCookies(endpoint, cookies)
		if c.feesURL != "" {
			if feesEndpoint, err := url.Parse(c.feesURL); err == nil {
				c.httpClient.Jar.SetCookies(feesEndpoint, cookies)
			}
		}
	}
	return c, nil
}

type graphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]int `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data struct {
		FeeDeductions struct {
			Items      []fees.RemoteFeeItem `json:"items"`
			TotalCount *int                 `json:"totalCount"`
		} `json:"feeDeductions"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

// FetchPage returns one page of fee deductions, newest first as served by the listing.
func (c *Client) FetchPage(ctx context.Context, limit, offset int) (fees.RemotePage, error) {
	token, err := c.ensureCSRF(ctx)
	if err != nil {
		return fees.RemotePage{}, err
	}

	body, err := json.Marshal(graphQLRequest{
		Query:         feeDeductionsQuery,
		OperationName: operationName,
		Variables:     map[string]int{"limit": limit, "offset": offset},
	})
	if err != nil {
		return fees.RemotePage{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphQLURL.String(), bytes.NewReader(body))
	if err != nil {
		return fees.RemotePage{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-csrf-token", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fees.RemotePage{}, fmt.Errorf("%w: %w", fees.ErrRemoteSource, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.resetCSRF()
		return fees.RemotePage{}, fmt.Errorf("%w: graphql returned %d", fees.ErrAuthentication, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fees.RemotePage{}, fmt.Errorf("%w: graphql returned %d: %s", fees.ErrRemoteSource, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fees.RemotePage{}, fmt.Errorf("%w: decode graphql response: %w", fees.ErrRemoteSource, err)
	}
	if len(decoded.Errors) > 0 {
		messages := make([]string, 0, len(decoded.Errors))
		for _, e := range decoded.Errors {
			messages = append(messages, e.Message)
		}
		return fees.RemotePage{}, fmt.Errorf("%w: graphql errors: %s", fees.ErrRemoteSource, strings.Join(messages, "; "))
	}

	page := fees.RemotePage{Items: decoded.Data.FeeDeductions.Items}
	if decoded.Data.FeeDeductions.TotalCount != nil {
		page.TotalCount = *decoded.Data.FeeDeductions.TotalCount
	}
	c.logger.Debug("fee page fetched",
		zap.Int("offset", offset),
		zap.Int("limit", limit),
		zap.Int("items", len(page.Items)),
		zap.Int("total_count", page.TotalCount))
	return page, nil
}

// ensureCSRF returns the configured token, else a session cookie, else one scraped from the fees page.
func (c *Client) ensureCSRF(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.csrf != "" {
		return c.csrf, nil
	}
	if token := c.csrfFromCookies(); token != "" {
		c.csrf = token
		return token, nil
	}
	if c.feesURL == "" {
		return "", fmt.Errorf("%w: no csrf token in session", fees.ErrAuthentication)
	}

	c.logger.Info("no csrf token in session, loading fees page")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feesURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: load fees page: %w", fees.ErrRemoteSource, err)
	}
	defer resp.Body.Close()
	page, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read fees page: %w", fees.ErrRemoteSource, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("%w: fees page returned %d", fees.ErrAuthentication, resp.StatusCode)
	}

	if token := c.csrfFromCookies(); token != "" {
		c.csrf = token
		return token, nil
	}
	if match := csrfPattern.FindSubmatch(page); match != nil {
		c.csrf = string(match[1])
		return c.csrf, nil
	}
	return "", fmt.Errorf("%w: csrf token not found", fees.ErrAuthentication)
}

func (c *Client) csrfFromCookies() string {
	if c.httpClient.Jar == nil {
		return ""
	}
	cookies := c.httpClient.Jar.Cookies(c.graphQLURL)
	for _, name := range csrfCookieNames {
		for _, cookie := range cookies {
			if cookie.Name == name && cookie.Value != "" {
				return cookie.Value
			}
		}
	}
	return ""
}

func (c *Client) resetCSRF() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.csrf = ""
}
