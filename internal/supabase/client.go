package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to the backend-as-a-service that owns all identity and table
// state: the GoTrue-style auth API under /auth/v1 and the PostgREST-style
// table API under /rest/v1. The wire shapes are fixed by that service; this
// client only moves JSON.
type Client struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

func New(baseURL, serviceKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// APIError is an upstream failure surfaced as-is: the status code decides
// the handler's response class, the message is passed through.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// Auth API

type User struct {
	ID           string       `json:"id"`
	Email        string       `json:"email"`
	Role         string       `json:"role"`
	UserMetadata UserMetadata `json:"user_metadata"`
	CreatedAt    *time.Time   `json:"created_at,omitempty"`
	LastSignInAt *time.Time   `json:"last_sign_in_at,omitempty"`
}

type UserMetadata struct {
	FullName string `json:"full_name,omitempty"`
	Role     string `json:"role,omitempty"`
	Grade    string `json:"grade,omitempty"`
	Subject  string `json:"subject,omitempty"`
}

// UserAttributes is the admin-side update payload. Metadata keys not present
// in the map are left untouched by the identity service.
type UserAttributes struct {
	Role         *string                `json:"role,omitempty"`
	UserMetadata map[string]interface{} `json:"user_metadata,omitempty"`
}

// GetUser validates the caller's access token against the identity service
// and returns the user record it belongs to.
func (c *Client) GetUser(ctx context.Context, accessToken string) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "/auth/v1/user", nil, accessToken, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

type listUsersResponse struct {
	Users []User `json:"users"`
}

func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	query := url.Values{}
	query.Set("page", "1")
	query.Set("per_page", "1000")
	var resp listUsersResponse
	if err := c.do(ctx, http.MethodGet, "/auth/v1/admin/users", query, c.serviceKey, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (c *Client) UpdateUser(ctx context.Context, userID string, attrs UserAttributes) (*User, error) {
	var user User
	path := "/auth/v1/admin/users/" + url.PathEscape(userID)
	if err := c.do(ctx, http.MethodPut, path, nil, c.serviceKey, attrs, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Table API

func (c *Client) Select(ctx context.Context, table string, filters url.Values, dest interface{}) error {
	return c.do(ctx, http.MethodGet, "/rest/v1/"+table, filters, c.serviceKey, nil, dest)
}

func (c *Client) Insert(ctx context.Context, table string, row interface{}) error {
	return c.doPrefer(ctx, http.MethodPost, "/rest/v1/"+table, nil, row, "return=minimal")
}

// Upsert merges on the table's primary key.
func (c *Client) Upsert(ctx context.Context, table string, row interface{}) error {
	return c.doPrefer(ctx, http.MethodPost, "/rest/v1/"+table, nil, row, "resolution=merge-duplicates,return=minimal")
}

// Count runs an exact-count HEAD query and parses the total out of the
// Content-Range header.
func (c *Client) Count(ctx context.Context, table string, filters url.Values) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodHead, "/rest/v1/"+table, filters, c.serviceKey, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Prefer", "count=exact")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return parseCount(resp.Header.Get("Content-Range"))
}

func parseCount(contentRange string) (int64, error) {
	idx := strings.LastIndex(contentRange, "/")
	if idx < 0 || idx == len(contentRange)-1 {
		return 0, fmt.Errorf("malformed Content-Range %q", contentRange)
	}
	total := contentRange[idx+1:]
	if total == "*" {
		return 0, fmt.Errorf("no exact count in Content-Range %q", contentRange)
	}
	return strconv.ParseInt(total, 10, 64)
}

// Plumbing

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, bearer string, body interface{}) (*http.Request, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, bearer string, body, dest interface{}) error {
	req, err := c.newRequest(ctx, method, path, query, bearer, body)
	if err != nil {
		return err
	}
	return c.send(req, dest)
}

func (c *Client) doPrefer(ctx context.Context, method, path string, query url.Values, body interface{}, prefer string) error {
	req, err := c.newRequest(ctx, method, path, query, c.serviceKey, body)
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", prefer)
	return c.send(req, nil)
}

func (c *Client) send(req *http.Request, dest interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, raw)
	}
	if dest == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

// decodeError pulls the upstream message out of whichever envelope the
// auth or table API used for it.
func decodeError(status int, raw []byte) *APIError {
	var envelope struct {
		Message          string `json:"message"`
		Msg              string `json:"msg"`
		ErrorDescription string `json:"error_description"`
		ErrorCode        string `json:"error"`
	}
	message := ""
	if err := json.Unmarshal(raw, &envelope); err == nil {
		switch {
		case envelope.Message != "":
			message = envelope.Message
		case envelope.Msg != "":
			message = envelope.Msg
		case envelope.ErrorDescription != "":
			message = envelope.ErrorDescription
		case envelope.ErrorCode != "":
			message = envelope.ErrorCode
		}
	}
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: message}
}
