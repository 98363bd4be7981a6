package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/session"
	"github.com/trezcool/masomo/core/user"
)

const (
	loginPath    = "/auth/login"
	registerPath = "/auth/register"
	refreshPath  = "/auth/refresh-token"
	mePath       = "/auth/me"

	maxErrorBody = 64 << 10
)

// StatusError is returned for unexpected backend statuses.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Body)
}

// Client calls the backend authentication API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     core.Logger
}

var _ session.AuthClient = (*Client)(nil)

func New(baseURL string, timeout time.Duration, logger core.Logger) *Client {
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func NewFromConfig(conf *core.Config, logger core.Logger) *Client {
	return New(conf.Backend.BaseURL, conf.Backend.Timeout, logger)
}

type loginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c *Client) Login(ctx context.Context, req user.LoginRequest) (session.AuthResponse, error) {
	var resp session.AuthResponse
	status, err := c.do(ctx, http.MethodPost, loginPath, "", loginPayload{Email: req.Email, Password: req.Password}, &resp)
	if err != nil {
		if status == http.StatusBadRequest || status == http.StatusUnauthorized {
			return resp, session.ErrInvalidCredentials
		}
		return resp, err
	}
	return resp, nil
}

func (c *Client) Register(ctx context.Context, nu user.NewUser) (session.AuthResponse, error) {
	var resp session.AuthResponse
	_, err := c.do(ctx, http.MethodPost, registerPath, "", nu, &resp)
	return resp, err
}

func (c *Client) Refresh(ctx context.Context, token string) (session.AuthResponse, error) {
	var resp session.AuthResponse
	_, err := c.do(ctx, http.MethodPost, refreshPath, token, nil, &resp)
	return resp, err
}

// Me returns the user record the backend associates with token.
func (c *Client) Me(ctx context.Context, token string) (user.User, error) {
	var usr user.User
	_, err := c.do(ctx, http.MethodGet, mePath, token, nil, &usr)
	return usr, err
}

// do sends the request & decodes a 2xx response into out. It returns the response status (0 if none).
// 401 & 403 map to session.ErrUnauthorized & session.ErrForbidden, 400 to a core.ValidationError
// and transport failures to session.ErrConnectivity.
func (c *Client) do(ctx context.Context, method, path, token string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, errors.Wrap(err, "encoding request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, errors.Wrap(err, "creating request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// *url.Error: dial, TLS, timeout or cancellation
		c.logger.Warn("backend unreachable", map[string]interface{}{"path": path, "error": err.Error()})
		return 0, errors.Wrap(session.ErrConnectivity, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		drain(resp.Body)
		return resp.StatusCode, session.ErrUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		drain(resp.Body)
		return resp.StatusCode, session.ErrForbidden
	case resp.StatusCode == http.StatusBadRequest:
		return resp.StatusCode, decodeBadRequest(resp.Body)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		data, _ := ioutil.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, errors.Wrap(err, "decoding response")
	}
	return resp.StatusCode, nil
}

// decodeBadRequest reads a 400 body: either `{"error": "msg"}` or a `{"field": "msg"}` map.
func decodeBadRequest(body io.Reader) error {
	var payload map[string]interface{}
	data, _ := ioutil.ReadAll(io.LimitReader(body, maxErrorBody))
	_ = json.Unmarshal(data, &payload)

	if msg, ok := payload["error"].(string); ok && len(payload) == 1 {
		return core.NewValidationError(errors.New(msg))
	}

	flds := make([]core.FieldError, 0, len(payload))
	for fld, val := range payload {
		if msg, ok := val.(string); ok {
			flds = append(flds, core.FieldError{Field: fld, Error: msg})
		}
	}
	if len(flds) == 0 {
		return core.NewValidationError(errors.New("bad request"))
	}
	sort.Slice(flds, func(i, j int) bool { return flds[i].Field < flds[j].Field })
	return core.NewValidationError(nil, flds...)
}

func drain(body io.Reader) {
	_, _ = io.Copy(ioutil.Discard, io.LimitReader(body, maxErrorBody))
}
