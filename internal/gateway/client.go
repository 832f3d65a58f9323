package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/serialgate/internal/device"
)

// DefaultTimeout bounds a single request to the remote endpoint.
const DefaultTimeout = 10 * time.Second

// ClientConfig contains remote endpoint settings.
type ClientConfig struct {
	Address         string
	Port            int
	Password        string
	CertificatePath string
	Timeout         time.Duration
}

// Client speaks the remote dispatch protocol. Every request carries the
// shared password and a millisecond timestamp.
type Client struct {
	baseURL    string
	password   string
	httpClient *http.Client
}

// NewClient creates a client for https://address:port.
//
// Server certificate verification is disabled: trust rests on the CA bundle
// and the shared password, and the remote commonly runs behind a proxy whose
// certificate does not match the configured address.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: true}
	if cfg.CertificatePath != "" {
		if pool, err := loadCertPool(cfg.CertificatePath); err != nil {
			log.Warn().Err(err).Str("path", cfg.CertificatePath).Msg("Could not load CA certificate")
		} else {
			tlsConfig.RootCAs = pool
		}
	}

	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}

	return NewClientWithURL(fmt.Sprintf("https://%s:%d", cfg.Address, cfg.Port), cfg.Password, httpClient)
}

// NewClientWithURL creates a client against an explicit base URL.
func NewClientWithURL(baseURL, password string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL:    baseURL,
		password:   password,
		httpClient: httpClient,
	}
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// BaseURL returns the remote base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) base() baseRequest {
	return baseRequest{Password: c.password, Timestamp: time.Now().UnixMilli()}
}

// post sends body as JSON and returns the response body of a 200 reply.
// Any other status yields a *StatusError.
func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "private,max-age=0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Path: path, Status: resp.StatusCode, Body: decodeErrorBody(data)}
	}
	return data, nil
}

// NewSession asks the remote for a fresh session password.
func (c *Client) NewSession(ctx context.Context) (string, error) {
	data, err := c.post(ctx, PathNewSession, c.base())
	if err != nil {
		return "", err
	}

	var resp newSessionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if resp.Password == nil {
		return "", fmt.Errorf("%w: session response without password", ErrDecode)
	}
	return *resp.Password, nil
}

// Fetch retrieves pending tasks. Individual tasks that cannot be decoded are
// logged and skipped; a body without a tasks array is an error.
func (c *Client) Fetch(ctx context.Context) ([]Task, error) {
	data, err := c.post(ctx, PathFetch, c.base())
	if err != nil {
		return nil, err
	}

	var resp fetchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed response body: %v", ErrDecode, err)
	}
	if len(resp.Tasks) == 0 || string(resp.Tasks) == "null" {
		return nil, fmt.Errorf("%w: response without tasks", ErrDecode)
	}

	var rawTasks []json.RawMessage
	if err := json.Unmarshal(resp.Tasks, &rawTasks); err != nil {
		return nil, fmt.Errorf("%w: tasks list must be an array", ErrDecode)
	}

	tasks := make([]Task, 0, len(rawTasks))
	for i, raw := range rawTasks {
		task, err := decodeTask(raw)
		if err != nil {
			log.Warn().Err(err).Int("index", i).Msg("Skipping malformed task")
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// SetOnline reports connectivity.
func (c *Client) SetOnline(ctx context.Context, online bool) error {
	_, err := c.post(ctx, PathSetOnline, setOnlineRequest{baseRequest: c.base(), IsOnline: online})
	return err
}

// SetState reports a device snapshot.
func (c *Client) SetState(ctx context.Context, state device.Snapshot) error {
	_, err := c.post(ctx, PathSetState, setStateRequest{baseRequest: c.base(), State: state})
	return err
}
