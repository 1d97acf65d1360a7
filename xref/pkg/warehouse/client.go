package warehouse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	statementsPath = "/api/2.0/sql/statements"

	// Statement lifecycle states reported by the warehouse.
	StatePending   = "PENDING"
	StateRunning   = "RUNNING"
	StateSucceeded = "SUCCEEDED"
	StateFailed    = "FAILED"
	StateCanceled  = "CANCELED"
	StateClosed    = "CLOSED"

	defaultPollInterval = 1 * time.Second
	defaultCallTimeout  = 50 * time.Second
)

// Parameter is a named bound parameter for a statement.
type Parameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  string `json:"type,omitempty"`
}

// StringParam binds a string value.
func StringParam(name, value string) Parameter {
	return Parameter{Name: name, Value: value, Type: "STRING"}
}

// IntParam binds an integer value.
func IntParam(name string, value int64) Parameter {
	return Parameter{Name: name, Value: fmt.Sprintf("%d", value), Type: "BIGINT"}
}

// Column describes one column of a tabular result.
type Column struct {
	Name     string `json:"name"`
	TypeName string `json:"type_name"`
}

// ResultSet is the tabular result of one executed statement.
type ResultSet struct {
	Columns  []Column
	Rows     [][]any
	RowCount int64
}

// Executor issues one SQL statement with bound named parameters and returns
// its tabular result. Implementations do not retry; retry policy belongs to
// the caller.
type Executor interface {
	Execute(ctx context.Context, statement string, params []Parameter) (*ResultSet, error)
}

// Config holds the warehouse client configuration. All calls go either
// directly to the warehouse host or, when ProxyBaseURL is set, through the
// relay service using its {path, method, data} envelope.
type Config struct {
	Logger       *slog.Logger
	Host         string // warehouse hostname, e.g. dbc-123.cloud.example.com
	WarehouseID  string
	Token        string // bearer credential; unused when the proxy attaches it server-side
	Catalog      string
	Schema       string
	ProxyBaseURL string
	PollInterval time.Duration
	HTTPClient   *http.Client
	Clock        clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Host == "" && cfg.ProxyBaseURL == "" {
		return errors.New("warehouse host or proxy base URL is required")
	}
	if cfg.WarehouseID == "" {
		return errors.New("warehouse id is required")
	}
	if cfg.Host != "" && cfg.ProxyBaseURL == "" && cfg.Token == "" {
		return errors.New("token is required for direct warehouse access")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultCallTimeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Client executes SQL statements against the warehouse's asynchronous
// statement REST API, polling until each statement reaches a terminal state.
type Client struct {
	log *slog.Logger
	cfg Config
}

// NewClient creates a warehouse client from the given config.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// statementRequest is the submit-statement payload.
type statementRequest struct {
	Statement     string      `json:"statement"`
	WarehouseID   string      `json:"warehouse_id"`
	Catalog       string      `json:"catalog,omitempty"`
	Schema        string      `json:"schema,omitempty"`
	Parameters    []Parameter `json:"parameters,omitempty"`
	WaitTimeout   string      `json:"wait_timeout,omitempty"`
	OnWaitTimeout string      `json:"on_wait_timeout,omitempty"`
}

// proxyEnvelope is the relay service's forwarding envelope.
type proxyEnvelope struct {
	Path   string          `json:"path"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type statementResponse struct {
	StatementID string `json:"statement_id"`
	Status      struct {
		State string `json:"state"`
		Error struct {
			ErrorCode string `json:"error_code"`
			Message   string `json:"message"`
		} `json:"error"`
	} `json:"status"`
	Manifest struct {
		Schema struct {
			Columns []Column `json:"columns"`
		} `json:"schema"`
		TotalRowCount int64 `json:"total_row_count"`
	} `json:"manifest"`
	Result struct {
		DataArray [][]any `json:"data_array"`
		RowCount  int64   `json:"row_count"`
	} `json:"result"`
}

// Execute submits the statement and polls until it reaches a terminal state.
// It never retries; transport failures surface as *ConnectivityError and
// terminal failure states as *StatementError.
func (c *Client) Execute(ctx context.Context, statement string, params []Parameter) (*ResultSet, error) {
	req := statementRequest{
		Statement:     statement,
		WarehouseID:   c.cfg.WarehouseID,
		Catalog:       c.cfg.Catalog,
		Schema:        c.cfg.Schema,
		Parameters:    params,
		WaitTimeout:   "30s",
		OnWaitTimeout: "CONTINUE",
	}

	resp, err := c.call(ctx, http.MethodPost, statementsPath, req)
	if err != nil {
		return nil, err
	}

	for resp.Status.State == StatePending || resp.Status.State == StateRunning {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.cfg.Clock.After(c.cfg.PollInterval):
		}
		resp, err = c.call(ctx, http.MethodGet, statementsPath+"/"+resp.StatementID, nil)
		if err != nil {
			return nil, err
		}
	}

	if resp.Status.State != StateSucceeded {
		return nil, &StatementError{
			StatementID: resp.StatementID,
			State:       resp.Status.State,
			Message:     resp.Status.Error.Message,
		}
	}

	rs := &ResultSet{
		Columns:  resp.Manifest.Schema.Columns,
		Rows:     resp.Result.DataArray,
		RowCount: resp.Result.RowCount,
	}
	if rs.RowCount == 0 {
		rs.RowCount = int64(len(rs.Rows))
	}
	c.log.Debug("statement finished",
		"statement_id", resp.StatementID,
		"rows", rs.RowCount)
	return rs, nil
}

// Ping issues a trivial statement to verify warehouse reachability.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Execute(ctx, "SELECT 1", nil)
	return err
}

// hostURL accepts either a bare hostname or a full base URL.
func hostURL(host string) string {
	if strings.Contains(host, "://") {
		return strings.TrimSuffix(host, "/")
	}
	return "https://" + host
}

// call performs one HTTP round trip, directly or through the relay.
func (c *Client) call(ctx context.Context, method, path string, body any) (*statementResponse, error) {
	var (
		url     string
		payload []byte
		err     error
	)

	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	if c.cfg.ProxyBaseURL != "" {
		env := proxyEnvelope{Path: path, Method: method}
		if payload != nil {
			env.Data = json.RawMessage(payload)
		}
		payload, err = json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal proxy envelope: %w", err)
		}
		url = strings.TrimSuffix(c.cfg.ProxyBaseURL, "/") + "/api/query"
		method = http.MethodPost
	} else {
		url = hostURL(c.cfg.Host) + path
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.ProxyBaseURL == "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	httpResp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, &ConnectivityError{Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &ConnectivityError{Err: err}
	}

	switch httpResp.StatusCode {
	case http.StatusUnauthorized:
		return nil, ErrUnauthenticated
	case http.StatusForbidden:
		return nil, ErrForbidden
	case http.StatusNotFound:
		return nil, ErrNotFound
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("warehouse: unexpected status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var resp statementResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode statement response: %w", err)
	}
	return &resp, nil
}
