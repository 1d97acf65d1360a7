package relay

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
)

const (
	// defaultUpstreamTimeout bounds one relayed warehouse call. Long-running
	// statements keep polling from the browser instead of holding the relay.
	defaultUpstreamTimeout = 50 * time.Second

	allowedPathPrefix = "/api/2.0/sql/statements"
)

// Config holds the relay configuration. The bearer credential is attached
// server-side so it never reaches the browser.
type Config struct {
	Logger          *slog.Logger
	TargetHost      string
	Token           string
	UpstreamTimeout time.Duration
	HTTPClient      *http.Client
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.TargetHost == "" {
		return errors.New("target host is required")
	}
	if cfg.Token == "" {
		return errors.New("token is required")
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = defaultUpstreamTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return nil
}

// Handler forwards {path, method, data} envelopes to the warehouse SQL
// endpoint, relaying the upstream status and body unchanged.
type Handler struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Handler{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

type envelope struct {
	Path   string          `json:"path"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var env envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request envelope: %v", err))
		return
	}

	if !strings.HasPrefix(env.Path, allowedPathPrefix) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("path %q is not relayable", env.Path))
		return
	}
	method := strings.ToUpper(env.Method)
	if method == "" {
		method = http.MethodPost
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodDelete:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("method %q is not relayable", env.Method))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.UpstreamTimeout)
	defer cancel()

	var body io.Reader
	if len(env.Data) > 0 {
		body = bytes.NewReader(env.Data)
	}
	upstream, err := http.NewRequestWithContext(ctx, method, hostURL(h.cfg.TargetHost)+env.Path, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to build upstream request: %v", err))
		return
	}
	upstream.Header.Set("Content-Type", "application/json")
	upstream.Header.Set("Authorization", "Bearer "+h.cfg.Token)

	resp, err := h.cfg.HTTPClient.Do(upstream)
	if err != nil {
		h.log.Error("upstream request failed", "path", env.Path, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("upstream request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.log.Error("failed to relay upstream body", "path", env.Path, "error", err)
	}
}

// hostURL accepts either a bare hostname or a full base URL.
func hostURL(host string) string {
	if strings.Contains(host, "://") {
		return strings.TrimSuffix(host, "/")
	}
	return "https://" + host
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
