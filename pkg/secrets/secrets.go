package secrets

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/spiretel/mutt/pkg/log"
)

// Secret names served by the broker
const (
	SecretQueue       = "mutt/queue"
	SecretDatabase    = "mutt/database"
	SecretIngestKeys  = "mutt/ingest-api-keys"
	SecretAdminKeys   = "mutt/admin-api-keys"
	SecretMoogWebhook = "mutt/moog-webhook"
)

// ErrUnknownSecret is returned when the broker has no secret by that name
var ErrUnknownSecret = errors.New("unknown secret")

// TwoSlot carries both credential slots for one secret. During a
// rotation window both slots are live: consumers present Current and
// fall back to Next when the backend has already moved on.
type TwoSlot struct {
	Current string `json:"current"`
	Next    string `json:"next,omitempty"`
}

// Matches reports whether a presented credential equals either slot.
// Comparisons are constant time.
func (s TwoSlot) Matches(candidate string) bool {
	current := subtle.ConstantTimeCompare([]byte(candidate), []byte(s.Current)) == 1
	next := s.Next != "" && subtle.ConstantTimeCompare([]byte(candidate), []byte(s.Next)) == 1
	return current || next
}

// Config holds broker connection settings
type Config struct {
	Addr     string // broker base URL
	RoleID   string
	SecretID string
	Timeout  time.Duration
}

// Broker is a client for the secrets broker. It logs in with role
// credentials, renews its lease token in the background, and fetches
// two-slot secrets on demand. A static broker (NewStatic) serves fixed
// values for development and tests.
type Broker struct {
	baseURL  string
	roleID   string
	secretID string
	client   *http.Client
	logger   zerolog.Logger

	mu       sync.RWMutex
	token    string
	leaseTTL time.Duration

	static map[string]TwoSlot
	stopCh chan struct{}
}

type loginRequest struct {
	RoleID   string `json:"role_id"`
	SecretID string `json:"secret_id"`
}

type loginResponse struct {
	Token      string `json:"token"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// New connects to the broker and performs the initial login
func New(cfg *Config) (*Broker, error) {
	if cfg.Addr == "" {
		return nil, errors.New("broker address is required")
	}
	if cfg.RoleID == "" || cfg.SecretID == "" {
		return nil, errors.New("role credentials are required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	b := &Broker{
		baseURL:  cfg.Addr,
		roleID:   cfg.RoleID,
		secretID: cfg.SecretID,
		client:   &http.Client{Timeout: timeout},
		logger:   log.WithComponent("secrets"),
		stopCh:   make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := b.login(ctx); err != nil {
		return nil, fmt.Errorf("failed to log in to secrets broker: %w", err)
	}
	return b, nil
}

// NewStatic creates a broker that serves fixed secrets without a
// backend. Used in development and tests.
func NewStatic(values map[string]TwoSlot) *Broker {
	return &Broker{
		static: values,
		logger: log.WithComponent("secrets"),
		stopCh: make(chan struct{}),
	}
}

// StaticFromEnv builds a static broker from environment variables, one
// pair per well-known secret.
func StaticFromEnv() *Broker {
	values := map[string]TwoSlot{}
	for name, envName := range map[string]string{
		SecretQueue:       "MUTT_QUEUE_PASSWORD",
		SecretDatabase:    "MUTT_DATABASE_DSN",
		SecretIngestKeys:  "MUTT_INGEST_API_KEY",
		SecretAdminKeys:   "MUTT_ADMIN_API_KEY",
		SecretMoogWebhook: "MUTT_MOOG_TOKEN",
	} {
		values[name] = TwoSlot{
			Current: os.Getenv(envName),
			Next:    os.Getenv(envName + "_NEXT"),
		}
	}
	return NewStatic(values)
}

// Start begins background token renewal at two thirds of the lease TTL
func (b *Broker) Start() {
	if b.static != nil {
		return
	}
	go b.renewLoop()
}

// Stop ends background renewal
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Fetch returns both slots of a named secret. An expired token is
// refreshed once before giving up.
func (b *Broker) Fetch(ctx context.Context, name string) (TwoSlot, error) {
	if b.static != nil {
		slot, ok := b.static[name]
		if !ok {
			return TwoSlot{}, fmt.Errorf("secret %s: %w", name, ErrUnknownSecret)
		}
		return slot, nil
	}

	slot, status, err := b.fetch(ctx, name)
	if status == http.StatusUnauthorized {
		b.logger.Info().Str("secret", name).Msg("broker token rejected, logging in again")
		if err := b.login(ctx); err != nil {
			return TwoSlot{}, fmt.Errorf("failed to refresh broker token: %w", err)
		}
		slot, status, err = b.fetch(ctx, name)
	}
	if err != nil {
		return TwoSlot{}, err
	}

	switch status {
	case http.StatusOK:
		return slot, nil
	case http.StatusNotFound:
		return TwoSlot{}, fmt.Errorf("secret %s: %w", name, ErrUnknownSecret)
	default:
		return TwoSlot{}, fmt.Errorf("broker returned status %d for secret %s", status, name)
	}
}

func (b *Broker) fetch(ctx context.Context, name string) (TwoSlot, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		b.baseURL+"/v1/secrets/"+url.PathEscape(name), nil)
	if err != nil {
		return TwoSlot{}, 0, fmt.Errorf("failed to build secret request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.currentToken())

	resp, err := b.client.Do(req)
	if err != nil {
		return TwoSlot{}, 0, fmt.Errorf("failed to fetch secret %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return TwoSlot{}, resp.StatusCode, nil
	}

	var slot TwoSlot
	if err := json.NewDecoder(resp.Body).Decode(&slot); err != nil {
		return TwoSlot{}, resp.StatusCode, fmt.Errorf("failed to decode secret %s: %w", name, err)
	}
	return slot, resp.StatusCode, nil
}

func (b *Broker) login(ctx context.Context) error {
	body, err := json.Marshal(loginRequest{RoleID: b.roleID, SecretID: b.secretID})
	if err != nil {
		return fmt.Errorf("failed to encode login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+"/v1/auth/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	// response bodies are never logged or wrapped into errors here
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("broker login returned status %d", resp.StatusCode)
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}
	if lr.Token == "" {
		return errors.New("broker login returned an empty token")
	}

	lease := time.Duration(lr.TTLSeconds) * time.Second
	b.mu.Lock()
	b.token = lr.Token
	b.leaseTTL = lease
	b.mu.Unlock()

	b.logger.Info().Dur("lease_ttl", lease).Msg("broker token acquired")
	return nil
}

func (b *Broker) currentToken() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.token
}

// renewIn returns how long to wait before the next renewal, two thirds
// of the lease so a failed attempt still has a third of the lease for
// retries.
func (b *Broker) renewIn() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.leaseTTL <= 0 {
		return time.Minute
	}
	return b.leaseTTL * 2 / 3
}

func (b *Broker) renewLoop() {
	const retryInterval = 5 * time.Second

	wait := b.renewIn()
	for {
		select {
		case <-time.After(wait):
			ctx, cancel := context.WithTimeout(context.Background(), b.client.Timeout)
			err := b.login(ctx)
			cancel()
			if err != nil {
				b.logger.Error().Err(err).Msg("failed to renew broker token")
				wait = retryInterval
				continue
			}
			wait = b.renewIn()
		case <-b.stopCh:
			return
		}
	}
}
