package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/segmentio/ksuid"
	"golang.org/x/sync/errgroup"
)

// ErrClientUnreachable marks a destroy notification that could not be
// delivered. It is logged by the caller and never aborts the remaining
// notifications.
var ErrClientUnreachable = errors.New("sso client unreachable")

// DestroyPath is appended to a client's base URI for the session-destroy
// backend channel. Relying parties mount their destroy handler there.
const DestroyPath = "sso/session/destroy"

// NotifyResult is the per-client outcome of a destroy fan-out.
type NotifyResult struct {
	ClientID string
	Err      error
}

// Notifier delivers a destroy-session instruction to relying parties.
// Delivery is best-effort per client; implementations must not let one
// unreachable client block or fail the rest.
type Notifier interface {
	DestroySession(ctx context.Context, sessionID string, clients []*Client) []NotifyResult
}

// destroyRequest is the wire payload of the destroy call.
type destroyRequest struct {
	SessionID string `json:"session_id"`
}

// HTTPNotifier performs authenticated destroy calls over the clients'
// backend channel. Each call carries a short-lived server-signed JWT so the
// client can trust the instruction.
type HTTPNotifier struct {
	serverID    string
	keys        *KeyService
	client      *http.Client
	timeout     time.Duration
	parallelism int
	logger      *slog.Logger
}

// NewHTTPNotifier constructs the notifier from config.
func NewHTTPNotifier(cfg Config, keys *KeyService, logger *slog.Logger) *HTTPNotifier {
	timeout := time.Duration(cfg.Notifier.Timeout)
	if timeout <= 0 {
		timeout = DefaultNotifyTimeout
	}
	parallelism := cfg.Notifier.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultNotifyParallelism
	}
	return &HTTPNotifier{
		serverID:    cfg.Server.ServerID,
		keys:        keys,
		client:      &http.Client{Timeout: timeout},
		timeout:     timeout,
		parallelism: parallelism,
		logger:      logger,
	}
}

// DestroySession fans the destroy call out to all clients with bounded
// parallelism and a per-call timeout. The returned slice holds one result
// per client; the call itself never fails.
func (n *HTTPNotifier) DestroySession(ctx context.Context, sessionID string, clients []*Client) []NotifyResult {
	results := make([]NotifyResult, len(clients))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(n.parallelism)

	for i, client := range clients {
		i, client := i, client
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, n.timeout)
			defer cancel()

			err := n.notifyOne(callCtx, sessionID, client)
			results[i] = NotifyResult{ClientID: client.BaseURI, Err: err}
			// Failures stay in the result slice; returning nil keeps the
			// group going for the remaining clients.
			return nil
		})
	}

	_ = g.Wait()
	return results
}

func (n *HTTPNotifier) notifyOne(ctx context.Context, sessionID string, client *Client) error {
	now := time.Now()
	token, err := n.keys.SignClaims(jwt.MapClaims{
		"iss": n.serverID,
		"aud": client.BaseURI,
		"jti": ksuid.New().String(),
		"sid": sessionID,
		"iat": now.Unix(),
		"exp": now.Add(n.timeout + time.Minute).Unix(),
	})
	if err != nil {
		return fmt.Errorf("sign destroy notification: %w", err)
	}

	body, err := json.Marshal(destroyRequest{SessionID: sessionID})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.BaseURI+DestroyPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrClientUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrClientUnreachable, resp.StatusCode)
	}
	return nil
}

// RetryNotifier decorates a Notifier with per-client retries on exponential
// backoff. It preserves the Notifier contract: the overall call still
// succeeds no matter how many clients stay unreachable.
type RetryNotifier struct {
	inner      Notifier
	maxRetries int
	logger     *slog.Logger
}

// NewRetryNotifier wraps inner with up to maxRetries re-deliveries for
// failed clients.
func NewRetryNotifier(inner Notifier, maxRetries int, logger *slog.Logger) *RetryNotifier {
	return &RetryNotifier{inner: inner, maxRetries: maxRetries, logger: logger}
}

// DestroySession delivers the fan-out, then retries only the clients that
// failed, waiting an exponential backoff interval between rounds.
func (rn *RetryNotifier) DestroySession(ctx context.Context, sessionID string, clients []*Client) []NotifyResult {
	results := rn.inner.DestroySession(ctx, sessionID, clients)

	byID := make(map[string]*Client, len(clients))
	for _, c := range clients {
		byID[c.BaseURI] = c
	}

	expBackoff := backoff.NewExponentialBackOff()
	for attempt := 0; attempt < rn.maxRetries; attempt++ {
		var failed []*Client
		for _, res := range results {
			if res.Err != nil {
				if c, ok := byID[res.ClientID]; ok {
					failed = append(failed, c)
				}
			}
		}
		if len(failed) == 0 {
			break
		}

		wait := expBackoff.NextBackOff()
		rn.logger.Debug("retrying client notifications",
			"session_id", sessionID, "clients", len(failed), "wait", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return results
		}

		retried := rn.inner.DestroySession(ctx, sessionID, failed)
		merged := make(map[string]NotifyResult, len(retried))
		for _, res := range retried {
			merged[res.ClientID] = res
		}
		for i, res := range results {
			if update, ok := merged[res.ClientID]; ok {
				results[i] = update
			}
		}
	}

	return results
}
