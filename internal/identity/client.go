// Package identity resolves bearer credentials against the platform's
// identity service. The billing subsystem does not own accounts; it only
// needs a token to organizer-ID mapping.
package identity

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/calderhq/calder/internal/domain"
)

// Client implements domain.IdentityService over the identity service's
// HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

var _ domain.IdentityService = (*Client)(nil)

// NewClient creates a new identity client.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
		logger:  logger.With("service", "identity"),
	}
}

// ResolveToken exchanges a bearer token for the organizer's user ID.
func (c *Client) ResolveToken(ctx context.Context, token string) (uuid.UUID, error) {
	const op = "identity.resolve_token"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/tokens/resolve", nil)
	if err != nil {
		return uuid.Nil, domain.Internal(err, op, "failed to build identity request")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return uuid.Nil, domain.Unavailable(err, op, "identity service unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return uuid.Nil, domain.Unauthorized(op, "invalid or expired token")
	default:
		c.logger.Error("unexpected identity response", "status", resp.StatusCode)
		return uuid.Nil, domain.Errorf(domain.EUNAVAILABLE, op, "identity service returned %d", resp.StatusCode)
	}

	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return uuid.Nil, domain.Internal(err, op, "malformed identity response")
	}

	userID, err := uuid.Parse(body.UserID)
	if err != nil {
		return uuid.Nil, domain.Internal(err, op, "identity service returned invalid user id")
	}
	return userID, nil
}
