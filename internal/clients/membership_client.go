package clients

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"librarycirc/internal/auth"
)

// MembershipClient resolves bearer credentials through the membership
// service's /me endpoint.
type MembershipClient struct {
	base
}

func NewMembershipClient(baseURL string, opts ...Option) *MembershipClient {
	return &MembershipClient{base: newBase(baseURL, opts)}
}

type member struct {
	ID   uuid.UUID `json:"id"`
	Role string    `json:"role"`
}

// Authenticate implements auth.Gate. Only the Authorization header is
// forwarded.
func (c *MembershipClient) Authenticate(r *http.Request) (auth.Principal, error) {
	credential := r.Header.Get("Authorization")
	if credential == "" {
		return auth.Principal{}, auth.ErrUnauthenticated
	}

	req, err := c.newRequest(r.Context(), http.MethodGet, "/me", nil)
	if err != nil {
		return auth.Principal{}, err
	}
	req.Header.Set("Authorization", credential)

	var m member
	if err := c.do(req, &m); err != nil {
		if isStatus(err, http.StatusUnauthorized) || isStatus(err, http.StatusForbidden) {
			return auth.Principal{}, auth.ErrUnauthenticated
		}
		return auth.Principal{}, fmt.Errorf("resolve member: %w", err)
	}
	if m.ID == uuid.Nil {
		return auth.Principal{}, fmt.Errorf("resolve member: response without id")
	}

	role, err := auth.ParseRole(m.Role)
	if err != nil {
		return auth.Principal{}, fmt.Errorf("resolve member: %w", err)
	}
	return auth.Principal{ID: m.ID, Role: role}, nil
}

var _ auth.Gate = (*MembershipClient)(nil)
