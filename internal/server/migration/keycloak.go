package migration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dmitrijs2005/gophtrust/internal/netx"
	"github.com/dmitrijs2005/gophtrust/internal/server/models"
)

// LegacyIDAttribute links an IdP user back to the legacy user id.
const LegacyIDAttribute = "legacy_id"

type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// KeycloakProvisioner creates and verifies users through the Keycloak admin
// REST API. It implements Provisioner and SampleVerifier.
type KeycloakProvisioner struct {
	adminURL string
	token    string
	users    UserLookup
	client   *http.Client
}

func NewKeycloakProvisioner(baseURL, realm, adminToken string, users UserLookup, client *http.Client) *KeycloakProvisioner {
	if client == nil {
		client = http.DefaultClient
	}
	return &KeycloakProvisioner{
		adminURL: strings.TrimRight(baseURL, "/") + "/admin/realms/" + url.PathEscape(realm),
		token:    adminToken,
		users:    users,
		client:   client,
	}
}

type keycloakUser struct {
	ID         string              `json:"id,omitempty"`
	Username   string              `json:"username"`
	Enabled    bool                `json:"enabled"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// ProvisionUser creates the user in the realm. A user that already exists
// counts as provisioned so that reruns are idempotent. Lookup and transport
// errors are returned as errors; rejections by the IdP as Success=false.
func (p *KeycloakProvisioner) ProvisionUser(ctx context.Context, userID string) (ProvisionResult, error) {
	u, err := p.users.GetUserByID(ctx, userID)
	if err != nil {
		return ProvisionResult{}, fmt.Errorf("lookup user %s: %w", userID, err)
	}

	body := keycloakUser{
		Username:   u.UserName,
		Enabled:    true,
		Attributes: map[string][]string{LegacyIDAttribute: {u.ID}},
	}
	status, err := netx.DoJSON(ctx, p.client, http.MethodPost, p.adminURL+"/users", p.token, body, nil)
	if status == http.StatusConflict {
		return ProvisionResult{Success: true}, nil
	}
	if err != nil {
		var se *netx.StatusError
		if errors.As(err, &se) {
			return ProvisionResult{Success: false, Errors: []string{se.Error()}}, nil
		}
		return ProvisionResult{}, err
	}
	return ProvisionResult{Success: true}, nil
}

// VerifyUser reports whether the realm has a user with the same username
// that is linked to u's legacy id.
func (p *KeycloakProvisioner) VerifyUser(ctx context.Context, u *models.User) (bool, error) {
	q := url.Values{}
	q.Set("username", u.UserName)
	q.Set("exact", "true")
	q.Set("briefRepresentation", "false")

	var found []keycloakUser
	if _, err := netx.DoJSON(ctx, p.client, http.MethodGet, p.adminURL+"/users?"+q.Encode(), p.token, nil, &found); err != nil {
		return false, err
	}

	for _, ku := range found {
		if !strings.EqualFold(ku.Username, u.UserName) {
			continue
		}
		for _, id := range ku.Attributes[LegacyIDAttribute] {
			if id == u.ID {
				return true, nil
			}
		}
	}
	return false, nil
}
