package provision

import (
	"context"
	"errors"

	"github.com/tfunke/schulsync/internal/keycloak"
)

// Actions every created account must complete on first login.
var creationActions = []string{"VERIFY_EMAIL", "UPDATE_PASSWORD"}

// KeycloakDirectory adapts the admin API client to the Directory boundary.
type KeycloakDirectory struct {
	Client *keycloak.Client
}

func (d *KeycloakDirectory) FindByEmail(ctx context.Context, email string) (bool, error) {
	_, err := d.Client.FindUserByEmail(ctx, email)
	if errors.Is(err, keycloak.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *KeycloakDirectory) FindByUsername(ctx context.Context, username string) (bool, error) {
	_, err := d.Client.FindUserByUsername(ctx, username)
	if errors.Is(err, keycloak.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create submits the account enabled but unverified; the required actions
// force verification and a password change on first login.
func (d *KeycloakDirectory) Create(ctx context.Context, user NewUser) (string, error) {
	return d.Client.CreateUser(ctx, keycloak.UserRepresentation{
		Username:        user.Username,
		FirstName:       user.FirstName,
		LastName:        user.LastName,
		Email:           user.Email,
		Enabled:         true,
		EmailVerified:   false,
		RequiredActions: creationActions,
		Attributes:      user.Attributes,
	})
}

func (d *KeycloakDirectory) SendVerifyEmail(ctx context.Context, userID string) error {
	return d.Client.SendVerifyEmail(ctx, userID)
}

func (d *KeycloakDirectory) SetEnabled(ctx context.Context, userID string, enabled bool) error {
	return d.Client.SetEnabled(ctx, userID, enabled)
}

func (d *KeycloakDirectory) Delete(ctx context.Context, userID string) error {
	return d.Client.DeleteUser(ctx, userID)
}
