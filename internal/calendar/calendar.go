// Package calendar defines the narrow interface the sync coordinator needs
// from a remote calendar: create, update and delete by id, and list changes.
package calendar

import (
	"context"
	"errors"
	"time"

	"github.com/hray3182/duesync/internal/models"
)

var (
	// ErrAuthRevoked means the user withdrew access. The connection must be
	// re-established before any further call.
	ErrAuthRevoked = errors.New("calendar: authorization revoked")
	// ErrRemoteNotFound means the event no longer exists remotely.
	ErrRemoteNotFound = errors.New("calendar: remote event not found")
)

// EventFields are the synchronized attributes of an event.
type EventFields struct {
	Title       string
	Start       time.Time
	End         time.Time
	Location    string
	Description string

	// Attendees are all participants; adapters keep the ones the remote
	// cannot invite in private metadata.
	Attendees []string

	// CommitmentID tags the event with the local commitment that created
	// it. Zero for events created elsewhere.
	CommitmentID int64
}

// RemoteEvent is an event as the remote calendar reports it.
type RemoteEvent struct {
	ID        string
	Fields    EventFields
	Updated   time.Time
	Cancelled bool

	// AllDay events carry civil dates in Start and End (midnight UTC);
	// the caller places them in the user's zone.
	AllDay bool
}

type Adapter interface {
	// CreateEvent creates the event under the caller's uid. Creating a uid
	// that already exists overwrites that event, so a create whose response
	// was lost can be retried.
	CreateEvent(ctx context.Context, uid string, fields EventFields) (RemoteEvent, error)
	UpdateEvent(ctx context.Context, id string, fields EventFields) (RemoteEvent, error)
	DeleteEvent(ctx context.Context, id string) error
	// ListEvents returns events changed after since. A zero since lists
	// recent events.
	ListEvents(ctx context.Context, since time.Time) ([]RemoteEvent, error)
}

// Provider builds adapters bound to a user's stored connection.
type Provider interface {
	Name() string
	ForConnection(ctx context.Context, conn *models.CalendarConnection) (Adapter, error)
}

// OAuthProvider is a Provider whose connections are obtained through an
// OAuth authorization code flow.
type OAuthProvider interface {
	Provider
	AuthCodeURL(state string) string
	// Exchange trades an authorization code for a connection owned by userID.
	Exchange(ctx context.Context, userID int64, code string) (*models.CalendarConnection, error)
}

// TokenStore receives access tokens refreshed during a call.
type TokenStore interface {
	UpdateTokens(ctx context.Context, userID int64, accessToken, refreshToken string, expiry time.Time) error
}
