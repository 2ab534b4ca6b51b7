package credential

import (
	"context"
	"errors"
	"time"
)

// Common credential type tags. Handlers declare which of these they accept;
// the compiler checks the binding.
const (
	TypeAPIKey      = "api_key"
	TypeBasicAuth   = "basic_auth"
	TypeBearerToken = "bearer_token"
	TypeOAuth2      = "oauth2"
	TypeCustom      = "custom"
)

var (
	ErrNotFound  = errors.New("credential not found")
	ErrForbidden = errors.New("credential belongs to another user")
)

// Credential is the stored, by-reference form. The Data payload is assumed to
// be decrypted by the storage collaborator before it reaches the kernel;
// encryption at rest is outside this module.
type Credential struct {
	ID        string            `db:"id" json:"id"`
	UserID    string            `db:"user_id" json:"user_id"`
	Name      string            `db:"name" json:"name"`
	Type      string            `db:"type" json:"type"`
	Data      map[string]string `db:"-" json:"-"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
}

// Decrypted is the in-memory handle handed to handlers. It lives only inside
// one execution context and is zeroed on teardown.
type Decrypted struct {
	Ref    string
	Type   string
	UserID string
	Data   map[string]string
}

// Values returns the secret material, for masking.
func (d *Decrypted) Values() []string {
	vals := make([]string, 0, len(d.Data))
	for _, v := range d.Data {
		if v != "" {
			vals = append(vals, v)
		}
	}
	return vals
}

// Zero overwrites the secret material in place.
func (d *Decrypted) Zero() {
	for k := range d.Data {
		d.Data[k] = ""
	}
	d.Data = nil
}

// Store resolves credential references for a user.
type Store interface {
	// Get returns the credential with the given ID if it is owned by userID.
	Get(ctx context.Context, userID, id string) (*Credential, error)
	// ListForUser returns all credentials owned by userID.
	ListForUser(ctx context.Context, userID string) ([]*Credential, error)
}

// Open turns a stored credential into a scoped in-memory handle.
func Open(c *Credential) *Decrypted {
	data := make(map[string]string, len(c.Data))
	for k, v := range c.Data {
		data[k] = v
	}
	return &Decrypted{Ref: c.ID, Type: c.Type, UserID: c.UserID, Data: data}
}
