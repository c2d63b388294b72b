package models

import "time"

// ProviderConnection holds one owner's OAuth tokens for one platform.
// A nil AccessToken means the owner is disconnected.
type ProviderConnection struct {
	OwnerID            string     `db:"owner_id"             json:"owner_id"`
	Platform           Platform   `db:"platform"             json:"platform"`
	AccessToken        *string    `db:"access_token"         json:"-"`
	RefreshToken       *string    `db:"refresh_token"        json:"-"`
	ExpiresAt          *time.Time `db:"expires_at"           json:"expires_at,omitempty"`
	ClientID           *string    `db:"client_id"            json:"client_id,omitempty"`
	ClientSecretSealed *string    `db:"client_secret_sealed" json:"-"`
	Scopes             string     `db:"scopes"               json:"scopes"`
	CreatedAt          time.Time  `db:"created_at"           json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"           json:"updated_at"`
}

// Connected reports whether an access token is stored.
func (c *ProviderConnection) Connected() bool {
	return c != nil && c.AccessToken != nil && *c.AccessToken != ""
}

// HasRefreshToken reports whether a refresh grant can be attempted.
func (c *ProviderConnection) HasRefreshToken() bool {
	return c != nil && c.RefreshToken != nil && *c.RefreshToken != ""
}
