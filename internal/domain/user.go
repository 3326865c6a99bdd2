package domain

import (
	"time"

	"github.com/google/uuid"
)

// User represents a user entity in the system
// Maps to CockroachDB users table. Account management lives in the
// account service; this service only reads users for enrichment.
type User struct {
	UserID      uuid.UUID `json:"user_id" db:"user_id"`
	Email       string    `json:"email" db:"email"`
	Username    string    `json:"username" db:"username"`
	DisplayName string    `json:"display_name" db:"display_name"`
	AvatarURL   *string   `json:"avatar_url,omitempty" db:"avatar_url"`
	FriendCode  string    `json:"friend_code" db:"friend_code"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// PublicProfile is the safe user representation attached to outgoing
// messages and incoming-call notifications.
type PublicProfile struct {
	UserID      uuid.UUID `json:"user_id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	AvatarURL   *string   `json:"avatar_url,omitempty"`
	FriendCode  string    `json:"friend_code"`
}

// ToPublicProfile converts User to PublicProfile (removes account fields)
func (u *User) ToPublicProfile() *PublicProfile {
	return &PublicProfile{
		UserID:      u.UserID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		FriendCode:  u.FriendCode,
	}
}
