package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	ROLE_USER       = "user"
	ROLE_ADMIN      = "admin"
	STATUS_ACTIVE   = "active"
	STATUS_INACTIVE = "inactive"
	STATUS_DISABLED = "disabled"
)

// User is an account row. The entitlement_* columns are a denormalized
// projection of the user's most recently written entitling subscription;
// they are rewritten in the same transaction as any subscription state
// change and are never a second source of truth.
type User struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Name     string `gorm:"type:varchar(150)" json:"name" validate:"required,min=3,max=150"`
	Email    string `gorm:"uniqueIndex;type:varchar(200) CHARACTER SET utf8 COLLATE utf8_bin" json:"email" validate:"required,email,min=5,max=200"`
	Password string `gorm:"type:text" json:"-" validate:"required,min=6"`
	Role     string `gorm:"type:varchar(50);default:'user'" json:"role" validate:"oneof=user admin"`
	Status   string `gorm:"type:varchar(50);default:'active'" json:"status" validate:"oneof=active inactive disabled"`

	IsEntitled                bool       `gorm:"default:false;index" json:"is_entitled"`
	EntitlementSubscriptionID *uint      `gorm:"default:null" json:"entitlement_subscription_id,omitempty"`
	EntitlementExpiresAt      *time.Time `gorm:"type:timestamp;default:null" json:"entitlement_expires_at,omitempty"`
	EntitlementUpdatedAt      *time.Time `gorm:"type:timestamp;default:null" json:"entitlement_updated_at,omitempty"`

	APIKeyHash       string     `gorm:"type:char(64);default:'';index" json:"-"`
	APIKeyPrefix     string     `gorm:"type:varchar(20);default:''" json:"api_key_prefix"`
	APIKeyCreatedAt  *time.Time `json:"api_key_created_at"`
	APIKeyLastUsedAt *time.Time `json:"api_key_last_used_at"`

	LastLoginAt *time.Time     `gorm:"type:timestamp;default:null" json:"last_login_at"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

func CreateUser(username string, email string, password string) (*User, error) {
	pw, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	u := &User{
		Name:     username,
		Email:    email,
		Password: pw,
		Role:     ROLE_USER,
		Status:   STATUS_ACTIVE,
	}

	if err := u.Validate(); err != nil {
		return nil, err
	}

	return u, nil
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)

	return string(bytes), err
}

// CheckPasswordHash compares the given password with the stored hash.
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))

	return err == nil
}

// IsActive reports whether the user status is active
func (u *User) IsActive() bool {
	return u.Status == STATUS_ACTIVE
}

// CheckPassword verifies if the provided password matches the user's stored password
func (u *User) CheckPassword(password string) bool {
	return CheckPasswordHash(password, u.Password)
}

// SetPassword hashes and sets a new password for the user
func (u *User) SetPassword(password string) error {
	hashedPassword, err := HashPassword(password)
	if err != nil {
		return err
	}
	u.Password = hashedPassword
	return nil
}

var apiKeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

const rawAPIKeyPrefix = "sbs_"

// IssueAPIKey generates a new API key, persists metadata on the struct, and
// returns the raw secret. Callers must save the struct afterwards.
func (u *User) IssueAPIKey() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	raw := rawAPIKeyPrefix + strings.ToLower(apiKeyEncoding.EncodeToString(b))

	u.APIKeyHash = HashAPIKey(raw)
	u.APIKeyPrefix = raw[:len(rawAPIKeyPrefix)+4]
	now := time.Now()
	u.APIKeyCreatedAt = &now
	return raw, nil
}

// HasActiveAPIKey reports whether the user has an API key configured
func (u *User) HasActiveAPIKey() bool {
	return u != nil && u.APIKeyHash != ""
}

// HashAPIKey returns the hex SHA-256 of a raw API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

// EntitlementStatus derives the status string exposed by the entitlement
// endpoint from the projection columns alone.
func (u *User) EntitlementStatus(now time.Time) string {
	switch {
	case u.IsEntitled && u.EntitlementExpiresAt != nil && u.EntitlementExpiresAt.Before(now):
		// Projection not yet swept; still entitled but inside the platform
		// grace window.
		return SubStateGracePeriod
	case u.IsEntitled:
		return SubStateActive
	case u.EntitlementSubscriptionID != nil:
		return SubStateExpired
	default:
		return "none"
	}
}

func (u *User) String() string {
	return fmt.Sprintf("User(%d, %s)", u.ID, u.Email)
}
