package model

import "time"

// BrokerAccount statuses. An account moves through these as its credential
// lifecycle advances; ValidAccountTransitions is the authoritative table.
const (
	AccountStatusConnecting   = "connecting"
	AccountStatusActive       = "active"
	AccountStatusTokenExpired = "token_expired"
	AccountStatusError        = "error"
	AccountStatusDisconnected = "disconnected"
	AccountStatusDeleted      = "deleted"
)

// ValidAccountTransitions defines the allowed status transitions.
// token_expired is terminal until the user reconnects; disconnected and
// deleted are reachable from anywhere via explicit user action.
var ValidAccountTransitions = map[string][]string{
	AccountStatusConnecting:   {AccountStatusActive, AccountStatusError, AccountStatusDisconnected, AccountStatusDeleted},
	AccountStatusActive:       {AccountStatusActive, AccountStatusError, AccountStatusTokenExpired, AccountStatusDisconnected, AccountStatusDeleted},
	AccountStatusError:        {AccountStatusActive, AccountStatusTokenExpired, AccountStatusDisconnected, AccountStatusDeleted},
	AccountStatusTokenExpired: {AccountStatusConnecting, AccountStatusDisconnected, AccountStatusDeleted},
	AccountStatusDisconnected: {AccountStatusConnecting, AccountStatusDeleted},
}

// CanTransitionAccountStatus reports whether moving from one account status
// to another is allowed.
func CanTransitionAccountStatus(from, to string) bool {
	allowed, ok := ValidAccountTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// BrokerAccount represents one user's connection to one broker+environment.
type BrokerAccount struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	UserID        uint       `gorm:"not null;index" json:"user_id"`
	BrokerID      string     `gorm:"size:50;not null" json:"broker_id"`
	AccountID     string     `gorm:"size:100;index" json:"account_id"`
	Name          string     `gorm:"size:200" json:"name"`
	Environment   string     `gorm:"size:10" json:"environment"` // demo, live, paper
	IsActive      bool       `gorm:"not null;default:true" json:"is_active"`
	Status        string     `gorm:"size:20;default:connecting" json:"status"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastConnected *time.Time `json:"last_connected,omitempty"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
	IsDeleted     bool       `gorm:"not null;default:false" json:"is_deleted"`

	Credential *BrokerCredential `gorm:"foreignKey:AccountID;constraint:OnDelete:CASCADE" json:"credential,omitempty"`
}

func (BrokerAccount) TableName() string {
	return "broker_accounts"
}

// Tradeable reports whether the account may be used for order placement.
func (a *BrokerAccount) Tradeable() bool {
	return a.IsActive && !a.IsDeleted && a.Status == AccountStatusActive
}

// BrokerCredential stores a broker token pair plus refresh bookkeeping.
// Token columns hold ciphertext at rest; the repository layer is the only
// place that encrypts/decrypts them. A credential row is never deleted while
// its account is active; user disconnect sets IsValid=false instead.
type BrokerCredential struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	BrokerID           string     `gorm:"size:50;not null" json:"broker_id"`
	AccountID          uint       `gorm:"not null;index" json:"account_id"`
	CredentialType     string     `gorm:"size:20" json:"credential_type"` // oauth, api_key
	AccessToken        string     `gorm:"type:text" json:"-"`
	RefreshToken       string     `gorm:"type:text" json:"-"`
	ExpiresAt          time.Time  `json:"expires_at"`
	IsValid            bool       `gorm:"not null;default:true" json:"is_valid"`
	RefreshFailCount   int        `gorm:"not null;default:0" json:"refresh_fail_count"`
	LastRefreshAttempt *time.Time `json:"last_refresh_attempt,omitempty"`
	LastRefreshError   *string    `json:"last_refresh_error,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`

	Account *BrokerAccount `gorm:"foreignKey:AccountID;constraint:OnDelete:CASCADE" json:"account,omitempty"`
}

func (BrokerCredential) TableName() string {
	return "broker_credentials"
}

// RefreshReference returns the point in time elapsed-lifetime calculations
// measure from: the last refresh attempt, or creation time if never refreshed.
func (c *BrokerCredential) RefreshReference() time.Time {
	if c.LastRefreshAttempt != nil {
		return *c.LastRefreshAttempt
	}
	return c.CreatedAt
}

// Expired reports whether the access token is past its expiry.
func (c *BrokerCredential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !c.ExpiresAt.After(now)
}
