package model

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"
)

// Webhook stores the configuration for one inbound signal endpoint.
type Webhook struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Token     string `gorm:"size:64;uniqueIndex;not null" json:"token"`
	UserID    uint   `gorm:"not null;index" json:"user_id"`
	Name      string `gorm:"size:255" json:"name"`
	Details   string `gorm:"type:text" json:"details,omitempty"`
	SecretKey string `gorm:"size:64;not null" json:"-"`

	SourceType           string `gorm:"size:50;default:custom" json:"source_type"`
	IsActive             bool   `gorm:"not null;default:true" json:"is_active"`
	AllowedIPs           string `gorm:"type:text" json:"allowed_ips,omitempty"` // comma-separated
	MaxTriggersPerMinute int    `gorm:"default:60" json:"max_triggers_per_minute"`
	RequireSignature     bool   `gorm:"not null;default:true" json:"require_signature"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`

	Logs []WebhookLog `gorm:"foreignKey:WebhookID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Webhook) TableName() string {
	return "webhooks"
}

// EnsureSecrets fills in a random token and secret key when absent.
func (w *Webhook) EnsureSecrets() {
	if w.Token == "" {
		w.Token = randomURLToken(32)
	}
	if w.SecretKey == "" {
		w.SecretKey = randomHexToken(32)
	}
}

// ValidateIP reports whether the client IP passes the allowlist. An empty
// allowlist admits everyone.
func (w *Webhook) ValidateIP(ip string) bool {
	if w.AllowedIPs == "" {
		return true
	}
	for _, allowed := range strings.Split(w.AllowedIPs, ",") {
		if strings.TrimSpace(allowed) == ip {
			return true
		}
	}
	return false
}

// WebhookLog is an append-only audit record, one per ingestion attempt.
// Never mutated after insert; read only for statistics and debugging.
type WebhookLog struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	WebhookID      uint      `gorm:"index" json:"webhook_id"`
	TriggeredAt    time.Time `json:"triggered_at"`
	Success        bool      `gorm:"default:true" json:"success"`
	Payload        string    `gorm:"type:text" json:"payload"`
	ErrorMessage   *string   `json:"error_message,omitempty"`
	IPAddress      string    `gorm:"size:45" json:"ip_address"`
	ProcessingTime float64   `json:"processing_time"` // seconds

	Webhook *Webhook `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

func (WebhookLog) TableName() string {
	return "webhook_logs"
}

func randomURLToken(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

func randomHexToken(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
