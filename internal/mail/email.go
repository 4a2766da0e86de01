package mail

import (
	"encoding/json"
	"time"
)

// Importance mirrors the Graph importance enum.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
)

// Account is a monitored mailbox.
type Account struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	IsActive   bool       `json:"is_active"`
	LastSynced *time.Time `json:"last_synced"`
	SyncError  string     `json:"sync_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Attachment is attachment metadata. Content is never downloaded.
type Attachment struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	ContentType          string `json:"contentType"`
	Size                 int64  `json:"size"`
	IsInline             bool   `json:"isInline"`
	LastModifiedDateTime string `json:"lastModifiedDateTime,omitempty"`
}

// Email is a normalized message. (AccountID, GraphID) is its natural key.
type Email struct {
	ID                     string                     `json:"id"`
	AccountID              string                     `json:"account_id"`
	GraphID                string                     `json:"graph_id"`
	InternetMessageID      string                     `json:"internet_message_id,omitempty"`
	Subject                string                     `json:"subject"`
	From                   string                     `json:"from_email,omitempty"`
	To                     []string                   `json:"to_emails"`
	Cc                     []string                   `json:"cc_emails"`
	Bcc                    []string                   `json:"bcc_emails"`
	BodyText               string                     `json:"body_text"`
	BodyHTML               string                     `json:"body_html"`
	BodyPreview            string                     `json:"body_preview"`
	ReceivedAt             *time.Time                 `json:"date_received"`
	SentAt                 *time.Time                 `json:"date_sent"`
	CreatedDateTime        *time.Time                 `json:"created_date_time"`
	LastModifiedDateTime   *time.Time                 `json:"last_modified_date_time"`
	Importance             Importance                 `json:"importance"`
	IsRead                 bool                       `json:"is_read"`
	IsReadReceiptRequested bool                       `json:"is_read_receipt_requested"`
	ConversationID         string                     `json:"conversation_id,omitempty"`
	ConversationIndex      string                     `json:"conversation_index,omitempty"`
	Categories             []string                   `json:"categories"`
	Flag                   json.RawMessage            `json:"flag,omitempty"`
	HasAttachments         bool                       `json:"has_attachments"`
	Attachments            []Attachment               `json:"attachments"`
	WebLink                string                     `json:"web_link,omitempty"`
	Overflow               map[string]json.RawMessage `json:"graph_metadata"`
	IsProcessed            bool                       `json:"is_processed"`
	ProcessedAt            *time.Time                 `json:"processed_at"`
	CreatedAt              time.Time                  `json:"created_at"`
	UpdatedAt              time.Time                  `json:"updated_at"`
}
