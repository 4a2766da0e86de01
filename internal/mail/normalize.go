package mail

import (
	"encoding/json"
	"strings"
	"time"
)

// naiveLayout accepts Graph timestamps that arrive without an offset; they are read as UTC.
const naiveLayout = "2006-01-02T15:04:05.999999999"

// Normalize maps a parsed Graph message onto an Email owned by account.
// It never fails: unknown recipient shapes are dropped and unparseable
// timestamps stay nil.
func Normalize(m RawMessage, account Account) Email {
	e := Email{
		AccountID:              account.ID,
		GraphID:                m.ID,
		InternetMessageID:      m.InternetMessageID,
		Subject:                m.Subject,
		From:                   parseSender(m.From),
		To:                     parseAddresses(m.ToRecipients),
		Cc:                     parseAddresses(m.CcRecipients),
		Bcc:                    parseAddresses(m.BccRecipients),
		BodyPreview:            m.BodyPreview,
		ReceivedAt:             ParseTimestamp(m.ReceivedDateTime),
		SentAt:                 ParseTimestamp(m.SentDateTime),
		CreatedDateTime:        ParseTimestamp(m.CreatedDateTime),
		LastModifiedDateTime:   ParseTimestamp(m.LastModifiedDateTime),
		Importance:             ParseImportance(m.Importance),
		IsRead:                 m.IsRead,
		IsReadReceiptRequested: m.IsReadReceiptRequested,
		ConversationID:         m.ConversationID,
		ConversationIndex:      m.ConversationIndex,
		Categories:             m.Categories,
		Flag:                   m.Flag,
		HasAttachments:         m.HasAttachments,
		Attachments:            []Attachment{},
		WebLink:                m.WebLink,
		Overflow:               m.Overflow,
	}

	if m.Body != nil {
		if strings.EqualFold(m.Body.ContentType, "html") {
			e.BodyHTML = m.Body.Content
		} else {
			e.BodyText = m.Body.Content
		}
	}

	if e.Categories == nil {
		e.Categories = []string{}
	}
	if e.Overflow == nil {
		e.Overflow = map[string]json.RawMessage{}
	}

	return e
}

// ParseTimestamp parses an ISO-8601 timestamp, returning nil on failure.
func ParseTimestamp(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return &t
	}
	if t, err := time.Parse(naiveLayout, s); err == nil {
		return &t
	}
	return nil
}

// ParseImportance maps Graph importance values, defaulting to normal.
func ParseImportance(s string) Importance {
	switch Importance(strings.ToLower(strings.TrimSpace(s))) {
	case ImportanceLow:
		return ImportanceLow
	case ImportanceHigh:
		return ImportanceHigh
	default:
		return ImportanceNormal
	}
}

// recipient is the Graph recipient object shape.
type recipient struct {
	EmailAddress *struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

// parseAddresses accepts a list of recipient objects or plain strings.
// Entries of any other shape are dropped.
func parseAddresses(raw json.RawMessage) []string {
	addrs := []string{}
	if len(raw) == 0 {
		return addrs
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return addrs
	}

	for _, item := range items {
		if addr, ok := parseAddress(item); ok {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

func parseSender(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	addr, _ := parseAddress(raw)
	return addr
}

func parseAddress(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}

	var r recipient
	if err := json.Unmarshal(raw, &r); err != nil || r.EmailAddress == nil {
		return "", false
	}
	return r.EmailAddress.Address, r.EmailAddress.Address != ""
}
