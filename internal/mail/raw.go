package mail

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// MalformedError reports a message payload that could not be decoded.
type MalformedError struct {
	ID  string
	Err error
}

func (e *MalformedError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("malformed message %s: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("malformed message: %v", e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// Body is the single body Graph returns for a message.
type Body struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// RawMessage is a Graph message payload split into the attributes we map
// and an overflow of everything else. Overflow values keep the bytes Graph
// sent; only the enclosing object is rebuilt, with keys in sorted order.
type RawMessage struct {
	ID                     string
	InternetMessageID      string
	Subject                string
	From                   json.RawMessage
	ToRecipients           json.RawMessage
	CcRecipients           json.RawMessage
	BccRecipients          json.RawMessage
	Body                   *Body
	BodyPreview            string
	ReceivedDateTime       string
	SentDateTime           string
	CreatedDateTime        string
	LastModifiedDateTime   string
	Importance             string
	IsRead                 bool
	IsReadReceiptRequested bool
	ConversationID         string
	ConversationIndex      string
	Categories             []string
	Flag                   json.RawMessage
	HasAttachments         bool
	WebLink                string
	Overflow               map[string]json.RawMessage
}

// MappedFields lists the top-level Graph keys with a named Email attribute.
// It doubles as the $select list sent to Graph.
var MappedFields = []string{
	"id", "internetMessageId", "subject", "from", "toRecipients", "ccRecipients",
	"bccRecipients", "body", "bodyPreview", "receivedDateTime", "sentDateTime",
	"createdDateTime", "lastModifiedDateTime", "importance", "isRead",
	"isReadReceiptRequested", "conversationId", "conversationIndex",
	"categories", "flag", "hasAttachments", "webLink",
}

// Parse decodes one message payload. Mapped keys with the wrong JSON type
// make the message malformed, except timestamps, which are left unset, and
// recipients, whose unknown shapes are dropped during normalization.
func Parse(data []byte) (RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return RawMessage{}, &MalformedError{Err: err}
	}
	if fields == nil {
		return RawMessage{}, &MalformedError{Err: errors.New("payload is not a JSON object")}
	}

	p := picker{fields: fields}
	var m RawMessage

	p.decode("id", &m.ID)
	p.decode("internetMessageId", &m.InternetMessageID)
	p.decode("subject", &m.Subject)
	m.From = p.raw("from")
	m.ToRecipients = p.raw("toRecipients")
	m.CcRecipients = p.raw("ccRecipients")
	m.BccRecipients = p.raw("bccRecipients")
	p.decode("body", &m.Body)
	p.decode("bodyPreview", &m.BodyPreview)
	m.ReceivedDateTime = p.lenientString("receivedDateTime")
	m.SentDateTime = p.lenientString("sentDateTime")
	m.CreatedDateTime = p.lenientString("createdDateTime")
	m.LastModifiedDateTime = p.lenientString("lastModifiedDateTime")
	p.decode("importance", &m.Importance)
	p.decode("isRead", &m.IsRead)
	p.decode("isReadReceiptRequested", &m.IsReadReceiptRequested)
	p.decode("conversationId", &m.ConversationID)
	p.decode("conversationIndex", &m.ConversationIndex)
	p.decode("categories", &m.Categories)
	m.Flag = p.raw("flag")
	p.decode("hasAttachments", &m.HasAttachments)
	p.decode("webLink", &m.WebLink)

	if p.err != nil {
		return RawMessage{}, &MalformedError{ID: m.ID, Err: p.err}
	}

	m.Overflow = p.fields
	return m, nil
}

// picker consumes keys from a decoded object; whatever is left is overflow.
type picker struct {
	fields map[string]json.RawMessage
	err    error
}

func (p *picker) take(key string) (json.RawMessage, bool) {
	raw, ok := p.fields[key]
	if !ok {
		return nil, false
	}
	delete(p.fields, key)
	return raw, true
}

func (p *picker) decode(key string, dst any) {
	raw, ok := p.take(key)
	if !ok || p.err != nil {
		return
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		p.err = fmt.Errorf("field %s: %w", key, err)
	}
}

// raw returns the value untouched, or nil when absent or null.
func (p *picker) raw(key string) json.RawMessage {
	raw, ok := p.take(key)
	if !ok || string(raw) == "null" {
		return nil
	}
	return raw
}

func (p *picker) lenientString(key string) string {
	raw, ok := p.take(key)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// EncodeOverflow writes an overflow bag as a JSON object with sorted keys.
// Each value is copied byte for byte, so neither whitespace nor HTML
// characters inside it are rewritten.
func EncodeOverflow(fields map[string]json.RawMessage) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	buf.WriteByte('{')
	for i, k := range keys {
		v := fields[k]
		if len(v) == 0 {
			v = json.RawMessage("null")
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("overflow field %s: invalid JSON", k)
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := enc.Encode(k); err != nil {
			return nil, fmt.Errorf("overflow field %s: %w", k, err)
		}
		// Encode terminates every value with a newline.
		buf.Truncate(buf.Len() - 1)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
