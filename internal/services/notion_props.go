package services

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type notionText struct {
	PlainText string `json:"plain_text"`
	Text      *struct {
		Content string `json:"content"`
	} `json:"text,omitempty"`
}

type notionOption struct {
	Name string `json:"name"`
}

type notionDate struct {
	Start string `json:"start"`
}

// notionProperty is the decoded value of a page property. Only the types the catalog reads are modelled.
type notionProperty struct {
	Type     string        `json:"type"`
	Title    []notionText  `json:"title,omitempty"`
	RichText []notionText  `json:"rich_text,omitempty"`
	Number   *float64      `json:"number,omitempty"`
	Checkbox bool          `json:"checkbox,omitempty"`
	Select   *notionOption `json:"select,omitempty"`
	Status   *notionOption `json:"status,omitempty"`
	Date     *notionDate   `json:"date,omitempty"`
	URL      *string       `json:"url,omitempty"`
}

func joinText(parts []notionText) string {
	var b strings.Builder
	for _, p := range parts {
		if p.PlainText != "" {
			b.WriteString(p.PlainText)
		} else if p.Text != nil {
			b.WriteString(p.Text.Content)
		}
	}
	return b.String()
}

// Text returns the property as a string whatever its type.
func (p notionProperty) Text() string {
	switch p.Type {
	case "title":
		return joinText(p.Title)
	case "rich_text":
		return joinText(p.RichText)
	case "select":
		if p.Select != nil {
			return p.Select.Name
		}
	case "status":
		if p.Status != nil {
			return p.Status.Name
		}
	case "url":
		if p.URL != nil {
			return *p.URL
		}
	case "number":
		if p.Number != nil {
			return strconv.FormatFloat(*p.Number, 'f', -1, 64)
		}
	case "checkbox":
		return strconv.FormatBool(p.Checkbox)
	case "date":
		if p.Date != nil {
			return p.Date.Start
		}
	}
	return ""
}

// Float reads numbers directly and parses anything else from its text.
func (p notionProperty) Float() (float64, bool) {
	if p.Type == "number" {
		if p.Number == nil {
			return 0, false
		}
		return *p.Number, true
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(p.Text()), 64)
	return f, err == nil
}

// Bool reads checkboxes directly; text properties are true for "true", "yes", "1" and "x".
func (p notionProperty) Bool() bool {
	if p.Type == "checkbox" {
		return p.Checkbox
	}
	switch strings.ToLower(strings.TrimSpace(p.Text())) {
	case "true", "yes", "1", "x":
		return true
	}
	return false
}

// Time reads dates, unix milliseconds and RFC 3339 text.
func (p notionProperty) Time() (time.Time, bool) {
	if p.Type == "number" {
		if p.Number == nil {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(*p.Number)).UTC(), true
	}
	s := strings.TrimSpace(p.Text())
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func richText(s string) []map[string]any {
	if s == "" {
		return []map[string]any{}
	}
	return []map[string]any{{"type": "text", "text": map[string]any{"content": s}}}
}

// encodeProperty renders v as a property value of the given Notion type. A nil v clears the property.
func encodeProperty(propType string, v any) map[string]any {
	switch propType {
	case "title":
		return map[string]any{"title": richText(stringValue(v))}
	case "rich_text":
		return map[string]any{"rich_text": richText(stringValue(v))}
	case "url":
		if s := stringValue(v); s != "" {
			return map[string]any{"url": s}
		}
		return map[string]any{"url": nil}
	case "select", "status":
		if s := stringValue(v); s != "" {
			return map[string]any{propType: map[string]any{"name": s}}
		}
		return map[string]any{propType: nil}
	case "checkbox":
		b, _ := v.(bool)
		return map[string]any{"checkbox": b}
	case "number":
		switch n := v.(type) {
		case float64:
			return map[string]any{"number": n}
		case int:
			return map[string]any{"number": n}
		case time.Time:
			if n.IsZero() {
				return map[string]any{"number": nil}
			}
			return map[string]any{"number": n.UnixMilli()}
		}
		return map[string]any{"number": nil}
	case "date":
		if t, ok := v.(time.Time); ok && !t.IsZero() {
			return map[string]any{"date": map[string]any{"start": t.UTC().Format(time.RFC3339Nano)}}
		}
		return map[string]any{"date": nil}
	default:
		return map[string]any{"rich_text": richText(stringValue(v))}
	}
}

func stringValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case time.Time:
		if s.IsZero() {
			return ""
		}
		return s.UTC().Format(time.RFC3339Nano)
	case bool:
		return strconv.FormatBool(s)
	case int:
		return strconv.Itoa(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		b, _ := json.Marshal(s)
		return string(b)
	}
}
