package platform

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Attachment is a file attached to a message.
type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Filename    string `json:"filename"`
}

// IsImage reports whether the attachment can be sent to the classifier as an
// image.
func (a Attachment) IsImage() bool {
	if strings.HasPrefix(a.ContentType, "image/") {
		return true
	}
	name := strings.ToLower(a.Filename)
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// Author is the poster of a message.
type Author struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Bot         bool     `json:"bot"`
	RoleIDs     []string `json:"role_ids"`
}

// MessageEvent is a created or edited message delivered by the gateway.
type MessageEvent struct {
	Ref         MessageRef   `json:"ref"`
	Author      Author       `json:"author"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	CreatedAt   time.Time    `json:"created_at"`
	Edited      bool         `json:"edited"`
}

// ImageURLs returns the URLs of image attachments.
func (e MessageEvent) ImageURLs() []string {
	var urls []string
	for _, a := range e.Attachments {
		if a.IsImage() {
			urls = append(urls, a.URL)
		}
	}
	return urls
}

// DecodeMessageEvent parses and validates a gateway payload.
func DecodeMessageEvent(data []byte) (MessageEvent, error) {
	var ev MessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return MessageEvent{}, fmt.Errorf("platform: decode event: %w", err)
	}
	if ev.Ref.MessageID == "" || ev.Ref.ChannelID == "" {
		return MessageEvent{}, fmt.Errorf("platform: event missing message reference")
	}
	if ev.Author.ID == "" {
		return MessageEvent{}, fmt.Errorf("platform: event missing author")
	}
	return ev, nil
}
