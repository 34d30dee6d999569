package protocol

import (
	"fmt"
	"strings"
)

// Wire-protocol limits.
const (
	MaxNameLength = 50              // max UTF-8 bytes for nicknames and group names
	MaxTextLength = 2000            // max bytes for a single chat message body
	MaxImageBytes = 1 * 1024 * 1024 // max bytes of base64 image data carried inline
)

// Message types exchanged over the websocket.
const (
	TypeIdentify    = "identify"
	TypeWelcome     = "welcome"
	TypeHistory     = "history"
	TypePresence    = "presence"
	TypeGroupList   = "group_list"
	TypeSend        = "send"
	TypeChatMessage = "message"
	TypeCreateGroup = "create_group"
	TypeJoinGroup   = "join_group"
	TypeTyping      = "typing"
	TypeRename      = "rename"
	TypeBan         = "ban"
	TypeSystem      = "system"
	TypeRejected    = "rejected"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
)

// Message scopes.
const (
	ScopePublic  = "public"
	ScopePrivate = "private"
	ScopeGroup   = "group"
)

// Body payload kinds.
const (
	KindText    = "text"
	KindImage   = "image"
	KindSticker = "sticker"
)

// Message is the JSON envelope exchanged over websocket.
type Message struct {
	Type     string        `json:"type"`
	SelfID   string        `json:"self_id,omitempty"`
	Nickname string        `json:"nickname,omitempty"`
	Scope    string        `json:"scope,omitempty"`
	Target   string        `json:"target,omitempty"` // private target nickname or group name
	Body     *Body         `json:"body,omitempty"`
	Members  []string      `json:"members,omitempty"` // create_group: initial member nicknames
	Names    []string      `json:"names,omitempty"`   // presence: nicknames currently online
	Groups   []string      `json:"groups,omitempty"`  // group_list: group names in creation order
	Chat     *ChatMessage  `json:"chat,omitempty"`
	History  []ChatMessage `json:"history,omitempty"`
	Text     string        `json:"text,omitempty"` // system/welcome notice text
	TS       int64         `json:"ts,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Body is the tagged payload union of a chat message. Exactly one variant is
// populated, selected by Kind.
type Body struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
	Data string `json:"data,omitempty"` // image: base64-encoded bytes
	Name string `json:"name,omitempty"` // sticker: sticker identifier
}

// Validate checks the union is well-formed. It is called at the transport
// boundary, so nothing malformed reaches the router or the history store.
func (b *Body) Validate() error {
	if b == nil {
		return fmt.Errorf("message body is required")
	}
	switch b.Kind {
	case KindText:
		if strings.TrimSpace(b.Text) == "" {
			return fmt.Errorf("text body must not be empty")
		}
		if len(b.Text) > MaxTextLength {
			return fmt.Errorf("text body must not exceed %d bytes", MaxTextLength)
		}
		if b.Data != "" || b.Name != "" {
			return fmt.Errorf("text body must not carry image or sticker fields")
		}
	case KindImage:
		if b.Data == "" {
			return fmt.Errorf("image body requires data")
		}
		if len(b.Data) > MaxImageBytes {
			return fmt.Errorf("image data must not exceed %d bytes", MaxImageBytes)
		}
		if b.Name != "" {
			return fmt.Errorf("image body must not carry sticker fields")
		}
	case KindSticker:
		if b.Name == "" {
			return fmt.Errorf("sticker body requires a sticker name")
		}
		if b.Text != "" || b.Data != "" {
			return fmt.Errorf("sticker body must not carry text or image fields")
		}
	default:
		return fmt.Errorf("unknown body kind %q", b.Kind)
	}
	return nil
}

// ChatMessage is one routed chat message, as delivered and as persisted.
type ChatMessage struct {
	ID       int64  `json:"id,omitempty"`
	SenderID string `json:"sender_id"`
	Sender   string `json:"sender"`
	Body     Body   `json:"body"`
	TS       int64  `json:"ts"` // Unix milliseconds at router arrival
	Scope    string `json:"scope"`
	Target   string `json:"target,omitempty"`
}

// ValidName trims whitespace from s and returns the trimmed string, or an
// error if the result is empty or exceeds MaxNameLength bytes.
func ValidName(s string) (string, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return "", fmt.Errorf("name must not be empty")
	case len(s) > MaxNameLength:
		return "", fmt.Errorf("name must not exceed %d characters", MaxNameLength)
	}
	return s, nil
}

// ValidScope reports whether scope is one of the three routing scopes and
// whether it requires a target.
func ValidScope(scope, target string) error {
	switch scope {
	case ScopePublic:
		return nil
	case ScopePrivate, ScopeGroup:
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("%s scope requires a target", scope)
		}
		return nil
	default:
		return fmt.Errorf("unknown scope %q", scope)
	}
}
