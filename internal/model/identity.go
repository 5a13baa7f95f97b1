package model

import (
	"fmt"
	"sort"
	"strings"
)

type UserID string

type Identity struct {
	UserID      UserID            `json:"userId" db:"user_id"`
	DisplayName string            `json:"displayName" db:"display_name"`
	AvatarURL   string            `json:"avatarUrl" db:"avatar_url"`
	FirstName   string            `json:"firstName" db:"first_name"`
	LastName    string            `json:"lastName" db:"last_name"`
	Email       string            `json:"email" db:"email"`
	Phone       string            `json:"phone" db:"phone"`
	Metadata    map[string]string `json:"metadata,omitempty" db:"-"`
}

// Name is the best human-readable name available for the identity.
func (i Identity) Name() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	if full := strings.TrimSpace(i.FirstName + " " + i.LastName); full != "" {
		return full
	}
	return string(i.UserID)
}

type Conversation struct {
	ID           ConversationID    `json:"id"`
	Participants []UserID          `json:"participants,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// FlattenMetadata turns nested platform metadata into dotted string keys so
// templates can index it without type assertions.
func FlattenMetadata(metadata map[string]interface{}) map[string]string {
	flat := map[string]string{}
	flatten("", metadata, flat)
	return flat
}

func flatten(prefix string, value interface{}, out map[string]string) {
	switch v := value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, v[k], out)
		}
	case nil:
		if prefix != "" {
			out[prefix] = ""
		}
	case string:
		out[prefix] = v
	default:
		out[prefix] = fmt.Sprint(v)
	}
}
