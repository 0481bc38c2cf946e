package domain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// JoinLinkParam is the query parameter a join token travels in.
const JoinLinkParam = "join"

// JoinLink is handed out-of-band from host to guest.
type JoinLink struct {
	ConversationID uuid.UUID         `json:"conversationId"`
	Credentials    RemoteCredentials `json:"credentials"`
}

// EncodeJoinLink returns base64url(JSON(link)).
func EncodeJoinLink(link JoinLink) (string, error) {
	raw, err := json.Marshal(link)
	if err != nil {
		return "", fmt.Errorf("marshal join link: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// JoinURL embeds the encoded link into base as ?join=<token>.
func JoinURL(base string, link JoinLink) (string, error) {
	token, err := EncodeJoinLink(link)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse join base url: %w", err)
	}
	q := u.Query()
	q.Set(JoinLinkParam, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DecodeJoinLink accepts either a bare token or a URL carrying ?join=.
func DecodeJoinLink(s string) (JoinLink, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return JoinLink{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		s = u.Query().Get(JoinLinkParam)
	}
	if s == "" {
		return JoinLink{}, fmt.Errorf("%w: empty join link", ErrInvalidInput)
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return JoinLink{}, fmt.Errorf("%w: join link encoding: %v", ErrInvalidInput, err)
	}
	var link JoinLink
	if err := json.Unmarshal(raw, &link); err != nil {
		return JoinLink{}, fmt.Errorf("%w: join link json: %v", ErrInvalidInput, err)
	}
	if link.ConversationID == uuid.Nil {
		return JoinLink{}, fmt.Errorf("%w: join link without conversation", ErrInvalidInput)
	}
	if err := link.Credentials.Validate(); err != nil {
		return JoinLink{}, fmt.Errorf("%w: join link credentials", ErrInvalidInput)
	}
	return link, nil
}
