package core

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

const shopDomainSuffix = ".myshopify.com"

type OnlineAccessInfo struct {
	ExpiresIn           int      `json:"expires_in"`
	AssociatedUserScope string   `json:"associated_user_scope"`
	UserID              int64    `json:"user_id"`
	FirstName           string   `json:"first_name,omitempty"`
	LastName            string   `json:"last_name,omitempty"`
	Email               string   `json:"email,omitempty"`
	AccountOwner        bool     `json:"account_owner"`
	Locale              string   `json:"locale,omitempty"`
	Collaborator        bool     `json:"collaborator"`
	EmailVerified       bool     `json:"email_verified"`
	ExtraScopes         []string `json:"extra_scopes,omitempty"`
}

// Session is the per-shop credential state used to call the Admin API.
type Session struct {
	ID               string
	Shop             string
	State            string
	IsOnline         bool
	Scope            string
	Expires          *time.Time
	AccessToken      string
	OnlineAccessInfo *OnlineAccessInfo
}

func OfflineSessionID(shop string) string {
	return "offline_" + strings.ToLower(strings.TrimSpace(shop))
}

func OnlineSessionID(shop string, userID string) string {
	return strings.ToLower(strings.TrimSpace(shop)) + "_" + strings.TrimSpace(userID)
}

func (s Session) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("core: session id is required")
	}
	if _, err := SanitizeShop(s.Shop); err != nil {
		return err
	}
	return nil
}

func (s Session) IsExpired(now time.Time) bool {
	if s.Expires == nil {
		return false
	}
	return !now.Before(*s.Expires)
}

// IsActive reports whether the session has a token, is not expired and
// covers every scope in required.
func (s Session) IsActive(required []string, now time.Time) bool {
	if strings.TrimSpace(s.AccessToken) == "" || s.IsExpired(now) {
		return false
	}
	granted := s.Scopes()
	for _, scope := range required {
		if !scopeGranted(granted, scope) {
			return false
		}
	}
	return true
}

func (s Session) Scopes() []string {
	return splitScopes(s.Scope)
}

func (s Session) Clone() Session {
	cloned := s
	if s.Expires != nil {
		value := *s.Expires
		cloned.Expires = &value
	}
	if s.OnlineAccessInfo != nil {
		info := *s.OnlineAccessInfo
		info.ExtraScopes = append([]string(nil), s.OnlineAccessInfo.ExtraScopes...)
		cloned.OnlineAccessInfo = &info
	}
	return cloned
}

// SanitizeShop accepts "name" or "name.myshopify.com" and returns the
// canonical lowercase domain.
func SanitizeShop(shop string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(shop))
	trimmed = strings.TrimPrefix(trimmed, "https://")
	trimmed = strings.TrimPrefix(trimmed, "http://")
	trimmed = strings.TrimSuffix(trimmed, "/")
	if trimmed == "" {
		return "", fmt.Errorf("core: shop domain is required")
	}
	if !strings.Contains(trimmed, ".") {
		trimmed += shopDomainSuffix
	}
	if !strings.HasSuffix(trimmed, shopDomainSuffix) {
		return "", fmt.Errorf("core: invalid shop domain %q", shop)
	}
	name := strings.TrimSuffix(trimmed, shopDomainSuffix)
	if name == "" || !validShopName(name) {
		return "", fmt.Errorf("core: invalid shop domain %q", shop)
	}
	return trimmed, nil
}

func validShopName(name string) bool {
	if strings.HasPrefix(name, "-") {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
		default:
			return false
		}
	}
	return true
}

// write_x implies read_x.
func scopeGranted(granted []string, scope string) bool {
	scope = strings.TrimSpace(scope)
	if scope == "" || slices.Contains(granted, scope) {
		return true
	}
	if rest, ok := strings.CutPrefix(scope, "read_"); ok {
		return slices.Contains(granted, "write_"+rest)
	}
	if rest, ok := strings.CutPrefix(scope, "unauthenticated_read_"); ok {
		return slices.Contains(granted, "unauthenticated_write_"+rest)
	}
	return false
}
