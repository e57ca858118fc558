// Package policy holds the operator-authored configuration: the blocklist,
// allowlist, user categories and native NextDNS parental-control settings.
// A loaded Policy is an immutable snapshot; edits go through atomic file
// replacement and are picked up at the next tick.
package policy

import (
	"ndb/internal/schedule"
)

// DomainEntry is one managed domain in the blocklist or allowlist.
type DomainEntry struct {
	Domain       string             `json:"domain"`
	Description  string             `json:"description,omitempty"`
	UnblockDelay string             `json:"unblock_delay,omitempty"`
	Schedule     *schedule.Schedule `json:"schedule,omitempty"`
	Locked       bool               `json:"locked,omitempty"`
}

// Category is a user-defined domain group sharing one schedule and delay.
type Category struct {
	ID           string             `json:"id"`
	Description  string             `json:"description,omitempty"`
	Domains      []string           `json:"domains"`
	UnblockDelay string             `json:"unblock_delay,omitempty"`
	Schedule     *schedule.Schedule `json:"schedule,omitempty"`
	Locked       bool               `json:"locked,omitempty"`
}

// NativeEntry is a NextDNS-curated parental-control category or service.
type NativeEntry struct {
	ID           string             `json:"id"`
	UnblockDelay string             `json:"unblock_delay,omitempty"`
	Schedule     *schedule.Schedule `json:"schedule,omitempty"`
	Locked       bool               `json:"locked,omitempty"`
}

// ParentalControlFlags are the profile-wide parental-control booleans.
type ParentalControlFlags struct {
	SafeSearch            *bool `json:"safe_search,omitempty"`
	YouTubeRestrictedMode *bool `json:"youtube_restricted_mode,omitempty"`
	BlockBypass           *bool `json:"block_bypass,omitempty"`
}

// NextDNSSection groups native categories, services and global flags.
type NextDNSSection struct {
	Categories      []NativeEntry         `json:"categories,omitempty"`
	Services        []NativeEntry         `json:"services,omitempty"`
	ParentalControl *ParentalControlFlags `json:"parental_control,omitempty"`
}

// Settings carries the evaluation timezone and operator preferences.
type Settings struct {
	Timezone string `json:"timezone"`
	Editor   string `json:"editor,omitempty"`
}

// Protection configures locked-item removal delays.
type Protection struct {
	UnlockDelayHours int `json:"unlock_delay_hours,omitempty"`
}

// Policy is the full operator configuration loaded from config.json.
// The notifications block is opaque to the core and handed verbatim to the
// notification adapters.
type Policy struct {
	Version       string          `json:"version"`
	Settings      Settings        `json:"settings"`
	Notifications map[string]any  `json:"notifications,omitempty"`
	Blocklist     []DomainEntry   `json:"blocklist"`
	Allowlist     []DomainEntry   `json:"allowlist,omitempty"`
	Categories    []Category      `json:"categories,omitempty"`
	NextDNS       *NextDNSSection `json:"nextdns,omitempty"`
	Protection    *Protection     `json:"protection,omitempty"`
}

// Default protection delays, hours.
const (
	DefaultUnlockDelayHours = 48
	MinUnlockDelayHours     = 24
)

// NativeCategories is the closed set of NextDNS parental-control categories.
var NativeCategories = map[string]bool{
	"gambling":        true,
	"porn":            true,
	"dating":          true,
	"piracy":          true,
	"social-networks": true,
	"gaming":          true,
	"video-streaming": true,
}

// NativeServices is the closed set of NextDNS parental-control services.
var NativeServices = map[string]bool{
	"9gag": true, "amazon": true, "bereal": true, "blizzard": true,
	"chatgpt": true, "dailymotion": true, "discord": true, "disneyplus": true,
	"ebay": true, "facebook": true, "fortnite": true, "google-chat": true,
	"hbomax": true, "hulu": true, "imgur": true, "instagram": true,
	"leagueoflegends": true, "mastodon": true, "messenger": true,
	"minecraft": true, "netflix": true, "pinterest": true, "primevideo": true,
	"reddit": true, "roblox": true, "signal": true, "skype": true,
	"snapchat": true, "spotify": true, "steam": true, "telegram": true,
	"tiktok": true, "tinder": true, "tumblr": true, "twitch": true,
	"twitter": true, "vimeo": true, "vk": true, "whatsapp": true,
	"youtube": true, "zoom": true,
}

// UnblockDelayFor returns the effective unblock delay string for a blocklist
// domain, falling back to instant when unset. Category members inherit the
// category's delay.
func (p *Policy) UnblockDelayFor(domain string) string {
	domain = NormalizeDomain(domain)
	for _, d := range p.Blocklist {
		if NormalizeDomain(d.Domain) == domain {
			if d.Locked {
				return DelayNever
			}
			if d.UnblockDelay == "" {
				return DelayInstant
			}
			return d.UnblockDelay
		}
	}
	for _, c := range p.Categories {
		for _, member := range c.Domains {
			if NormalizeDomain(member) == domain {
				if c.Locked {
					return DelayNever
				}
				if c.UnblockDelay == "" {
					return DelayInstant
				}
				return c.UnblockDelay
			}
		}
	}
	return ""
}

// FindBlocklisted reports whether a domain is managed by the blocklist or a
// user category.
func (p *Policy) FindBlocklisted(domain string) bool {
	return p.UnblockDelayFor(domain) != ""
}

// Timezone returns the configured IANA zone name.
func (p *Policy) Timezone() string {
	return p.Settings.Timezone
}
