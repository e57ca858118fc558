package policy

import (
	"fmt"
	"strings"
)

// FindCategory returns the category with the given id, matched
// case-insensitively, or nil.
func (p *Policy) FindCategory(id string) *Category {
	for i := range p.Categories {
		if strings.EqualFold(p.Categories[i].ID, id) {
			return &p.Categories[i]
		}
	}
	return nil
}

// domainOwner reports which list already manages domain: "blocklist",
// "allowlist", `category "x"`, or "" when unmanaged.
func (p *Policy) domainOwner(domain string) string {
	d := NormalizeDomain(domain)
	for _, e := range p.Blocklist {
		if NormalizeDomain(e.Domain) == d {
			return "blocklist"
		}
	}
	for _, e := range p.Allowlist {
		if NormalizeDomain(e.Domain) == d {
			return "allowlist"
		}
	}
	for _, c := range p.Categories {
		for _, member := range c.Domains {
			if NormalizeDomain(member) == d {
				return fmt.Sprintf("category %q", c.ID)
			}
		}
	}
	return ""
}

// CreateCategory appends a new empty category. The delay string has already
// been syntax-checked by the caller when non-empty.
func (p *Policy) CreateCategory(id, description, delay string) error {
	if !ValidCategoryID(id) {
		return fmt.Errorf("invalid category id %q: lowercase letters, digits and hyphens, starting with a letter", id)
	}
	if p.FindCategory(id) != nil {
		return fmt.Errorf("category %q already exists", id)
	}
	if delay != "" && !ValidDelay(delay) {
		return fmt.Errorf("invalid unblock_delay %q", delay)
	}
	p.Categories = append(p.Categories, Category{
		ID:           id,
		Description:  description,
		Domains:      []string{},
		UnblockDelay: delay,
	})
	return nil
}

// DeleteCategory removes a category and returns how many domains it freed.
// Locked categories cannot be deleted.
func (p *Policy) DeleteCategory(id string) (int, error) {
	for i := range p.Categories {
		if !strings.EqualFold(p.Categories[i].ID, id) {
			continue
		}
		if p.Categories[i].Locked {
			return 0, fmt.Errorf("category %q is locked and cannot be deleted", p.Categories[i].ID)
		}
		freed := len(p.Categories[i].Domains)
		p.Categories = append(p.Categories[:i], p.Categories[i+1:]...)
		return freed, nil
	}
	return 0, fmt.Errorf("no category %q", id)
}

// AddCategoryDomain adds a domain to a category. The domain must be valid
// and not already managed elsewhere in the policy.
func (p *Policy) AddCategoryDomain(id, domain string) error {
	c := p.FindCategory(id)
	if c == nil {
		return fmt.Errorf("no category %q", id)
	}
	d := NormalizeDomain(domain)
	if !ValidDomain(d) {
		return fmt.Errorf("invalid domain %q", domain)
	}
	if owner := p.domainOwner(d); owner != "" {
		return fmt.Errorf("%s is already managed by the %s", d, owner)
	}
	c.Domains = append(c.Domains, d)
	return nil
}

// RemoveCategoryDomain removes a domain from a category. Removing from a
// locked category is refused.
func (p *Policy) RemoveCategoryDomain(id, domain string) error {
	c := p.FindCategory(id)
	if c == nil {
		return fmt.Errorf("no category %q", id)
	}
	if c.Locked {
		return fmt.Errorf("category %q is locked, its domains cannot be removed", c.ID)
	}
	d := NormalizeDomain(domain)
	for i, member := range c.Domains {
		if NormalizeDomain(member) == d {
			c.Domains = append(c.Domains[:i], c.Domains[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%s is not in category %q", d, c.ID)
}
