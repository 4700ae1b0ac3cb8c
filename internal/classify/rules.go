package classify

import "shelfwatch/internal/domain"

// RuleKind selects how a rule's pattern is evaluated.
type RuleKind int

const (
	// KindSelector matches when at least one element satisfies a CSS selector.
	KindSelector RuleKind = iota
	// KindKeyword matches a substring of the lower-cased page content.
	KindKeyword
	// KindResultPresence matches when any result card exists at all; it only
	// fires after every keyword rule above it has missed.
	KindResultPresence
)

// Rule is one detection layer entry. The classifier walks rules strictly in
// slice order and returns at the first match, so precedence is data, not
// control flow.
type Rule struct {
	Kind    RuleKind
	Pattern string
	Status  domain.Status
}

// DefaultRules returns the detection layers in priority order: structural
// borrow hooks, structural hold hooks, free-text keywords, result presence,
// and explicit no-results phrases. Structural rules run first because keyword
// scans can false-positive ("no copies available" also signals a waitlist).
func DefaultRules() []Rule {
	rules := make([]Rule, 0, 32)

	for _, sel := range []string{
		".is-borrow",
		".js-borrow",
		`a[aria-label*="Borrow"]`,
		".TitleCard-badge--available",
		`[data-availability="available"]`,
		".badge-available",
		".availability-badge.available",
	} {
		rules = append(rules, Rule{Kind: KindSelector, Pattern: sel, Status: domain.StatusAvailable})
	}

	for _, sel := range []string{
		".is-hold",
		".js-hold",
		`a[aria-label*="Place a hold"]`,
		".TitleCard-badge--waitlist",
		`[data-availability="waitlist"]`,
	} {
		rules = append(rules, Rule{Kind: KindSelector, Pattern: sel, Status: domain.StatusHold})
	}

	for _, kw := range []string{
		"borrow now",
		"available to borrow",
		"check out",
		"copies available",
	} {
		rules = append(rules, Rule{Kind: KindKeyword, Pattern: kw, Status: domain.StatusAvailable})
	}

	for _, kw := range []string{
		"place a hold",
		"join waitlist",
		"people waiting",
		"wait list",
		"no copies available",
	} {
		rules = append(rules, Rule{Kind: KindKeyword, Pattern: kw, Status: domain.StatusHold})
	}

	rules = append(rules, Rule{
		Kind:    KindResultPresence,
		Pattern: `.TitleCard, .title-card, [class*="TitleCard"]`,
		Status:  domain.StatusUnknown,
	})

	for _, kw := range []string{
		"no results found",
		"didn't match any titles",
		"no titles found",
		"we couldn't find",
	} {
		rules = append(rules, Rule{Kind: KindKeyword, Pattern: kw, Status: domain.StatusNotFound})
	}

	return rules
}
