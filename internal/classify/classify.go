package classify

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"shelfwatch/internal/domain"
)

var waitWeeksExpr = regexp.MustCompile(`(\d+)\s*week`)

// waitSelectors locate waitlist widgets that may carry a wait estimate.
var waitSelectors = []string{
	".waitlist-info",
	`[class*="wait"]`,
	".hold-info",
}

// Outcome is the classifier's verdict for one rendered search page.
type Outcome struct {
	Status       domain.Status
	WaitEstimate string
	Message      string
}

// Classifier maps rendered page content to a normalized availability status
// by evaluating an ordered rule table. It never emits StatusError; that is
// reserved for resolver-level failures.
type Classifier struct {
	rules []Rule
}

// New builds a classifier. With no rules given it uses DefaultRules.
func New(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// Classify evaluates the rule layers in order and returns the first confident
// match. Pages matching nothing at all are treated as empty result sets.
func (c *Classifier) Classify(doc *goquery.Document) Outcome {
	content := ""
	if raw, err := doc.Html(); err == nil {
		content = strings.ToLower(raw)
	}

	for _, rule := range c.rules {
		switch rule.Kind {
		case KindSelector:
			if doc.Find(rule.Pattern).Length() == 0 {
				continue
			}
			out := Outcome{Status: rule.Status, Message: structuralMessage(rule.Status)}
			if rule.Status == domain.StatusHold {
				out.WaitEstimate = extractWaitEstimate(doc)
			}
			return out

		case KindKeyword:
			if !strings.Contains(content, rule.Pattern) {
				continue
			}
			if rule.Status == domain.StatusNotFound {
				return Outcome{Status: rule.Status, Message: "No results found"}
			}
			return Outcome{Status: rule.Status, Message: "Detected via keyword: " + rule.Pattern}

		case KindResultPresence:
			if doc.Find(rule.Pattern).Length() == 0 {
				continue
			}
			return Outcome{Status: rule.Status, Message: "Found results but couldn't determine availability"}
		}
	}

	return Outcome{Status: domain.StatusNotFound, Message: "No matching titles found"}
}

func structuralMessage(status domain.Status) string {
	if status == domain.StatusHold {
		return "Available to place hold"
	}
	return "Available to borrow"
}

// extractWaitEstimate pulls a "N weeks" estimate from waitlist text when one
// is present. Absence of an estimate is not an error.
func extractWaitEstimate(doc *goquery.Document) string {
	estimate := ""
	for _, sel := range waitSelectors {
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			text := strings.ToLower(s.Text())
			if !strings.Contains(text, "week") {
				return true
			}
			if m := waitWeeksExpr.FindStringSubmatch(text); m != nil {
				estimate = m[1] + " weeks"
				return false
			}
			return true
		})
		if estimate != "" {
			return estimate
		}
	}
	return ""
}
