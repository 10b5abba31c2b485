package dialogue

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Intent is the coarse classification of one inbound message.
type Intent int

const (
	Unclassified Intent = iota
	Greeting
	ListingsRequest
	PhotoRequest
	VisitRequest
	CategorySelection
)

func (i Intent) String() string {
	switch i {
	case Greeting:
		return "greeting"
	case ListingsRequest:
		return "listings_request"
	case PhotoRequest:
		return "photo_request"
	case VisitRequest:
		return "visit_request"
	case CategorySelection:
		return "category_selection"
	default:
		return "unclassified"
	}
}

// MatchMode controls where a rule's keywords may appear in the text.
type MatchMode int

const (
	// MatchAnywhere matches a keyword at any word boundary.
	MatchAnywhere MatchMode = iota
	// MatchLeading matches only when the text starts with the keyword.
	MatchLeading
)

// Rule is one row of the ordered classification table.
//
// Keywords are compared after normalization (lowercase, accents removed,
// punctuation collapsed to spaces) and must align with word boundaries.
// A trailing '*' turns a keyword into a word prefix: "foto*" matches
// "foto", "fotos" and "fotografias".
type Rule struct {
	Intent   Intent
	Mode     MatchMode
	Keywords []string
}

// DefaultRules returns the built-in table in priority order. Category
// keywords are not part of it; they come from the catalog.
func DefaultRules() []Rule {
	return []Rule{
		{
			Intent: Greeting,
			Mode:   MatchLeading,
			Keywords: []string{
				"hola", "holi", "buenas", "buen dia", "buenos dias",
				"buenas tardes", "buenas noches", "saludos", "que tal",
				"hi", "hello", "hey", "good morning", "good afternoon",
			},
		},
		{
			Intent: ListingsRequest,
			Keywords: []string{
				"disponib*", "informacion", "info", "inventario", "catalogo",
				"precio*", "costo*", "opciones", "que tienen", "que ofrecen",
				"available", "availability", "listing*", "information", "price*",
			},
		},
		{
			Intent: PhotoRequest,
			Keywords: []string{
				"foto*", "imagen*", "image*", "photo*", "picture*", "pics",
			},
		},
		{
			Intent: VisitRequest,
			Keywords: []string{
				"visita*", "agend*", "cita", "citas", "recorrido*", "conocer",
				"ir a ver", "tour*", "visit*", "schedule", "appointment*",
			},
		},
	}
}

type compiledRule struct {
	intent   Intent
	mode     MatchMode
	keywords []keyword
}

type keyword struct {
	text   string
	prefix bool
}

// Classifier maps text to an Intent using an ordered rule table. The first
// matching rule wins. It is safe for concurrent use.
type Classifier struct {
	rules []compiledRule
}

// NewClassifier builds a classifier from rules followed by a
// CategorySelection rule made of every catalog keyword.
func NewClassifier(rules []Rule, catalog *Catalog) *Classifier {
	c := &Classifier{}
	for _, r := range rules {
		c.rules = append(c.rules, compileRule(r))
	}
	if catalog != nil {
		var kws []string
		for _, cat := range catalog.Categories {
			kws = append(kws, cat.Keywords...)
		}
		if len(kws) > 0 {
			c.rules = append(c.rules, compileRule(Rule{Intent: CategorySelection, Keywords: kws}))
		}
	}
	return c
}

func compileRule(r Rule) compiledRule {
	cr := compiledRule{intent: r.Intent, mode: r.Mode}
	for _, raw := range r.Keywords {
		prefix := strings.HasSuffix(raw, "*")
		text := strings.TrimSpace(normalize(strings.TrimSuffix(raw, "*")))
		if text == "" {
			continue
		}
		cr.keywords = append(cr.keywords, keyword{text: text, prefix: prefix})
	}
	return cr
}

// Classify returns the intent of text.
func (c *Classifier) Classify(text string) Intent {
	padded := " " + normalize(text) + " "
	if strings.TrimSpace(padded) == "" {
		return Unclassified
	}
	for _, r := range c.rules {
		if r.matches(padded) {
			return r.intent
		}
	}
	return Unclassified
}

// matches reports whether any keyword occurs in padded, which must be a
// normalized text surrounded by single spaces.
func (r compiledRule) matches(padded string) bool {
	for _, kw := range r.keywords {
		needle := " " + kw.text
		if !kw.prefix {
			needle += " "
		}
		switch r.mode {
		case MatchLeading:
			if strings.HasPrefix(padded, needle) {
				return true
			}
		default:
			if strings.Contains(padded, needle) {
				return true
			}
		}
	}
	return false
}

// normalize lowercases s, strips diacritics and collapses every run of
// non-alphanumeric runes into a single space.
func normalize(s string) string {
	// Chains carry state, so each call builds its own.
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	space := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space && b.Len() > 0 {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimRight(b.String(), " ")
}
