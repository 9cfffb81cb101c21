// Package classifier infers entity type, language and topical category.
// Every function is pure: the same input always yields the same output, so
// stored entities can be reclassified without contacting the platform.
package classifier

import (
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/blockedby/tg-crawler/internal/config"
	"github.com/blockedby/tg-crawler/internal/models"
	"github.com/blockedby/tg-crawler/internal/telegram"
)

// stemMinRunes is the shortest single-word keyword that also matches as a
// token prefix ("инвест" matches "инвестиции").
const stemMinRunes = 4

// ClassifyType maps raw platform flags to an entity type. Megagroup
// indicators take precedence over the broadcast flag.
func ClassifyType(f telegram.EntityFlags) models.EntityType {
	switch {
	case f.Broadcast && f.Megagroup:
		return models.EntityMegagroup
	case f.Broadcast:
		return models.EntityChannel
	case f.Megagroup:
		return models.EntityMegagroup
	case f.Gigagroup:
		return models.EntityMegagroup
	case f.Forum:
		return models.EntityForum
	case f.ChatLike:
		return models.EntityGroup
	default:
		return models.EntityUnknown
	}
}

type keywordSet struct {
	name   string
	single []string
	multi  []string
}

// Classifier scores text against keyword tables.
type Classifier struct {
	languages  []keywordSet
	categories []keywordSet
	markers    map[string]bool
}

// New builds a classifier from keyword tables.
func New(tables config.KeywordTables) *Classifier {
	c := &Classifier{markers: make(map[string]bool)}
	for _, l := range tables.Languages {
		set := compile(strings.ToLower(l.Code), l.Keywords)
		c.languages = append(c.languages, set)
		for _, kw := range set.single {
			c.markers[kw] = true
		}
	}
	for _, cat := range tables.Categories {
		c.categories = append(c.categories, compile(strings.ToLower(cat.Name), cat.Keywords))
	}
	return c
}

func compile(name string, keywords []string) keywordSet {
	set := keywordSet{name: name}
	for _, kw := range keywords {
		tokens := Tokenize(kw)
		switch len(tokens) {
		case 0:
		case 1:
			set.single = append(set.single, tokens[0])
		default:
			set.multi = append(set.multi, strings.Join(tokens, " "))
		}
	}
	return set
}

// DetectLanguage returns the code of the best scoring language, or
// models.Unknown when no keyword matches.
func (c *Classifier) DetectLanguage(text string) string {
	return best(c.languages, Tokenize(text))
}

// DetectCategory returns the best scoring category over title and
// description, or models.Unknown when no keyword matches.
func (c *Classifier) DetectCategory(title, description string) string {
	return best(c.categories, Tokenize(title+"\n"+description))
}

// best picks the highest score; ties go to the earlier table entry.
func best(sets []keywordSet, tokens []string) string {
	winner, top := models.Unknown, 0
	if len(tokens) == 0 {
		return winner
	}
	joined := " " + strings.Join(tokens, " ") + " "
	for _, set := range sets {
		if s := score(set, tokens, joined); s > top {
			winner, top = set.name, s
		}
	}
	return winner
}

func score(set keywordSet, tokens []string, joined string) int {
	n := 0
	for _, tok := range tokens {
		for _, kw := range set.single {
			if matches(tok, kw) {
				n++
			}
		}
	}
	for _, phrase := range set.multi {
		n += strings.Count(joined, " "+phrase+" ")
	}
	return n
}

func matches(token, keyword string) bool {
	if token == keyword {
		return true
	}
	return len([]rune(keyword)) >= stemMinRunes && strings.HasPrefix(token, keyword)
}

// Normalize applies NFKC and case folding.
func Normalize(text string) string {
	// casers are stateful; never share one between goroutines
	return cases.Fold().String(norm.NFKC.String(text))
}

// Tokenize normalizes text and splits it into letter/digit runs.
func Tokenize(text string) []string {
	return strings.FieldsFunc(Normalize(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.Is(unicode.Mn, r)
	})
}

// ExtractKeywords returns up to n distinctive tokens of text ordered by
// frequency, then first appearance. Short tokens, digits and language marker
// words are skipped.
func (c *Classifier) ExtractKeywords(text string, n int) []string {
	type counted struct {
		token string
		count int
		first int
	}
	index := make(map[string]int)
	var list []counted
	for i, tok := range Tokenize(text) {
		if len([]rune(tok)) < stemMinRunes || c.markers[tok] || isNumber(tok) {
			continue
		}
		if j, ok := index[tok]; ok {
			list[j].count++
			continue
		}
		index[tok] = len(list)
		list = append(list, counted{token: tok, count: 1, first: i})
	}

	slices.SortStableFunc(list, func(a, b counted) int {
		if a.count != b.count {
			return b.count - a.count
		}
		return a.first - b.first
	})

	out := make([]string, 0, min(n, len(list)))
	for _, kw := range list {
		if len(out) == n {
			break
		}
		out = append(out, kw.token)
	}
	return out
}

// Coverage returns the fraction of keywords found in text, using the same
// token and stem matching as the detectors.
func Coverage(keywords []string, text string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	tokens := Tokenize(text)
	hits := 0
	for _, kw := range keywords {
		for _, tok := range tokens {
			if matches(tok, kw) {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(len(keywords))
}

func isNumber(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
