package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrKeywordsNotFound is returned when the keyword table file does not exist.
var ErrKeywordsNotFound = errors.New("keyword table file not found")

// Category is a topical category: the terms it is searched with and the
// keywords that identify it in titles and descriptions.
type Category struct {
	Name     string   `yaml:"name"`
	Terms    []string `yaml:"terms"`
	Keywords []string `yaml:"keywords"`
}

// Language is a detectable language with its marker keywords and the terms
// used when searching for entities in that language.
type Language struct {
	Code        string   `yaml:"code"`
	Keywords    []string `yaml:"keywords"`
	SearchTerms []string `yaml:"search_terms"`
}

// KeywordTables holds the category and language tables. Order matters:
// score ties are resolved in favour of the earlier entry.
type KeywordTables struct {
	Categories []Category `yaml:"categories"`
	Languages  []Language `yaml:"languages"`
}

// LoadKeywordTables reads keyword tables from a YAML file.
func LoadKeywordTables(path string) (*KeywordTables, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeywordsNotFound
		}
		return nil, err
	}

	var kt KeywordTables
	if err := yaml.Unmarshal(data, &kt); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := kt.Validate(); err != nil {
		return nil, err
	}
	return &kt, nil
}

// Validate rejects empty tables, blank names and duplicate codes.
func (kt KeywordTables) Validate() error {
	if len(kt.Categories) == 0 {
		return errors.New("keyword tables: no categories")
	}
	if len(kt.Languages) == 0 {
		return errors.New("keyword tables: no languages")
	}

	seen := make(map[string]bool)
	for _, c := range kt.Categories {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" {
			return errors.New("keyword tables: category without name")
		}
		if seen[name] {
			return fmt.Errorf("keyword tables: duplicate category %q", c.Name)
		}
		seen[name] = true
		if len(c.Keywords) == 0 {
			return fmt.Errorf("keyword tables: category %q has no keywords", c.Name)
		}
	}

	seen = make(map[string]bool)
	for _, l := range kt.Languages {
		code := strings.ToLower(strings.TrimSpace(l.Code))
		if code == "" {
			return errors.New("keyword tables: language without code")
		}
		if seen[code] {
			return fmt.Errorf("keyword tables: duplicate language %q", l.Code)
		}
		seen[code] = true
		if len(l.Keywords) == 0 {
			return fmt.Errorf("keyword tables: language %q has no keywords", l.Code)
		}
	}
	return nil
}

// Category returns the named category (case-insensitive).
func (kt KeywordTables) Category(name string) (Category, bool) {
	for _, c := range kt.Categories {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Category{}, false
}

// Language returns the language with the given code (case-insensitive).
func (kt KeywordTables) Language(code string) (Language, bool) {
	for _, l := range kt.Languages {
		if strings.EqualFold(l.Code, code) {
			return l, true
		}
	}
	return Language{}, false
}

// DefaultKeywordTables returns the built-in tables.
func DefaultKeywordTables() KeywordTables {
	return KeywordTables{
		Categories: []Category{
			{
				Name:     "crypto",
				Terms:    []string{"crypto", "bitcoin", "ethereum", "altcoins", "crypto signals", "defi", "airdrop", "web3"},
				Keywords: []string{"crypto", "bitcoin", "btc", "ethereum", "eth", "altcoin", "blockchain", "defi", "nft", "token", "airdrop", "web3", "binance", "usdt", "криптовалют", "биткоин", "блокчейн"},
			},
			{
				Name:     "forex",
				Terms:    []string{"forex", "forex signals", "fx trading", "gold signals", "eurusd"},
				Keywords: []string{"forex", "fx", "eurusd", "gbpusd", "usdjpy", "xauusd", "pips", "pip", "currency pair", "форекс", "валют"},
			},
			{
				Name:     "investing",
				Terms:    []string{"investing", "stocks", "dividends", "portfolio", "value investing", "etf"},
				Keywords: []string{"invest", "stock", "stocks", "dividend", "portfolio", "etf", "shares", "equity", "bonds", "инвест", "акци", "облигац", "дивиденд"},
			},
			{
				Name:     "trading",
				Terms:    []string{"trading", "day trading", "options trading", "futures", "technical analysis"},
				Keywords: []string{"trading", "trader", "trade", "scalping", "futures", "options", "leverage", "technical analysis", "chart", "трейдинг", "трейдер"},
			},
			{
				Name:     "finance",
				Terms:    []string{"finance", "personal finance", "fintech", "banking"},
				Keywords: []string{"finance", "financial", "fintech", "bank", "banking", "money", "budget", "loan", "финанс", "банк"},
			},
		},
		Languages: []Language{
			{
				Code:        "en",
				Keywords:    []string{"the", "and", "for", "with", "channel", "group", "news", "official", "community", "join", "free", "daily"},
				SearchTerms: []string{"crypto news", "trading community", "investing group"},
			},
			{
				Code:        "ru",
				Keywords:    []string{"и", "в", "на", "канал", "группа", "новости", "чат", "официальный", "сообщество", "для"},
				SearchTerms: []string{"крипто", "трейдинг", "инвестиции", "новости крипта"},
			},
			{
				Code:        "es",
				Keywords:    []string{"el", "la", "los", "las", "canal", "grupo", "noticias", "comunidad", "para", "inversiones"},
				SearchTerms: []string{"criptomonedas", "inversiones", "comunidad trading"},
			},
			{
				Code:        "pt",
				Keywords:    []string{"o", "os", "da", "do", "canal", "grupo", "notícias", "comunidade", "investimentos", "você"},
				SearchTerms: []string{"criptomoedas", "investimentos", "grupo trading"},
			},
			{
				Code:        "de",
				Keywords:    []string{"der", "die", "das", "und", "kanal", "gruppe", "nachrichten", "für", "gemeinschaft"},
				SearchTerms: []string{"krypto", "aktien", "börse"},
			},
			{
				Code:        "fr",
				Keywords:    []string{"le", "les", "des", "et", "chaîne", "groupe", "actualités", "pour", "communauté"},
				SearchTerms: []string{"crypto france", "bourse", "investissement"},
			},
			{
				Code:        "tr",
				Keywords:    []string{"ve", "bir", "kanal", "grup", "haberler", "için", "topluluk", "kripto"},
				SearchTerms: []string{"kripto para", "borsa", "yatırım"},
			},
			{
				Code:        "ar",
				Keywords:    []string{"في", "من", "على", "قناة", "مجموعة", "أخبار", "تداول", "عملات"},
				SearchTerms: []string{"تداول", "عملات رقمية", "فوركس"},
			},
		},
	}
}
