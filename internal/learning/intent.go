// Package learning remembers which analytical queries worked for a dataset
// and a topical intent, and hands them back as few-shot exemplars.
package learning

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultIntent is returned when no bucket matches.
const DefaultIntent = "general"

// Bucket is a named intent and the keywords that select it. A keyword
// without spaces matches any word it prefixes ("vend" matches "vendas");
// a keyword with spaces must appear as a phrase.
type Bucket struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

// DefaultBuckets is used when no catalog is configured.
var DefaultBuckets = []Bucket{
	{Name: "receivables", Keywords: []string{"receber", "receivable", "inadimpl", "vencid", "cobranca", "boleto", "titulos em aberto", "overdue"}},
	{Name: "payables", Keywords: []string{"pagar", "payable", "fornecedor", "supplier", "despesa", "expense"}},
	{Name: "inventory", Keywords: []string{"estoque", "inventor", "stock", "armazem", "warehouse", "ruptura"}},
	{Name: "sales", Keywords: []string{"vend", "fatur", "receita", "sales", "sold", "revenue", "ticket medio", "pedido", "order"}},
	{Name: "customers", Keywords: []string{"cliente", "customer", "churn"}},
	{Name: "products", Keywords: []string{"produto", "product", "sku", "categoria", "category"}},
}

// Classifier maps free text to an intent bucket. Buckets are tried in
// order and the first match wins, so the same text always yields the same
// intent.
type Classifier struct {
	buckets []Bucket
}

// NewClassifier builds a Classifier. Keywords are normalized the same way
// questions are. A nil or empty list falls back to DefaultBuckets.
func NewClassifier(buckets []Bucket) *Classifier {
	if len(buckets) == 0 {
		buckets = DefaultBuckets
	}
	c := &Classifier{}
	for _, b := range buckets {
		name := strings.TrimSpace(b.Name)
		if name == "" {
			continue
		}
		nb := Bucket{Name: name}
		for _, kw := range b.Keywords {
			if k := strings.Join(tokens(Normalize(kw)), " "); k != "" {
				nb.Keywords = append(nb.Keywords, k)
			}
		}
		c.buckets = append(c.buckets, nb)
	}
	return c
}

// Classify returns the intent of question.
func (c *Classifier) Classify(question string) string {
	words := tokens(Normalize(question))
	if len(words) == 0 {
		return DefaultIntent
	}
	phrase := " " + strings.Join(words, " ") + " "

	for _, b := range c.buckets {
		for _, kw := range b.Keywords {
			if strings.Contains(kw, " ") {
				if strings.Contains(phrase, " "+kw) {
					return b.Name
				}
				continue
			}
			for _, w := range words {
				if strings.HasPrefix(w, kw) {
					return b.Name
				}
			}
		}
	}
	return DefaultIntent
}

// Buckets returns the normalized bucket list.
func (c *Classifier) Buckets() []Bucket {
	out := make([]Bucket, len(c.buckets))
	copy(out, c.buckets)
	return out
}

// Normalize lowercases s and strips diacritics: "Faturação" becomes "faturacao".
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

func tokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
