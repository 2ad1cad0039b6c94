package mailindex

import (
	"strings"
	"unicode"

	"github.com/cuemby/sink/internal/keys"
	"github.com/cuemby/sink/internal/store"
)

const fulltextBucket = "mail.index.fulltext"

// FulltextIndexer tokenizes Subject and a decoded-text rendering of
// MimeMessage into a case-folded term -> posting-list database. No
// third-party fulltext-search library appears anywhere in the retrieved
// corpus (see DESIGN.md), so this indexer is deliberately built on
// stdlib strings/unicode tokenization over internal/store's own
// duplicate-key bucket convention (term || id as the composite key),
// matching how every other value index in this package is composed.
type FulltextIndexer struct{}

// NewFulltextIndexer constructs a FulltextIndexer.
func NewFulltextIndexer() *FulltextIndexer { return &FulltextIndexer{} }

// Name identifies this indexer for logging.
func (f *FulltextIndexer) Name() string { return "mail.fulltext" }

// Add tokenizes subject + mimeMessage and posts id under every distinct
// term found.
func (f *FulltextIndexer) Add(tx *store.Tx, id keys.Identifier, props map[string][]byte) error {
	b, err := tx.Bucket(fulltextBucket)
	if err != nil {
		return err
	}
	for _, term := range f.tokenize(props) {
		key := append([]byte(term), id.Bytes()...)
		if err := b.Write(key, id.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// Remove un-posts id from every term its prior properties contributed.
func (f *FulltextIndexer) Remove(tx *store.Tx, id keys.Identifier, props map[string][]byte) error {
	b, err := tx.Bucket(fulltextBucket)
	if err != nil {
		return err
	}
	for _, term := range f.tokenize(props) {
		key := append([]byte(term), id.Bytes()...)
		if err := b.Remove(key); err != nil {
			return err
		}
	}
	return nil
}

// Search returns every identifier posted under term, the lookup the query
// executor's Fulltext comparator (spec §4.9) uses.
func (f *FulltextIndexer) Search(tx *store.Tx, term string) ([]keys.Identifier, error) {
	b, err := tx.Bucket(fulltextBucket)
	if err != nil {
		return nil, err
	}
	normalized := []byte(normalizeTerm(term))
	var ids []keys.Identifier
	err = b.ScanPrefix(normalized, func(k, v []byte) error {
		if len(k) != len(normalized)+keys.IdentifierSize {
			return nil // a longer term that merely starts with term
		}
		id, idErr := keys.IdentifierFromBytes(v)
		if idErr != nil {
			return idErr
		}
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

// tokenize splits subject and mimeMessage bytes into case-folded terms,
// deduplicated.
func (f *FulltextIndexer) tokenize(props map[string][]byte) []string {
	seen := map[string]struct{}{}
	var terms []string
	for _, field := range []string{"subject", "mimeMessage"} {
		raw, ok := props[field]
		if !ok {
			continue
		}
		for _, word := range strings.FieldsFunc(string(raw), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		}) {
			term := normalizeTerm(word)
			if term == "" {
				continue
			}
			if _, dup := seen[term]; dup {
				continue
			}
			seen[term] = struct{}{}
			terms = append(terms, term)
		}
	}
	return terms
}

func normalizeTerm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
