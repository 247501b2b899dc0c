// Package memberquery parses the free-text member search box into key:value tokens
// and compiles them into a filter over an organization's members.
//
// A query such as
//
//	role:admin ssoLinked:true "jane doe"
//
// tokenizes to {query: ["jane doe"], role: ["admin"], ssoLinked: ["true"]}. Bare words
// are collected under the synthetic "query" key.
package memberquery

import (
	"strings"
	"unicode"
)

// QueryKey is the key bare search terms are collected under
const QueryKey = "query"

// Tokens is an ordered multimap from filter key to values.
// Keys keep first-seen order with "query" first; values keep input order.
type Tokens struct {
	keys   []string
	values map[string][]string
}

func (t *Tokens) add(key, value string) {
	if t.values == nil {
		t.values = make(map[string][]string)
	}
	if _, seen := t.values[key]; !seen {
		t.keys = append(t.keys, key)
	}
	t.values[key] = append(t.values[key], value)
}

// Keys returns the token keys in order
func (t Tokens) Keys() []string {
	out := make([]string, len(t.keys))
	copy(out, t.keys)
	return out
}

// Get returns the values for key
func (t Tokens) Get(key string) []string {
	return t.values[key]
}

// Len returns the number of distinct keys
func (t Tokens) Len() int {
	return len(t.keys)
}

// Tokenize splits a raw search string into tokens
func Tokenize(raw string) Tokens {
	var bare, tags []string
	for _, tok := range splitQuery(raw) {
		if strings.EqualFold(tok, "OR") || strings.EqualFold(tok, "AND") {
			continue
		}
		if strings.Trim(tok, "()") == "" {
			continue
		}
		if isTag(tok) {
			tags = append(tags, tok)
		} else {
			bare = append(bare, tok)
		}
	}

	var t Tokens
	for _, b := range bare {
		t.add(QueryKey, strings.Trim(b, `"()`))
	}
	for _, tag := range tags {
		k, v := splitTag(tag)
		t.add(k, v)
	}
	return t
}

// splitQuery splits on unquoted whitespace. Whitespace that follows a word ending
// in ':' does not split, so "key: value" stays together.
func splitQuery(raw string) []string {
	runes := []rune(raw)
	var (
		tokens      []string
		token       []rune
		inQuote     bool
		quoteChar   rune
		lastWordEnd rune
	)
	for i, ch := range runes {
		token = append(token, ch)

		if i+1 < len(runes) && !unicode.IsSpace(ch) && unicode.IsSpace(runes[i+1]) {
			lastWordEnd = ch
		}

		if unicode.IsSpace(ch) && !inQuote && lastWordEnd != ':' {
			if !isAllSpace(token) {
				tokens = append(tokens, strings.Trim(string(token), " "))
				token = token[:0]
			}
		}

		if ch == '"' || ch == '\'' {
			if !inQuote || quoteChar == ch {
				inQuote = !inQuote
				if inQuote {
					quoteChar = ch
				}
			}
		}
	}
	if !isAllSpace(token) {
		tokens = append(tokens, strings.Trim(string(token), " "))
	}
	return tokens
}

// isAllSpace reports whether rs is non-empty and entirely whitespace
func isAllSpace(rs []rune) bool {
	if len(rs) == 0 {
		return false
	}
	for _, r := range rs {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// isTag reports whether tok is key:value. The first ':' decides: it must not be
// the first character, nor be followed by another ':' or a space. Tokens opening
// with a quote are never tags.
func isTag(tok string) bool {
	runes := []rune(tok)
	for i, ch := range runes {
		if i == 0 && (ch == '"' || ch == '\'' || ch == ':') {
			return false
		}
		if ch == ':' {
			if i+1 < len(runes) && (runes[i+1] == ':' || runes[i+1] == ' ') {
				return false
			}
			return true
		}
	}
	return false
}

func splitTag(tag string) (key, value string) {
	idx := strings.IndexByte(tag, ':')
	key = strings.Trim(strings.TrimLeft(tag[:idx], "("), `"`)
	value = strings.Trim(strings.TrimRight(tag[idx+1:], ")"), `"`)
	return key, value
}
