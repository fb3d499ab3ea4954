package retrieval

import (
	"strings"
	"unicode/utf8"
)

// TextLookup resolves a document id to its text.
type TextLookup interface {
	Text(id string) (string, bool)
}

// blockSeparator joins consecutive document blocks.
const blockSeparator = "\n\n"

// Label is the delimiter written before each document's text.
func Label(id string) string {
	return "[doc:" + id + "]\n"
}

// Assemble walks rankedIDs in order and appends each document as a labeled block
// while the total stays within maxChars runes. A block that would overflow is
// skipped whole and the walk continues. Repeated and unknown ids are skipped.
// refs lists the included ids in inclusion order.
func Assemble(rankedIDs []string, lookup TextLookup, maxChars int) (string, []string) {
	refs := []string{}
	if maxChars <= 0 || lookup == nil {
		return "", refs
	}
	seen := make(map[string]struct{}, len(rankedIDs))
	var b strings.Builder
	used := 0
	for _, id := range rankedIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		text, ok := lookup.Text(id)
		if !ok {
			continue
		}
		block := Label(id) + text
		cost := utf8.RuneCountInString(block)
		if len(refs) > 0 {
			cost += utf8.RuneCountInString(blockSeparator)
		}
		if used+cost > maxChars {
			continue
		}
		if len(refs) > 0 {
			b.WriteString(blockSeparator)
		}
		b.WriteString(block)
		used += cost
		seen[id] = struct{}{}
		refs = append(refs, id)
	}
	return b.String(), refs
}
