// Package promptctx resolves @mentions and attached files into prompt content.
package promptctx

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Mention is an @token being typed in the composer. Start is the byte offset
// of the '@'; End is the caret.
type Mention struct {
	Query string
	Start int
	End   int
}

// DetectMention scans backward from caret (a byte offset into text) to the
// nearest whitespace or the start of text. If that token begins with '@' the
// rest of it, up to the caret, is the query.
func DetectMention(text string, caret int) (Mention, bool) {
	if caret < 0 || caret > len(text) {
		return Mention{}, false
	}

	start := caret
	for start > 0 {
		r, size := utf8.DecodeLastRuneInString(text[:start])
		if unicode.IsSpace(r) {
			break
		}
		start -= size
	}

	token := text[start:caret]
	if !strings.HasPrefix(token, "@") {
		return Mention{}, false
	}
	query := token[1:]
	if strings.Contains(query, "@") {
		return Mention{}, false
	}
	return Mention{Query: query, Start: start, End: caret}, true
}

// AcceptMention replaces the mention with "@<label> " and returns the new text
// and the caret position just after the inserted space.
func AcceptMention(text string, m Mention, c Candidate) (string, int) {
	if m.Start < 0 || m.End > len(text) || m.Start > m.End {
		return text, len(text)
	}
	insert := "@" + c.Label + " "
	return text[:m.Start] + insert + text[m.End:], m.Start + len(insert)
}
