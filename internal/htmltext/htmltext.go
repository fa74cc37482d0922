// Package htmltext converts TFS rich-text field content into the plain-text
// representation Spira stores, preserving line structure.
package htmltext

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	crlf      = "\r\n"
	paragraph = "\r\n\r\n"
)

var (
	reHead   = regexp.MustCompile(`(?is)<head(\s[^>]*)?>.*?</head\s*>`)
	reScript = regexp.MustCompile(`(?is)<script(\s[^>]*)?>.*?</script\s*>`)
	reStyle  = regexp.MustCompile(`(?is)<style(\s[^>]*)?>.*?</style\s*>`)

	reLineBreak = regexp.MustCompile(`(?i)<(br|li)(\s[^>]*)?/?>`)
	reParaBreak = regexp.MustCompile(`(?i)<(p|div|tr)(\s[^>]*)?>`)
	reCell      = regexp.MustCompile(`(?i)<td(\s[^>]*)?>`)
	reTag       = regexp.MustCompile(`<[^>]*>`)

	// Any entity we did not translate explicitly. 2-6 chars between & and ;.
	reEntity = regexp.MustCompile(`&[a-zA-Z#0-9]{2,6};`)

	reManyBreaks = regexp.MustCompile(`(\r\n){3,}`)
	reManyTabs   = regexp.MustCompile(`\t{5,}`)
)

var namedEntities = []struct {
	entity      string
	replacement string
}{
	{"&nbsp;", " "},
	{"&bull;", " * "},
	{"&lsaquo;", "<"},
	{"&rsaquo;", ">"},
	{"&laquo;", "<<"},
	{"&raquo;", ">>"},
	{"&lt;", "<"},
	{"&gt;", ">"},
	{"&amp;", "&"},
	{"&quot;", "\""},
	{"&copy;", "(c)"},
	{"&reg;", "(r)"},
	{"&trade;", "(tm)"},
}

// StripHTML renders HTML as plain text with CRLF line endings. <br> and <li>
// become one line break, <p>/<div>/<tr> a paragraph break, <td> a tab. Head,
// script and style blocks are removed whole. If anything goes wrong the input
// is returned unchanged so a malformed description never blocks a sync.
func StripHTML(html string) (result string) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("HTML normalization failed, keeping original text")
			result = html
		}
	}()

	text := html

	// Blocks whose content must not leak into the output.
	text = reHead.ReplaceAllString(text, "")
	text = reScript.ReplaceAllString(text, "")
	text = reStyle.ReplaceAllString(text, "")

	// Structural tags become whitespace before the generic strip removes the rest.
	text = reLineBreak.ReplaceAllString(text, crlf)
	text = reParaBreak.ReplaceAllString(text, paragraph)
	text = reCell.ReplaceAllString(text, "\t")
	text = reTag.ReplaceAllString(text, "")

	for _, e := range namedEntities {
		text = strings.ReplaceAll(text, e.entity, e.replacement)
	}
	text = reEntity.ReplaceAllString(text, "")

	// Normalize bare newlines to CRLF without doubling existing CRLFs.
	text = strings.ReplaceAll(text, crlf, "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\n", crlf)

	// At most two blank lines and four tabs in a row.
	text = reManyBreaks.ReplaceAllString(text, paragraph+crlf)
	text = reManyTabs.ReplaceAllString(text, "\t\t\t\t")

	return strings.TrimSpace(text)
}
