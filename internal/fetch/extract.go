package fetch

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipped elements contribute no readable text: code, styling, and
// page chrome.
var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
}

// blocks mark paragraph boundaries in the extracted text.
var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Main: true, atom.H1: true, atom.H2: true, atom.H3: true,
	atom.H4: true, atom.H5: true, atom.H6: true, atom.Blockquote: true,
	atom.Pre: true, atom.Ul: true, atom.Ol: true, atom.Table: true,
	atom.Tr: true, atom.Dl: true, atom.Dd: true, atom.Dt: true,
	atom.Figcaption: true, atom.Figure: true, atom.Details: true,
	atom.Summary: true, atom.Hr: true,
}

// Pending gap widths between the text collected so far and the next
// word, from weakest to strongest.
const (
	gapSpace = iota
	gapLine
	gapParagraph
)

// extractor collects the page title and readable text in one DOM walk,
// stopping as soon as the rune budget is spent. Whitespace is
// normalized as words are appended, so the output needs no second
// cleanup pass.
type extractor struct {
	limit     int
	runes     int
	truncated bool

	title string
	text  strings.Builder
	gap   int
}

// extractHTML parses raw HTML and returns the page title and up to
// maxRunes of readable text. truncated reports whether the budget cut
// the text short. A raw fragment the parser rejects falls back to a
// tag-stripping tokenizer pass with the same budget.
func extractHTML(raw string, maxRunes int) (title, text string, truncated bool) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		text, truncated = flattenTags(raw, maxRunes)
		return "", text, truncated
	}

	e := &extractor{limit: maxRunes}
	e.walk(doc)
	return e.title, e.text.String(), e.truncated
}

func (e *extractor) walk(n *html.Node) {
	if e.truncated {
		return
	}

	switch n.Type {
	case html.ElementNode:
		if n.DataAtom == atom.Title {
			if e.title == "" {
				e.title = strings.Join(strings.Fields(rawText(n)), " ")
			}
			return
		}
		if skipped[n.DataAtom] {
			return
		}
		if blocks[n.DataAtom] {
			e.setGap(gapParagraph)
		}
	case html.TextNode:
		e.append(n.Data)
	}

	for c := n.FirstChild; c != nil && !e.truncated; c = c.NextSibling {
		e.walk(c)
	}

	if n.Type == html.ElementNode {
		switch {
		case blocks[n.DataAtom]:
			e.setGap(gapParagraph)
		case n.DataAtom == atom.Br || n.DataAtom == atom.Li:
			e.setGap(gapLine)
		}
	}
}

// setGap widens the pending separator; a paragraph boundary is never
// downgraded by a later line break.
func (e *extractor) setGap(g int) {
	if g > e.gap {
		e.gap = g
	}
}

// append adds one text node's words to the output, spending the rune
// budget on words and separators alike. A word that no longer fits is
// cut at the budget and ends the extraction.
func (e *extractor) append(data string) {
	for _, word := range strings.Fields(data) {
		sep := ""
		if e.text.Len() > 0 {
			switch e.gap {
			case gapParagraph:
				sep = "\n\n"
			case gapLine:
				sep = "\n"
			default:
				sep = " "
			}
		}

		need := len(sep) + utf8.RuneCountInString(word)
		if e.limit > 0 && e.runes+need > e.limit {
			if room := e.limit - e.runes - len(sep); room > 0 {
				e.text.WriteString(sep)
				e.text.WriteString(truncateUTF8(word, room))
				e.runes = e.limit
			}
			e.truncated = true
			return
		}

		e.text.WriteString(sep)
		e.text.WriteString(word)
		e.runes += need
		e.gap = gapSpace
	}
}

// rawText concatenates the text nodes under n without normalization.
func rawText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(rawText(c))
	}
	return b.String()
}

// flattenTags strips markup with the tokenizer when the DOM parser
// fails, applying the same whitespace and budget rules.
func flattenTags(raw string, maxRunes int) (string, bool) {
	tok := html.NewTokenizer(strings.NewReader(raw))
	e := &extractor{limit: maxRunes}
	for !e.truncated {
		switch tok.Next() {
		case html.ErrorToken:
			return e.text.String(), e.truncated
		case html.TextToken:
			e.append(tok.Token().Data)
		}
	}
	return e.text.String(), true
}
