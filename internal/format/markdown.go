// Package format converts the model's markdown-ish output to the markup of
// an output channel. Both transforms are pure string functions; their exact
// behavior on edge cases is pinned by the package tests rather than a grammar.
package format

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	FormatHTML     = "html"
	FormatWhatsApp = "whatsapp"
)

var (
	reHeader     = regexp.MustCompile(`(?m)^(#{1,6})\s+(.*)$`)
	reBoldStars  = regexp.MustCompile(`\*\*(.*?)\*\*`)
	reBoldUnders = regexp.MustCompile(`__(.*?)__`)
	reItalicStar = regexp.MustCompile(`\*([^*\n]+?)\*`)
	reItalicUnd  = regexp.MustCompile(`_([^_\n]+?)_`)
	reStrike     = regexp.MustCompile(`~~(.*?)~~`)
	reCode       = regexp.MustCompile("`([^`]+)`")
	reBullet     = regexp.MustCompile(`(?m)^- (.*)$`)
	reLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	reListBlock  = regexp.MustCompile(`(?m)^<li>.*</li>(?:\n<li>.*</li>)*`)

	reItalicStarWord = regexp.MustCompile(`\*(\S+?)\*`)
	reWaHeader       = regexp.MustCompile(`(?m)^#+\s+(.*)$`)
)

// Placeholders guard bold spans while the single-character emphasis pass
// runs; NUL never occurs in model output.
const (
	boldOpen  = "\x00b\x00"
	boldClose = "\x00/b\x00"
)

// Convert dispatches on the channel format, defaulting to the messaging
// dialect like the source channels do.
func Convert(text, channelFormat string) string {
	if channelFormat == FormatHTML {
		return ToHTML(text)
	}
	return ToWhatsApp(text)
}

// ToHTML renders markdown emphasis, headers, lists and links as HTML tags.
func ToHTML(text string) string {
	text = reHeader.ReplaceAllStringFunc(text, func(m string) string {
		parts := reHeader.FindStringSubmatch(m)
		level := len(parts[1])
		return fmt.Sprintf("<h%d>%s</h%d>", level, parts[2], level)
	})

	text = reBoldStars.ReplaceAllString(text, "<strong>$1</strong>")
	text = reBoldUnders.ReplaceAllString(text, "<strong>$1</strong>")
	text = reItalicStar.ReplaceAllString(text, "<em>$1</em>")
	text = reItalicUnd.ReplaceAllString(text, "<em>$1</em>")
	text = reStrike.ReplaceAllString(text, "<del>$1</del>")
	text = reCode.ReplaceAllString(text, "<code>$1</code>")

	text = reBullet.ReplaceAllString(text, "<li>$1</li>")
	text = reListBlock.ReplaceAllStringFunc(text, func(m string) string {
		return "<ul>" + m + "</ul>"
	})

	text = reLink.ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = strings.ReplaceAll(text, "\n", "<br>\n")
	return text
}

// ToWhatsApp renders markdown as the messaging dialect: *bold*, _italic_,
// ~strike~, ```code```, bullet glyphs, bare link URLs.
func ToWhatsApp(text string) string {
	// Bold spans first, via placeholders, so the single-star italic pass
	// does not consume halves of a ** pair.
	text = reBoldStars.ReplaceAllString(text, boldOpen+"$1"+boldClose)
	text = reBoldUnders.ReplaceAllString(text, boldOpen+"$1"+boldClose)

	text = reItalicStarWord.ReplaceAllString(text, "_${1}_")

	text = strings.ReplaceAll(text, boldOpen, "*")
	text = strings.ReplaceAll(text, boldClose, "*")

	text = reStrike.ReplaceAllString(text, "~$1~")
	text = reCode.ReplaceAllString(text, "```$1```")
	text = strings.ReplaceAll(text, "\n- ", "\n• ")
	if strings.HasPrefix(text, "- ") {
		text = "• " + text[2:]
	}
	text = reLink.ReplaceAllString(text, "$2")
	text = reWaHeader.ReplaceAllString(text, "*$1*")
	return text
}
