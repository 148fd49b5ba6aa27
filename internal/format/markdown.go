// Package format turns the lightweight Markdown used in notification
// templates into Telegram message entities.
package format

import (
	"regexp"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ParseResult contains plain text and message entities
type ParseResult struct {
	Text     string
	Entities []tgbotapi.MessageEntity
}

type marker struct {
	token  string
	entity string
}

// Longer tokens first so ** wins over *.
var markers = []marker{
	{"**", "bold"},
	{"__", "bold"},
	{"`", "code"},
	{"*", "italic"},
	{"_", "italic"},
}

var headerRe = regexp.MustCompile(`^#{1,6}\s+(.+?)\s*$`)

// UTF16Len counts UTF-16 code units, the unit Telegram uses for entity
// offsets and lengths.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// ParseMarkdown strips **bold**, __bold__, *italic*, _italic_, `code` and
// "# header" markers and returns the matching entities. Markers never span
// lines and do not nest; an unmatched marker is kept as literal text.
func ParseMarkdown(text string) ParseResult {
	var (
		out      strings.Builder
		entities []tgbotapi.MessageEntity
		offset   int
	)
	write := func(s string) {
		out.WriteString(s)
		offset += UTF16Len(s)
	}

	for li, line := range strings.Split(text, "\n") {
		if li > 0 {
			write("\n")
		}
		if h := headerRe.FindStringSubmatch(line); h != nil {
			entities = append(entities, tgbotapi.MessageEntity{Type: "bold", Offset: offset, Length: UTF16Len(h[1])})
			write(h[1])
			continue
		}
		for i := 0; i < len(line); {
			m, inner, ok := matchAt(line, i)
			if !ok {
				_, size := utf8.DecodeRuneInString(line[i:])
				write(line[i : i+size])
				i += size
				continue
			}
			entities = append(entities, tgbotapi.MessageEntity{Type: m.entity, Offset: offset, Length: UTF16Len(inner)})
			write(inner)
			i += 2*len(m.token) + len(inner)
		}
	}

	return ParseResult{
		Text:     strings.TrimRight(out.String(), " \n"),
		Entities: entities,
	}
}

// Plain returns the text with every marker removed.
func Plain(text string) string {
	return ParseMarkdown(text).Text
}

func matchAt(line string, i int) (marker, string, bool) {
	for _, m := range markers {
		if !strings.HasPrefix(line[i:], m.token) {
			continue
		}
		// snake_case identifiers are not italics
		if m.token == "_" && i > 0 && isWordByte(line[i-1]) {
			return marker{}, "", false
		}
		rest := line[i+len(m.token):]
		end := strings.Index(rest, m.token)
		if end <= 0 {
			continue
		}
		inner := rest[:end]
		if strings.TrimSpace(inner) == "" {
			continue
		}
		return m, inner, true
	}
	return marker{}, "", false
}

func isWordByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}
