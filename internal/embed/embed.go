// Package embed models the webhook message body producers hand to the
// dispatcher: optional plain content plus a list of rich embeds.
//
// The dispatcher treats encoded messages as opaque bytes. Nothing here is
// validated on the delivery path; Clamp is an opt-in helper for producers
// that build text from untrusted input.
package embed

import (
	"encoding/json"
	"errors"
	"time"
)

// Colors used by built-in producers.
const (
	ColorInfo    = 0x3498DB
	ColorSuccess = 0x2ECC71
	ColorWarn    = 0xF1C40F
	ColorError   = 0xE74C3C
)

// Discord limits (characters, counted as runes).
const (
	MaxContent     = 2000
	MaxEmbeds      = 10
	MaxTitle       = 256
	MaxDescription = 4096
	MaxFields      = 25
	MaxFieldName   = 256
	MaxFieldValue  = 1024
	MaxFooter      = 2048
	MaxAuthorName  = 256
	MaxTotal       = 6000
)

var ErrEmpty = errors.New("embed: message has no content and no embeds")

type Message struct {
	Content   string  `json:"content,omitempty"`
	Username  string  `json:"username,omitempty"`
	AvatarURL string  `json:"avatar_url,omitempty"`
	Embeds    []Embed `json:"embeds,omitempty"`
}

type Embed struct {
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	URL         string     `json:"url,omitempty"`
	Color       int        `json:"color,omitempty"`
	Fields      []Field    `json:"fields,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	Footer      *Footer    `json:"footer,omitempty"`
	Author      *Author    `json:"author,omitempty"`
	Thumbnail   *Image     `json:"thumbnail,omitempty"`
}

type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type Footer struct {
	Text    string `json:"text"`
	IconURL string `json:"icon_url,omitempty"`
}

type Author struct {
	Name    string `json:"name"`
	URL     string `json:"url,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

type Image struct {
	URL string `json:"url"`
}

// Single wraps one embed into a message, the shape `{"embeds":[...]}`.
func Single(e Embed) Message { return Message{Embeds: []Embed{e}} }

// Encode serializes m. Only a message with neither content nor embeds is refused.
func Encode(m Message) ([]byte, error) {
	if m.Content == "" && len(m.Embeds) == 0 {
		return nil, ErrEmpty
	}
	return json.Marshal(m)
}

// Clamp returns a copy of m trimmed to Discord limits. Text over a limit is
// cut and suffixed with an ellipsis; extra embeds and fields are dropped.
// Once MaxTotal is reached, remaining embeds are dropped.
func Clamp(m Message) Message {
	out := m
	out.Content = truncate(m.Content, MaxContent)

	embeds := m.Embeds
	if len(embeds) > MaxEmbeds {
		embeds = embeds[:MaxEmbeds]
	}
	out.Embeds = make([]Embed, 0, len(embeds))

	total := 0
	for _, e := range embeds {
		c := clampEmbed(e)
		n := c.size()
		if total+n > MaxTotal {
			break
		}
		total += n
		out.Embeds = append(out.Embeds, c)
	}
	return out
}

func clampEmbed(e Embed) Embed {
	c := e
	c.Title = truncate(e.Title, MaxTitle)
	c.Description = truncate(e.Description, MaxDescription)

	fields := e.Fields
	if len(fields) > MaxFields {
		fields = fields[:MaxFields]
	}
	c.Fields = make([]Field, len(fields))
	for i, f := range fields {
		c.Fields[i] = Field{
			Name:   truncate(f.Name, MaxFieldName),
			Value:  truncate(f.Value, MaxFieldValue),
			Inline: f.Inline,
		}
	}
	if e.Footer != nil {
		ft := *e.Footer
		ft.Text = truncate(ft.Text, MaxFooter)
		c.Footer = &ft
	}
	if e.Author != nil {
		a := *e.Author
		a.Name = truncate(a.Name, MaxAuthorName)
		c.Author = &a
	}
	return c
}

// size counts the characters Discord includes in the 6000 total.
func (e Embed) size() int {
	n := runeLen(e.Title) + runeLen(e.Description)
	for _, f := range e.Fields {
		n += runeLen(f.Name) + runeLen(f.Value)
	}
	if e.Footer != nil {
		n += runeLen(e.Footer.Text)
	}
	if e.Author != nil {
		n += runeLen(e.Author.Name)
	}
	return n
}

func runeLen(s string) int { return len([]rune(s)) }

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 1 {
		return string(r[:max])
	}
	return string(r[:max-1]) + "…"
}
