package embed

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestEncodeSingleEmbed(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b, err := Encode(Single(Embed{
		Title:     "deploy",
		Color:     ColorSuccess,
		Fields:    []Field{{Name: "env", Value: "prod", Inline: true}},
		Timestamp: &ts,
		Footer:    &Footer{Text: "ci"},
	}))
	require.NoError(t, err)

	r := gjson.ParseBytes(b)
	require.Equal(t, "deploy", r.Get("embeds.0.title").String())
	require.Equal(t, int64(ColorSuccess), r.Get("embeds.0.color").Int())
	require.Equal(t, "prod", r.Get("embeds.0.fields.0.value").String())
	require.True(t, r.Get("embeds.0.fields.0.inline").Bool())
	require.Equal(t, "2024-03-01T12:00:00Z", r.Get("embeds.0.timestamp").String())
	require.False(t, r.Get("content").Exists())
}

func TestEncodeEmpty(t *testing.T) {
	_, err := Encode(Message{})
	require.ErrorIs(t, err, ErrEmpty)

	b, err := Encode(Message{Content: "hi"})
	require.NoError(t, err)
	require.JSONEq(t, `{"content":"hi"}`, string(b))
}

func TestClampTrimsText(t *testing.T) {
	long := strings.Repeat("é", MaxTitle+10)
	m := Clamp(Single(Embed{Title: long, Footer: &Footer{Text: "f"}}))

	got := []rune(m.Embeds[0].Title)
	require.Len(t, got, MaxTitle)
	require.Equal(t, '…', got[len(got)-1])
	require.Equal(t, "f", m.Embeds[0].Footer.Text)
}

func TestClampDropsOverflow(t *testing.T) {
	var fields []Field
	for i := 0; i < MaxFields+5; i++ {
		fields = append(fields, Field{Name: "n", Value: "v"})
	}
	var embeds []Embed
	for i := 0; i < MaxEmbeds+2; i++ {
		embeds = append(embeds, Embed{Description: strings.Repeat("x", 1000), Fields: fields})
	}

	m := Clamp(Message{Embeds: embeds})
	require.Len(t, m.Embeds[0].Fields, MaxFields)

	total := 0
	for _, e := range m.Embeds {
		total += e.size()
	}
	require.LessOrEqual(t, total, MaxTotal)
	require.Len(t, m.Embeds, 5)
}

func TestClampLeavesInputUntouched(t *testing.T) {
	in := Single(Embed{Title: strings.Repeat("a", MaxTitle+1), Author: &Author{Name: "bot"}})
	_ = Clamp(in)
	require.Len(t, in.Embeds[0].Title, MaxTitle+1)
}
