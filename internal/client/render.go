package client

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clawinfra/bingrelay/internal/upstream"
)

type detail struct {
	SourceAttributions []struct {
		ProviderDisplayName string `json:"providerDisplayName"`
		SeeMoreURL          string `json:"seeMoreUrl"`
	} `json:"sourceAttributions"`
	SuggestedResponses []struct {
		Text string `json:"text"`
	} `json:"suggestedResponses"`
}

// Render formats an answer for display: its text followed by numbered
// sources and suggested follow-ups when the answer detail carries them.
func Render(a upstream.Answer) string {
	var b strings.Builder
	b.WriteString(a.Text)

	var d detail
	if len(a.Detail) == 0 || json.Unmarshal(a.Detail, &d) != nil {
		return b.String()
	}

	if len(d.SourceAttributions) > 0 {
		b.WriteString("\n\nLearn more:")
		for i, src := range d.SourceAttributions {
			fmt.Fprintf(&b, "\n%d: [%s](%s)", i+1, src.ProviderDisplayName, src.SeeMoreURL)
		}
	}
	if len(d.SuggestedResponses) > 0 {
		b.WriteString("\n\nSuggested responses:")
		for i, s := range d.SuggestedResponses {
			fmt.Fprintf(&b, "\n%d: %s", i+1, s.Text)
		}
	}
	return b.String()
}

// Suggestions returns the suggested follow-up prompts of an answer.
func Suggestions(a upstream.Answer) []string {
	var d detail
	if len(a.Detail) == 0 || json.Unmarshal(a.Detail, &d) != nil {
		return nil
	}
	out := make([]string, 0, len(d.SuggestedResponses))
	for _, s := range d.SuggestedResponses {
		if s.Text != "" {
			out = append(out, s.Text)
		}
	}
	return out
}
