package agent

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rendis/outreach/internal/chain"
)

// Echo is an offline invoker that answers with a deterministic summary of its input.
// It is used for local runs and demos when no agent gateway is configured.
type Echo struct{}

func (Echo) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mission, _ := req.Payload.Section(chain.SectionMission)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s output for mission %q", req.StepID, req.Role, mission)
	if prev, ok := req.Payload.Section(chain.SectionPrevious); ok {
		fmt.Fprintf(&b, " building on: %s", truncate(prev, 200))
	}
	out := b.String()

	// Roughly four characters per token.
	tokens := int64(utf8.RuneCountInString(req.Prompt())+utf8.RuneCountInString(out)) / 4
	return &Result{Output: out, Tokens: tokens}, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
