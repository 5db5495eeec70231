package prompt

import (
	"bytes"
	"strings"
	"testing"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{In: strings.NewReader(input), Out: out}, out
}

func TestAsk(t *testing.T) {
	p, _ := newTestPrompter("custom\n\n")

	if got := p.Ask("Question", "default"); got != "custom" {
		t.Errorf("typed answer: got %q, want custom", got)
	}
	if got := p.Ask("Question", "default"); got != "default" {
		t.Errorf("empty answer: got %q, want default", got)
	}
}

func TestAskPasswordFallback(t *testing.T) {
	// Non-file input can't disable echo, so it reads a plain line.
	p, _ := newTestPrompter("s3cret\n")
	if got := p.AskPassword("Password"); got != "s3cret" {
		t.Errorf("got %q, want s3cret", got)
	}
}

func TestChoose(t *testing.T) {
	p, out := newTestPrompter("2\n")
	if got := p.Choose("Pick one", []string{"alpha", "beta"}, 0); got != "beta" {
		t.Errorf("got %q, want beta", got)
	}
	if !strings.Contains(out.String(), "1) alpha") {
		t.Errorf("options not rendered: %q", out.String())
	}

	// Invalid input re-prompts until valid.
	p, _ = newTestPrompter("9\nx\n1\n")
	if got := p.Choose("Pick one", []string{"alpha", "beta"}, 1); got != "alpha" {
		t.Errorf("got %q, want alpha", got)
	}

	// Empty input takes the default.
	p, _ = newTestPrompter("\n")
	if got := p.Choose("Pick one", []string{"alpha", "beta"}, 1); got != "beta" {
		t.Errorf("default choice: got %q, want beta", got)
	}
}

func TestConfirm(t *testing.T) {
	cases := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"yes\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
	}
	for _, tc := range cases {
		p, _ := newTestPrompter(tc.input)
		if got := p.Confirm("Proceed?", tc.defaultYes); got != tc.want {
			t.Errorf("Confirm(%q, default %v) = %v, want %v", strings.TrimSpace(tc.input), tc.defaultYes, got, tc.want)
		}
	}
}
