// Package replyparser splits a plain-text email body into fragments and marks
// the quoted reply history and trailing signatures as hidden, leaving the
// text the author actually wrote.
package replyparser

import (
	"regexp"
	"strings"
)

var (
	quoteHeaderRE  = regexp.MustCompile(`^On\s.+wrote:$`)
	signatureRE    = regexp.MustCompile(`^(--|__|-\w)|^Sent from my (\w+\s*){1,3}$`)
	underscoreRule = regexp.MustCompile(`^_{7,}$`)
)

// maxHeaderLines bounds how far a wrapped "On ... wrote:" header is followed.
const maxHeaderLines = 5

type Fragment struct {
	Content   string
	Quoted    bool
	Signature bool
	Hidden    bool
}

type Email struct {
	Fragments []*Fragment
}

// VisibleText joins the content of all visible fragments with newlines.
func (e *Email) VisibleText() string {
	visible := make([]string, 0, len(e.Fragments))
	for _, fragment := range e.Fragments {
		if !fragment.Hidden {
			visible = append(visible, fragment.Content)
		}
	}
	return strings.TrimSpace(strings.Join(visible, "\n"))
}

// Read parses an email body into fragments, top to bottom.
func Read(text string) *Email {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	lines = separateRules(joinQuoteHeaders(lines))

	p := &parser{}
	for i := len(lines) - 1; i >= 0; i-- {
		p.scanLine(lines[i])
	}
	p.finishFragment()

	for i, j := 0, len(p.fragments)-1; i < j; i, j = i+1, j-1 {
		p.fragments[i], p.fragments[j] = p.fragments[j], p.fragments[i]
	}
	return &Email{Fragments: p.fragments}
}

// joinQuoteHeaders merges "On <date>, <name> wrote:" headers that a client
// broke over several lines.
func joinQuoteHeaders(lines []string) []string {
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if !strings.HasPrefix(line, "On ") || strings.HasSuffix(strings.TrimSpace(line), "wrote:") {
			out = append(out, line)
			continue
		}

		end := -1
		for j := i + 1; j < len(lines) && j <= i+maxHeaderLines; j++ {
			trimmed := strings.TrimSpace(lines[j])
			if trimmed == "" || strings.HasPrefix(trimmed, ">") {
				break
			}
			if strings.HasSuffix(trimmed, "wrote:") {
				end = j
				break
			}
		}
		if end == -1 {
			out = append(out, line)
			continue
		}

		parts := make([]string, 0, end-i+1)
		for _, l := range lines[i : end+1] {
			parts = append(parts, strings.TrimSpace(l))
		}
		out = append(out, strings.Join(parts, " "))
		i = end
	}
	return out
}

// separateRules makes sure a line of underscores starts its own fragment even
// when the author wrote directly above it.
func separateRules(lines []string) []string {
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		if i > 0 && underscoreRule.MatchString(strings.TrimSpace(line)) && strings.TrimSpace(lines[i-1]) != "" {
			out = append(out, "")
		}
		out = append(out, line)
	}
	return out
}

type fragmentBuilder struct {
	quoted    bool
	signature bool
	// lines are collected bottom-up
	lines []string
}

type parser struct {
	fragments    []*Fragment
	current      *fragmentBuilder
	foundVisible bool
}

func (p *parser) scanLine(line string) {
	line = strings.TrimRight(line, " \t")
	isQuoted := strings.HasPrefix(line, ">")
	isEmpty := strings.TrimSpace(line) == ""
	isQuoteHeader := quoteHeaderRE.MatchString(strings.TrimSpace(line))

	if p.current != nil && isEmpty {
		last := p.current.lines[len(p.current.lines)-1]
		if signatureRE.MatchString(strings.TrimSpace(last)) {
			p.current.signature = true
			p.finishFragment()
		}
	}

	if p.current != nil && (p.current.quoted == isQuoted || (p.current.quoted && (isQuoteHeader || isEmpty))) {
		p.current.lines = append(p.current.lines, line)
		return
	}

	p.finishFragment()
	p.current = &fragmentBuilder{quoted: isQuoted, lines: []string{line}}
}

func (p *parser) finishFragment() {
	if p.current == nil {
		return
	}

	lines := p.current.lines
	ordered := make([]string, len(lines))
	for i, line := range lines {
		ordered[len(lines)-1-i] = line
	}

	fragment := &Fragment{
		Content:   strings.Join(ordered, "\n"),
		Quoted:    p.current.quoted,
		Signature: p.current.signature,
	}

	if !p.foundVisible {
		if fragment.Quoted || fragment.Signature || strings.TrimSpace(fragment.Content) == "" {
			fragment.Hidden = true
		} else {
			p.foundVisible = true
		}
	}

	p.fragments = append(p.fragments, fragment)
	p.current = nil
}
