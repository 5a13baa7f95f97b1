package templates

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	"sync"
	texttemplate "text/template"

	"github.com/yuin/goldmark"

	"github.com/mabilbao/layer-webhooks-sendgrid/internal/model"
)

const (
	NameText     = "text"
	NameHTML     = "html"
	NameSubject  = "subject"
	NameFromName = "fromName"
)

const (
	DefaultText     = "Hello {{.Recipient.Name}};\nYou have an unread message from {{.Sender.Name}}:\n{{.Text}}\n\n> Replies will be posted back to this Conversation"
	DefaultHTML     = `<body><div style="font-size: 1.2em; margin-bottom: 10px">Hello {{.Recipient.Name}}</div><div>You have an unread message from <b>{{.Sender.Name}}</b></div><div style="padding:10px; border-left: solid 1px #666;">{{.Text}}</div><br/><br/>&gt; Replies will be posted back to this Conversation</body>`
	DefaultSubject  = "Unread message from {{.Sender.Name}}"
	DefaultFromName = "{{.Sender.Name}}"
)

// Context is the data every template is rendered against.
type Context struct {
	Message      model.Message
	Conversation model.Conversation
	Sender       model.Identity
	Recipient    model.Identity
	Text         string
}

// Source holds template overrides; empty fields fall back to the defaults.
type Source struct {
	Text     string `mapstructure:"text"`
	HTML     string `mapstructure:"html"`
	Subject  string `mapstructure:"subject"`
	FromName string `mapstructure:"fromName"`
}

// Merge returns s with every non-empty field of other applied on top.
func (s Source) Merge(other Source) Source {
	if other.Text != "" {
		s.Text = other.Text
	}
	if other.HTML != "" {
		s.HTML = other.HTML
	}
	if other.Subject != "" {
		s.Subject = other.Subject
	}
	if other.FromName != "" {
		s.FromName = other.FromName
	}
	return s
}

type compiled struct {
	text     *texttemplate.Template
	html     *htmltemplate.Template
	subject  *texttemplate.Template
	fromName *texttemplate.Template
}

// Set is the four named notification templates. It is safe for concurrent
// use and can be reloaded in place.
type Set struct {
	mu sync.RWMutex
	t  *compiled
}

func New(src Source) (*Set, error) {
	t, err := compile(src)
	if err != nil {
		return nil, err
	}
	return &Set{t: t}, nil
}

func (s *Set) Reload(src Source) error {
	t, err := compile(src)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.t = t
	s.mu.Unlock()
	return nil
}

func (s *Set) Render(name string, ctx *Context) (string, error) {
	s.mu.RLock()
	t := s.t
	s.mu.RUnlock()

	var buf bytes.Buffer
	var err error
	switch name {
	case NameText:
		err = t.text.Execute(&buf, ctx)
	case NameHTML:
		err = t.html.Execute(&buf, ctx)
	case NameSubject:
		err = t.subject.Execute(&buf, ctx)
	case NameFromName:
		err = t.fromName.Execute(&buf, ctx)
	default:
		return "", fmt.Errorf("unknown template %q", name)
	}
	if err != nil {
		return "", fmt.Errorf("rendering %s template: %w", name, err)
	}
	return buf.String(), nil
}

func compile(src Source) (*compiled, error) {
	src = Source{
		Text:     DefaultText,
		HTML:     DefaultHTML,
		Subject:  DefaultSubject,
		FromName: DefaultFromName,
	}.Merge(src)

	t := &compiled{}
	var err error
	if t.text, err = parseText(NameText, src.Text); err != nil {
		return nil, err
	}
	if t.subject, err = parseText(NameSubject, src.Subject); err != nil {
		return nil, err
	}
	if t.fromName, err = parseText(NameFromName, src.FromName); err != nil {
		return nil, err
	}
	t.html, err = htmltemplate.New(NameHTML).
		Option("missingkey=zero").
		Funcs(htmltemplate.FuncMap{"markdown": markdownHTML}).
		Parse(src.HTML)
	if err != nil {
		return nil, fmt.Errorf("parsing html template: %w", err)
	}
	return t, nil
}

func parseText(name, src string) (*texttemplate.Template, error) {
	t, err := texttemplate.New(name).
		Option("missingkey=zero").
		Funcs(texttemplate.FuncMap{"markdown": markdown}).
		Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parsing %s template: %w", name, err)
	}
	return t, nil
}

func markdown(src string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(src), &buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// goldmark escapes raw HTML by default, so its output is safe to embed.
func markdownHTML(src string) (htmltemplate.HTML, error) {
	out, err := markdown(src)
	return htmltemplate.HTML(out), err
}
