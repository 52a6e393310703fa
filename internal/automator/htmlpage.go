package automator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// HTMLPage is a static document snapshot. Clicks and inputs are recorded
// rather than executed, which makes it suitable for dry runs and tests.
type HTMLPage struct {
	root *html.Node

	mu     sync.Mutex
	clicks []string
}

func ParseHTML(r io.Reader) (*HTMLPage, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &HTMLPage{root: root}, nil
}

// Clicks returns the text of every element clicked or selected, in order.
func (p *HTMLPage) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

func (p *HTMLPage) record(s string) {
	p.mu.Lock()
	p.clicks = append(p.clicks, s)
	p.mu.Unlock()
}

func (p *HTMLPage) Query(_ context.Context, selector string) ([]Element, error) {
	return p.query(p.root, selector)
}

// query returns the descendants of from matching the CSS selector group, in
// document order.
func (p *HTMLPage) query(from *html.Node, selector string) ([]Element, error) {
	sel, err := cascadia.ParseGroup(selector)
	if err != nil {
		return nil, fmt.Errorf("selector %q: %w", selector, err)
	}
	nodes := cascadia.QueryAll(from, sel)
	out := make([]Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &htmlElement{page: p, n: n})
	}
	return out, nil
}

type htmlElement struct {
	page *HTMLPage
	n    *html.Node
}

func (e *htmlElement) Text(context.Context) (string, error) {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(e.n)
	return strings.Join(strings.Fields(b.String()), " "), nil
}

func (e *htmlElement) Attr(_ context.Context, name string) (string, bool, error) {
	v, ok := attr(e.n, name)
	return v, ok, nil
}

func (e *htmlElement) Click(ctx context.Context) error {
	t, _ := e.Text(ctx)
	e.page.record(t)
	return nil
}

func (e *htmlElement) Input(_ context.Context, text string) error {
	setAttr(e.n, "value", text)
	e.page.record("input:" + text)
	return nil
}

func (e *htmlElement) Select(ctx context.Context, texts ...string) error {
	if e.n.Data != "select" {
		return fmt.Errorf("select on <%s>", e.n.Data)
	}
	opts, _ := e.page.query(e.n, "option")
	for _, want := range texts {
		for _, o := range opts {
			t, _ := o.Text(ctx)
			if strings.EqualFold(strings.TrimSpace(t), strings.TrimSpace(want)) {
				setAttr(o.(*htmlElement).n, "selected", "selected")
				e.page.record("select:" + t)
				return nil
			}
		}
	}
	return fmt.Errorf("no option %q", texts)
}

func (e *htmlElement) Query(_ context.Context, selector string) ([]Element, error) {
	return e.page.query(e.n, selector)
}

func attr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, name, val string) {
	for i, a := range n.Attr {
		if a.Key == name {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: val})
}
