package automator

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Browser is a Chrome instance driven over CDP.
type Browser struct {
	browser *rod.Browser
}

// LaunchBrowser starts a local Chrome. Use headless=false to watch (and
// finish) the booking by hand.
func LaunchBrowser(headless bool) (*Browser, error) {
	l := launcher.New().
		Headless(headless).
		Set("disable-gpu").
		Set("no-first-run").
		Set("no-default-browser-check")

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch Chrome: %w", err)
	}
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to Chrome: %w", err)
	}
	return &Browser{browser: b}, nil
}

// Open navigates a new tab to url and waits for it to settle.
func (b *Browser) Open(ctx context.Context, url string) (*RodPage, error) {
	page, err := b.browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}
	if err := page.Context(ctx).WaitStable(300 * time.Millisecond); err != nil {
		return nil, fmt.Errorf("wait stable: %w", err)
	}
	return &RodPage{page: page}, nil
}

func (b *Browser) Close() error { return b.browser.Close() }

// RodPage adapts a live rod page to Page.
type RodPage struct {
	page *rod.Page
}

func (p *RodPage) Query(ctx context.Context, selector string) ([]Element, error) {
	els, err := p.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, err
	}
	return wrapRod(els), nil
}

func wrapRod(els rod.Elements) []Element {
	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, rodElement{el: el})
	}
	return out
}

type rodElement struct {
	el *rod.Element
}

func (e rodElement) Text(ctx context.Context) (string, error) {
	return e.el.Context(ctx).Text()
}

func (e rodElement) Attr(ctx context.Context, name string) (string, bool, error) {
	v, err := e.el.Context(ctx).Attribute(name)
	if err != nil || v == nil {
		return "", false, err
	}
	return *v, true, nil
}

func (e rodElement) Click(ctx context.Context) error {
	return e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
}

func (e rodElement) Input(ctx context.Context, text string) error {
	return e.el.Context(ctx).Input(text)
}

func (e rodElement) Select(ctx context.Context, texts ...string) error {
	return e.el.Context(ctx).Select(texts, true, rod.SelectorTypeText)
}

func (e rodElement) Query(ctx context.Context, selector string) ([]Element, error) {
	els, err := e.el.Context(ctx).Elements(selector)
	if err != nil {
		return nil, err
	}
	return wrapRod(els), nil
}
