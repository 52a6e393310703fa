package automator

import "context"

// Page is the slice of a browser document the automator needs.
type Page interface {
	Query(ctx context.Context, selector string) ([]Element, error)
}

type Element interface {
	Text(ctx context.Context) (string, error)
	// Attr returns the attribute value and whether it is present.
	Attr(ctx context.Context, name string) (string, bool, error)
	Click(ctx context.Context) error
	Input(ctx context.Context, text string) error
	// Select picks options of a <select> by visible text.
	Select(ctx context.Context, texts ...string) error
	Query(ctx context.Context, selector string) ([]Element, error)
}

// elementText returns the element text, or "" when it cannot be read.
func elementText(ctx context.Context, el Element) string {
	t, err := el.Text(ctx)
	if err != nil {
		return ""
	}
	return t
}
