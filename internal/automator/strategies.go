package automator

import (
	"context"
	"strings"
)

// Strategy is one way of picking the target location on the booking site.
// Strategies are independent; the automator tries them in order.
type Strategy interface {
	Name() string
	TryMatch(ctx context.Context, page Page, target Target) (bool, error)
}

// DefaultStrategies is the order used when Options.Strategies is empty.
func DefaultStrategies() []Strategy {
	return []Strategy{ListItem{}, NativeSelect{}, GenericClickable{}, DataAttribute{}, Typeahead{}}
}

const confirmText = "choose this location"

// ListItem clicks a matching list entry and then the site's "Choose This
// Location" confirmation, when one is shown.
type ListItem struct{}

func (ListItem) Name() string { return "list-item" }

func (ListItem) TryMatch(ctx context.Context, page Page, target Target) (bool, error) {
	items, err := page.Query(ctx, "li, [role=option], .location-item, .list-group-item")
	if err != nil {
		return false, err
	}
	item := firstMatching(ctx, items, target.Matches)
	if item == nil {
		return false, nil
	}
	if err := item.Click(ctx); err != nil {
		return false, err
	}
	confirm := findConfirm(ctx, item)
	if confirm == nil {
		// the confirmation may live outside the item, e.g. in a details pane
		confirm = findConfirm(ctx, page)
	}
	if confirm != nil {
		if err := confirm.Click(ctx); err != nil {
			return false, err
		}
	}
	return true, nil
}

// findConfirm searches in, an element or the whole page, for the
// location confirmation button.
func findConfirm(ctx context.Context, in Page) Element {
	els, err := in.Query(ctx, "button, a")
	if err != nil {
		return nil
	}
	return firstMatching(ctx, els, func(s string) bool { return strings.Contains(normalize(s), confirmText) })
}

// NativeSelect picks a matching <option> of a <select>.
type NativeSelect struct{}

func (NativeSelect) Name() string { return "select" }

func (NativeSelect) TryMatch(ctx context.Context, page Page, target Target) (bool, error) {
	selects, err := page.Query(ctx, "select")
	if err != nil {
		return false, err
	}
	for _, sel := range selects {
		opts, err := sel.Query(ctx, "option")
		if err != nil {
			continue
		}
		for _, o := range opts {
			text := elementText(ctx, o)
			val, _, _ := o.Attr(ctx, "value")
			if !target.Matches(text) && !(target.ID != "" && val == target.ID) {
				continue
			}
			if err := sel.Select(ctx, strings.TrimSpace(text)); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// GenericClickable clicks any button-like element naming the location.
type GenericClickable struct{}

func (GenericClickable) Name() string { return "clickable" }

func (GenericClickable) TryMatch(ctx context.Context, page Page, target Target) (bool, error) {
	els, err := page.Query(ctx, "button, a, label, [role=button], .option")
	if err != nil {
		return false, err
	}
	el := firstMatching(ctx, els, target.Matches)
	if el == nil {
		return false, nil
	}
	return true, el.Click(ctx)
}

// DataAttribute clicks an element whose data attribute carries the location ID.
type DataAttribute struct{}

func (DataAttribute) Name() string { return "data-attribute" }

var dataAttrs = []string{"data-location-id", "data-id", "data-value"}

func (DataAttribute) TryMatch(ctx context.Context, page Page, target Target) (bool, error) {
	if target.ID == "" {
		return false, nil
	}
	els, err := page.Query(ctx, "[data-location-id], [data-id], [data-value]")
	if err != nil {
		return false, err
	}
	for _, el := range els {
		for _, a := range dataAttrs {
			if v, ok, _ := el.Attr(ctx, a); ok && strings.TrimSpace(v) == target.ID {
				return true, el.Click(ctx)
			}
		}
	}
	return false, nil
}

// Typeahead types the location name into a search box and clicks the
// matching suggestion.
type Typeahead struct{}

func (Typeahead) Name() string { return "typeahead" }

func (Typeahead) TryMatch(ctx context.Context, page Page, target Target) (bool, error) {
	if len(target.Names) == 0 {
		return false, nil
	}
	inputs, err := page.Query(ctx, "input[type=search], input[type=text], [role=combobox]")
	if err != nil || len(inputs) == 0 {
		return false, err
	}
	if err := inputs[0].Input(ctx, target.Names[len(target.Names)-1]); err != nil {
		return false, err
	}
	opts, err := page.Query(ctx, "[role=option], .dropdown-item, .typeahead-option, li")
	if err != nil {
		return false, err
	}
	el := firstMatching(ctx, opts, target.Matches)
	if el == nil {
		return false, nil
	}
	return true, el.Click(ctx)
}

func firstMatching(ctx context.Context, els []Element, match func(string) bool) Element {
	for _, el := range els {
		if match(elementText(ctx, el)) {
			return el
		}
	}
	return nil
}
