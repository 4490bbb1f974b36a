package discovery

import (
	"strings"

	"golang.org/x/net/html"
)

// KeySeparator joins the data-element and option-combination halves of a
// semantic key, e.g. "OPD attendance||Under 5 Male".
const KeySeparator = "||"

// LabelExtractor derives a field's semantic identity from the markup of its
// table row. Implementations receive the raw HTML of the row containing the
// input and return the data-element and option-combination labels.
type LabelExtractor interface {
	Extract(rowHTML string) (dataElement, optionCombo string, ok bool)
}

// SpanLabelExtractor reads the hidden label spans DHIS2 renders next to each
// entry field: one span whose id contains "-dataelement" and one whose id
// contains "-optioncombo". Fields without a data-element span are anonymous
// layout inputs and are skipped.
type SpanLabelExtractor struct{}

func (SpanLabelExtractor) Extract(rowHTML string) (string, string, bool) {
	root, err := html.Parse(strings.NewReader(rowHTML))
	if err != nil {
		return "", "", false
	}

	var dataElement, optionCombo string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "span" {
			id := attr(n, "id")
			switch {
			case strings.Contains(id, "-dataelement") && dataElement == "":
				dataElement = strings.TrimSpace(text(n))
			case strings.Contains(id, "-optioncombo") && optionCombo == "":
				optionCombo = strings.TrimSpace(text(n))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	if dataElement == "" {
		return "", "", false
	}
	return dataElement, optionCombo, true
}

// Key joins the two label halves into the canonical semantic key. A field
// with no option combination keys on the data element alone.
func Key(dataElement, optionCombo string) string {
	if optionCombo == "" {
		return dataElement
	}
	return dataElement + KeySeparator + optionCombo
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func text(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
