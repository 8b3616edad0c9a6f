package detect

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/dgnsrekt/domo_companion/internal/inpage"
)

// PageState is the DOM-derived context that refines URL detection.
type PageState struct {
	// ModalCardID is the card shown in an open card dialog.
	ModalCardID string
	// DrillPath lists breadcrumb ids from the root card to the current view.
	DrillPath []string
}

func (s *PageState) drillView() (view, root string, ok bool) {
	if s == nil || len(s.DrillPath) < 2 {
		return "", "", false
	}
	return s.DrillPath[len(s.DrillPath)-1], s.DrillPath[0], true
}

// ParsePageState reads page fragments captured in the tab. Malformed or
// empty fragments yield an empty state.
func ParsePageState(frags inpage.PageFragments) PageState {
	var st PageState
	if ids := attrValues(frags.Modal, "data-card-id"); len(ids) > 0 {
		st.ModalCardID = ids[0]
	}
	st.DrillPath = attrValues(frags.Breadcrumb, "data-drill-id")
	return st
}

// attrValues returns the non-empty values of attr in document order.
func attrValues(fragment, attr string) []string {
	if strings.TrimSpace(fragment) == "" {
		return nil
	}
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return nil
	}

	var out []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			for _, a := range n.Attr {
				if a.Key == attr {
					if v := strings.TrimSpace(a.Val); v != "" {
						out = append(out, v)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}
