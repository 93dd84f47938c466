// internal/explorer/parser.go - host table extraction from the explorer page
package explorer

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// hostColumns is the number of cells in a host row, in this order:
// device_id, host_name, stargate, location, arch, status.
const hostColumns = 6

var (
	ErrHostsSectionMissing = errors.New(`no div with id "hosts"`)
	ErrHostsTableMissing   = errors.New("hosts section has no table")
)

// ParseHosts reads the explorer page and returns the rows of the hosts table
// in page order. The first row of the table is the header and is skipped.
// Rows without cells are ignored; any other row must have exactly six cells.
func ParseHosts(r io.Reader) ([]Observation, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}

	section := findElement(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.Div && attr(n, "id") == "hosts"
	})
	if section == nil {
		return nil, ErrHostsSectionMissing
	}

	table := findElement(section, func(n *html.Node) bool {
		return n.DataAtom == atom.Table
	})
	if table == nil {
		return nil, ErrHostsTableMissing
	}

	rows := collectElements(table, atom.Tr)
	if len(rows) == 0 {
		return []Observation{}, nil
	}

	observations := make([]Observation, 0, len(rows)-1)
	for i, tr := range rows[1:] {
		cells := collectElements(tr, atom.Td)
		if len(cells) == 0 {
			continue
		}
		if len(cells) != hostColumns {
			return nil, fmt.Errorf("row %d: expected %d cells, got %d", i+1, hostColumns, len(cells))
		}

		values := make([]string, hostColumns)
		for j, td := range cells {
			values[j] = strings.TrimSpace(textContent(td))
		}
		if values[0] == "" {
			return nil, fmt.Errorf("row %d: empty device_id", i+1)
		}

		observations = append(observations, Observation{
			DeviceID: values[0],
			HostName: values[1],
			Stargate: values[2],
			Location: values[3],
			Arch:     values[4],
			Status:   values[5],
		})
	}
	return observations, nil
}

func findElement(root *html.Node, match func(*html.Node) bool) *html.Node {
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && match(c) {
			return c
		}
		if found := findElement(c, match); found != nil {
			return found
		}
	}
	return nil
}

// collectElements returns every descendant of root with the given tag, in
// document order, without descending into nested tables.
func collectElements(root *html.Node, tag atom.Atom) []*html.Node {
	var out []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if c.DataAtom == tag {
				out = append(out, c)
				continue
			}
			if c.DataAtom == atom.Table {
				continue
			}
			walk(c)
		}
	}
	walk(root)
	return out
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
