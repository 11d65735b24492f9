// Package parser extracts character fields from profile pages.
package parser

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/character-harvester/internal/models"
)

// Profile page class names.
const (
	className        = "frame__chara__name"
	classTitle       = "frame__chara__title"
	classWorld       = "frame__chara__world"
	classFreeCompany = "character__freecompany__name"
	classLevelList   = "character__level__list"
)

// ParseError is returned when a page does not have the expected structure.
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("profile parse error on %s: %s", e.Field, e.Reason)
}

// ParseProfile extracts a profile from the HTML of a character page.
func ParseProfile(page []byte, worlds *WorldDirectory) (*models.Profile, error) {
	if worlds == nil {
		worlds = DefaultWorldDirectory()
	}
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, &ParseError{Field: "document", Reason: err.Error()}
	}

	p := &models.Profile{}

	nameNode := findByClass(doc, atom.P, className)
	if nameNode == nil {
		return nil, &ParseError{Field: "name", Reason: "missing"}
	}
	p.Name = strings.TrimSpace(textContent(nameNode))
	if p.Name == "" {
		return nil, &ParseError{Field: "name", Reason: "empty"}
	}

	if n := findByClass(doc, atom.P, classTitle); n != nil {
		p.Title = strings.TrimSpace(textContent(n))
	}

	worldNode := findByClass(doc, atom.P, classWorld)
	if worldNode == nil {
		return nil, &ParseError{Field: "world", Reason: "missing"}
	}
	server, dc, err := splitWorld(textContent(worldNode))
	if err != nil {
		return nil, err
	}
	p.Server, p.Region, _ = worlds.Resolve(server)
	p.Datacenter = dc

	if fc := findByClass(doc, atom.Div, classFreeCompany); fc != nil {
		if a := findElement(fc, atom.A); a != nil {
			p.FreeCompanyID = freeCompanyID(attr(a, "href"))
		}
	}

	jobs, err := parseJobs(doc)
	if err != nil {
		return nil, err
	}
	p.Jobs = jobs
	return p, nil
}

// splitWorld splits "Gilgamesh [Aether]" into server and datacenter.
func splitWorld(text string) (string, string, error) {
	fields := strings.Fields(strings.ReplaceAll(text, "\u00a0", " "))
	if len(fields) == 0 {
		return "", "", &ParseError{Field: "world", Reason: "empty"}
	}
	server := fields[0]
	dc := strings.Trim(strings.Join(fields[1:], " "), "[]")
	return server, dc, nil
}

// freeCompanyID takes the id out of "/lodestone/freecompany/9229142273877391455/".
func freeCompanyID(href string) string {
	parts := strings.Split(href, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}

func parseJobs(doc *html.Node) (map[string]int, error) {
	jobs := make(map[string]int)
	for _, list := range findAllByClass(doc, atom.Div, classLevelList) {
		for _, li := range findAll(list, atom.Li) {
			img := findElement(li, atom.Img)
			if img == nil {
				continue
			}
			tooltip := attr(img, "data-tooltip")
			tooltip = strings.ReplaceAll(tooltip, " (Limited Job)", "")
			job := strings.TrimSpace(strings.Split(tooltip, " / ")[0])
			if job == "" {
				continue
			}

			raw := strings.TrimSpace(textContent(li))
			if raw == "-" || raw == "" {
				jobs[job] = 0
				continue
			}
			level, err := strconv.Atoi(raw)
			if err != nil {
				return nil, &ParseError{Field: "jobs", Reason: fmt.Sprintf("level %q of %s", raw, job)}
			}
			jobs[job] = level
		}
	}
	return jobs, nil
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func findByClass(n *html.Node, tag atom.Atom, class string) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == tag && hasClass(n, class) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByClass(c, tag, class); found != nil {
			return found
		}
	}
	return nil
}

func findAllByClass(n *html.Node, tag atom.Atom, class string) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == tag && hasClass(n, class) {
			out = append(out, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func findElement(n *html.Node, tag atom.Atom) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == tag {
			return c
		}
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func findAll(n *html.Node, tag atom.Atom) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == tag {
			out = append(out, c)
		}
		out = append(out, findAll(c, tag)...)
	}
	return out
}

func textContent(n *html.Node) string {
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
