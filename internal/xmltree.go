package internal

import (
	"bytes"
	"encoding/xml"
	"io"
	"sort"
	"strings"
)

// TextKey is the reserved key under which an element's character data is
// stored in a Node.
const TextKey = "@text"

// Node is a generic XML element tree. Child elements are stored under their
// local name: a single occurrence as a Node, repeated siblings as an ordered
// []Node. Attributes are stored inline as strings, and text content under
// TextKey. Namespace prefixes are discarded; the real-world multistatus
// dialects this package deals with disagree on prefixes but not on local
// names.
type Node map[string]interface{}

// ParseTree decodes an XML document into a Node keyed by the local names of
// the document's top-level elements.
func ParseTree(data []byte) (Node, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	root := Node{}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			child, err := parseElement(dec, start)
			if err != nil {
				return nil, err
			}
			root.add(start.Name.Local, child)
		}
	}
	return root, nil
}

func parseElement(dec *xml.Decoder, start xml.StartElement) (Node, error) {
	n := Node{}
	for _, attr := range start.Attr {
		if attr.Name.Space == "xmlns" || attr.Name.Local == "xmlns" {
			continue
		}
		n[attr.Name.Local] = attr.Value
	}

	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch tok := tok.(type) {
		case xml.StartElement:
			child, err := parseElement(dec, tok)
			if err != nil {
				return nil, err
			}
			n.add(tok.Name.Local, child)
		case xml.CharData:
			if s := strings.TrimSpace(string(tok)); s != "" {
				text.WriteString(s)
			}
		case xml.EndElement:
			if text.Len() > 0 {
				n[TextKey] = text.String()
			}
			return n, nil
		}
	}
}

func (n Node) add(name string, child Node) {
	switch existing := n[name].(type) {
	case nil:
		n[name] = child
	case Node:
		n[name] = []Node{existing, child}
	case []Node:
		n[name] = append(existing, child)
	}
}

// Has reports whether the node has an entry for key.
func (n Node) Has(key string) bool {
	_, ok := n[key]
	return ok
}

// IsList reports whether key holds repeated sibling elements.
func (n Node) IsList(key string) bool {
	_, ok := n[key].([]Node)
	return ok
}

// Map returns the single child element stored under key, or nil if the key is
// absent, holds repeated siblings, or holds an attribute value.
func (n Node) Map(key string) Node {
	child, _ := n[key].(Node)
	return child
}

// List returns the child elements stored under key; a single occurrence is
// returned as a one-element list.
func (n Node) List(key string) []Node {
	switch child := n[key].(type) {
	case Node:
		return []Node{child}
	case []Node:
		return child
	}
	return nil
}

// Text walks the given element path and returns the text content of the final
// element, or "" anywhere along the way. The final path element may also name
// an attribute.
func (n Node) Text(path ...string) string {
	cur := n
	for i, key := range path {
		next := cur.Map(key)
		if next == nil {
			if i == len(path)-1 {
				s, _ := cur[key].(string)
				return s
			}
			return ""
		}
		cur = next
	}
	s, _ := cur[TextKey].(string)
	return s
}

// Keys returns the node's child element and attribute names, sorted, without
// the reserved text key.
func (n Node) Keys() []string {
	keys := make([]string, 0, len(n))
	for k := range n {
		if k != TextKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
