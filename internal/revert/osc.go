package revert

import (
	"encoding/xml"
	"fmt"
)

// Element is one OSM primitive at one version.
type Element struct {
	Kind      string
	ID        int64
	Version   int64
	Changeset string
	Visible   bool
	Lat       string
	Lon       string
	Tags      []Tag
	Nodes     []int64
	Members   []Member
}

// Tag is one k/v pair on an element.
type Tag struct {
	K string
	V string
}

// Member is one relation member.
type Member struct {
	Type string
	Ref  int64
	Role string
}

// xmlElement is the wire shape shared by nodes, ways and relations.
type xmlElement struct {
	ID        int64       `xml:"id,attr"`
	Version   int64       `xml:"version,attr"`
	Changeset string      `xml:"changeset,attr,omitempty"`
	Visible   string      `xml:"visible,attr,omitempty"`
	Lat       string      `xml:"lat,attr,omitempty"`
	Lon       string      `xml:"lon,attr,omitempty"`
	Tags      []xmlTag    `xml:"tag"`
	NDs       []xmlND     `xml:"nd"`
	Members   []xmlMember `xml:"member"`
}

type xmlTag struct {
	K string `xml:"k,attr"`
	V string `xml:"v,attr"`
}

type xmlND struct {
	Ref int64 `xml:"ref,attr"`
}

type xmlMember struct {
	Type string `xml:"type,attr"`
	Ref  int64  `xml:"ref,attr"`
	Role string `xml:"role,attr"`
}

// elementGroup is any container holding the three primitive kinds.
type elementGroup struct {
	Nodes     []xmlElement `xml:"node"`
	Ways      []xmlElement `xml:"way"`
	Relations []xmlElement `xml:"relation"`
}

type osmChangeDoc struct {
	XMLName xml.Name       `xml:"osmChange"`
	Create  []elementGroup `xml:"create"`
	Modify  []elementGroup `xml:"modify"`
	Delete  []elementGroup `xml:"delete"`
}

type osmDoc struct {
	XMLName xml.Name `xml:"osm"`
	elementGroup
}

func (g elementGroup) elements() []Element {
	var out []Element
	for _, e := range g.Nodes {
		out = append(out, e.toElement("node"))
	}
	for _, e := range g.Ways {
		out = append(out, e.toElement("way"))
	}
	for _, e := range g.Relations {
		out = append(out, e.toElement("relation"))
	}
	return out
}

func (e xmlElement) toElement(kind string) Element {
	el := Element{
		Kind:      kind,
		ID:        e.ID,
		Version:   e.Version,
		Changeset: e.Changeset,
		Visible:   e.Visible != "false",
		Lat:       e.Lat,
		Lon:       e.Lon,
	}
	for _, t := range e.Tags {
		el.Tags = append(el.Tags, Tag{K: t.K, V: t.V})
	}
	for _, nd := range e.NDs {
		el.Nodes = append(el.Nodes, nd.Ref)
	}
	for _, m := range e.Members {
		el.Members = append(el.Members, Member{Type: m.Type, Ref: m.Ref, Role: m.Role})
	}
	return el
}

func (e Element) toXML(changesetID string) xmlElement {
	out := xmlElement{
		ID:        e.ID,
		Version:   e.Version,
		Changeset: changesetID,
		Lat:       e.Lat,
		Lon:       e.Lon,
	}
	for _, t := range e.Tags {
		out.Tags = append(out.Tags, xmlTag{K: t.K, V: t.V})
	}
	for _, ref := range e.Nodes {
		out.NDs = append(out.NDs, xmlND{Ref: ref})
	}
	for _, m := range e.Members {
		out.Members = append(out.Members, xmlMember{Type: m.Type, Ref: m.Ref, Role: m.Role})
	}
	return out
}

// parseOsmChange reads an osmChange document into flat action lists.
func parseOsmChange(data []byte) (created, modified, deleted []Element, err error) {
	var doc osmChangeDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, nil, nil, fmt.Errorf("parse osmChange: %w", err)
	}
	for _, block := range doc.Create {
		created = append(created, block.elements()...)
	}
	for _, block := range doc.Modify {
		modified = append(modified, block.elements()...)
	}
	for _, block := range doc.Delete {
		deleted = append(deleted, block.elements()...)
	}
	return created, modified, deleted, nil
}

// parseOsm reads a plain osm document (history, element fetches).
func parseOsm(data []byte) ([]Element, error) {
	var doc osmDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse osm document: %w", err)
	}
	return doc.elements(), nil
}

type changesetMetaDoc struct {
	XMLName    xml.Name `xml:"osm"`
	Changesets []struct {
		ID   string `xml:"id,attr"`
		User string `xml:"user,attr"`
	} `xml:"changeset"`
}

// parseChangesetUser extracts the author's display name from a
// changeset metadata document.
func parseChangesetUser(data []byte) (string, error) {
	var doc changesetMetaDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("parse changeset metadata: %w", err)
	}
	if len(doc.Changesets) == 0 {
		return "", fmt.Errorf("changeset metadata is empty")
	}
	return doc.Changesets[0].User, nil
}

type oscGroup struct {
	Nodes     []xmlElement `xml:"node"`
	Ways      []xmlElement `xml:"way"`
	Relations []xmlElement `xml:"relation"`
}

type oscOut struct {
	XMLName   xml.Name  `xml:"osmChange"`
	Version   string    `xml:"version,attr"`
	Generator string    `xml:"generator,attr"`
	Create    *oscGroup `xml:"create,omitempty"`
	Modify    *oscGroup `xml:"modify,omitempty"`
	Delete    *oscGroup `xml:"delete,omitempty"`
}

func (g *oscGroup) add(e xmlElement, kind string) {
	switch kind {
	case "node":
		g.Nodes = append(g.Nodes, e)
	case "way":
		g.Ways = append(g.Ways, e)
	case "relation":
		g.Relations = append(g.Relations, e)
	}
}

// OSC serializes the change set into the upload document, stamping
// every element with the target changeset ID.
func (cs ChangeSet) OSC(changesetID string) ([]byte, error) {
	doc := oscOut{Version: "0.6", Generator: "RevertUI"}

	for _, op := range cs {
		var group **oscGroup
		switch op.Action {
		case ActionCreate:
			group = &doc.Create
		case ActionModify:
			group = &doc.Modify
		case ActionDelete:
			group = &doc.Delete
		default:
			return nil, fmt.Errorf("unknown change action %q", op.Action)
		}
		if *group == nil {
			*group = &oscGroup{}
		}
		(*group).add(op.Element.toXML(changesetID), op.Element.Kind)
	}

	payload, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("serialize change set: %w", err)
	}
	return append([]byte(xml.Header), payload...), nil
}
