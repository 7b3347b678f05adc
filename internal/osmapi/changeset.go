package osmapi

import (
	"encoding/xml"
	"fmt"
	"sort"
)

type changesetTag struct {
	XMLName xml.Name `xml:"tag"`
	Key     string   `xml:"k,attr"`
	Value   string   `xml:"v,attr"`
}

type changesetDoc struct {
	XMLName   xml.Name `xml:"osm"`
	Changeset struct {
		Tags []changesetTag `xml:"tag"`
	} `xml:"changeset"`
}

// changesetXML serializes changeset metadata tags into the document the
// create endpoint expects. Tags are emitted in key order so the payload
// is deterministic.
func changesetXML(tags map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var doc changesetDoc
	for _, k := range keys {
		doc.Changeset.Tags = append(doc.Changeset.Tags, changesetTag{Key: k, Value: tags[k]})
	}

	payload, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("serialize changeset tags: %w", err)
	}
	return append([]byte(xml.Header), payload...), nil
}
