package core

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// Namespaces of the two package manifests.
const (
	ContentTypesNamespace  = "http://schemas.openxmlformats.org/package/2006/content-types"
	RelationshipsNamespace = "http://schemas.openxmlformats.org/package/2006/relationships"
)

// RelationshipsContentType is the content type registered for ".rels" parts.
const RelationshipsContentType = "application/vnd.openxmlformats-package.relationships+xml"

// ContentTypes is the content-types manifest ("[Content_Types].xml").
type ContentTypes struct {
	XMLName   xml.Name       `xml:"http://schemas.openxmlformats.org/package/2006/content-types Types"`
	Defaults  []DefaultType  `xml:"Default"`
	Overrides []OverrideType `xml:"Override"`
}

// DefaultType maps a file extension to a content type.
type DefaultType struct {
	Extension   string `xml:"Extension,attr"`
	ContentType string `xml:"ContentType,attr"`
}

// OverrideType maps a single part to a content type.
type OverrideType struct {
	PartName    string `xml:"PartName,attr"`
	ContentType string `xml:"ContentType,attr"`
}

// Relationships is the package relationships manifest ("_rels/.rels").
type Relationships struct {
	XMLName       xml.Name       `xml:"http://schemas.openxmlformats.org/package/2006/relationships Relationships"`
	Relationships []Relationship `xml:"Relationship"`
}

// Relationship declares a typed link from the package to one of its parts.
type Relationship struct {
	ID     string `xml:"Id,attr"`
	Target string `xml:"Target,attr"`
	Type   string `xml:"Type,attr"`
}

// manifest tracks one manifest document and whether it differs from the
// archive entry it mirrors.
type manifest[T any] struct {
	doc         T
	dirty       bool
	synthesized bool
}

func newContentTypes() *ContentTypes {
	return &ContentTypes{XMLName: xml.Name{Space: ContentTypesNamespace, Local: "Types"}}
}

func newRelationships() *Relationships {
	return &Relationships{XMLName: xml.Name{Space: RelationshipsNamespace, Local: "Relationships"}}
}

// setDefault adds or replaces the default content type for ext.
// It reports whether the manifest changed.
func (c *ContentTypes) setDefault(ext, contentType string) bool {
	ext = strings.TrimPrefix(ext, ".")
	for i := range c.Defaults {
		if strings.EqualFold(c.Defaults[i].Extension, ext) {
			if c.Defaults[i].ContentType == contentType {
				return false
			}
			c.Defaults[i].ContentType = contentType
			return true
		}
	}
	c.Defaults = append(c.Defaults, DefaultType{Extension: ext, ContentType: contentType})
	return true
}

// setOverride adds or replaces the content type of a single part.
func (c *ContentTypes) setOverride(partName, contentType string) bool {
	for i := range c.Overrides {
		if c.Overrides[i].PartName == partName {
			if c.Overrides[i].ContentType == contentType {
				return false
			}
			c.Overrides[i].ContentType = contentType
			return true
		}
	}
	c.Overrides = append(c.Overrides, OverrideType{PartName: partName, ContentType: contentType})
	return true
}

// Lookup returns the content type of partName, preferring overrides over
// extension defaults.
func (c *ContentTypes) Lookup(partName string) (string, bool) {
	for _, o := range c.Overrides {
		if o.PartName == partName {
			return o.ContentType, true
		}
	}
	dot := strings.LastIndexByte(partName, '.')
	if dot < 0 || strings.Contains(partName[dot:], "/") {
		return "", false
	}
	ext := partName[dot+1:]
	for _, d := range c.Defaults {
		if strings.EqualFold(d.Extension, ext) {
			return d.ContentType, true
		}
	}
	return "", false
}

func (c *ContentTypes) clone() *ContentTypes {
	out := *c
	out.Defaults = append([]DefaultType(nil), c.Defaults...)
	out.Overrides = append([]OverrideType(nil), c.Overrides...)
	return &out
}

// add appends a relationship with a fresh id and returns that id.
func (r *Relationships) add(target, relType string) string {
	used := make(map[string]bool, len(r.Relationships))
	for _, rel := range r.Relationships {
		used[rel.ID] = true
	}
	var id string
	for n := len(r.Relationships); ; n++ {
		id = fmt.Sprintf("rel%d", n)
		if !used[id] {
			break
		}
	}
	r.Relationships = append(r.Relationships, Relationship{ID: id, Target: target, Type: relType})
	return id
}

func (r *Relationships) clone() *Relationships {
	out := *r
	out.Relationships = append([]Relationship(nil), r.Relationships...)
	return &out
}

// encodeManifest serializes doc prefixed by the XML declaration and a newline.
func encodeManifest(doc any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeManifest parses data into doc. Any syntax error, or a root element
// with the wrong name or namespace, is reported as ErrFormat.
func decodeManifest(name string, data []byte, doc any) error {
	if err := xml.Unmarshal(data, doc); err != nil {
		return fmt.Errorf("%s: %w: %w", name, ErrFormat, err)
	}
	return nil
}
