package android

import (
	"encoding/xml"
	"fmt"
	"io"
)

const (
	AndroidManifestName = "AndroidManifest.xml"

	// XMLNS is the android XML namespace declared on every manifest root.
	XMLNS = "http://schemas.android.com/apk/res/android"
)

type Manifest struct {
	XMLName        xml.Name                 `xml:"manifest"`
	UsesSDK        *ManifestUsesSDK         `xml:"uses-sdk,omitempty"`
	UsesPermission []ManifestUsesPermission `xml:"uses-permission"`
	UsesFeature    []ManifestUsesFeature    `xml:"uses-feature"`
	Permission     []ManifestPermission     `xml:"permission"`
	Application    ManifestApplication      `xml:"application"`
	Attrs          []xml.Attr               `xml:",any,attr"`
}

func (m *Manifest) Package() string {
	for _, attr := range m.Attrs {
		if attr.Name.Local == "package" {
			return attr.Value
		}
	}

	return ""
}

type ManifestUsesSDK struct {
	Attrs []xml.Attr `xml:",any,attr"`
}

type ManifestUsesPermission struct {
	Attrs []xml.Attr `xml:",any,attr"`
}

// Name returns the android:name attribute of a uses-permission element.
func (p ManifestUsesPermission) Name() string {
	for _, attr := range p.Attrs {
		if attr.Name.Local == "android:name" || attr.Name.Local == "name" {
			return attr.Value
		}
	}

	return ""
}

type ManifestUsesFeature struct {
	Attrs []xml.Attr `xml:",any,attr"`
}

type ManifestPermission struct {
	Attrs []xml.Attr `xml:",any,attr"`
}

type ManifestApplication struct {
	Activities      []ManifestApplicationActivity `xml:"activity"`
	ActivityAliases []ManifestApplicationActivity `xml:"activity-alias"`
	Receivers       []ManifestApplicationActivity `xml:"receiver"`
	Services        []ManifestApplicationActivity `xml:"service"`
	Providers       []ManifestApplicationActivity `xml:"provider"`
	UsesLibraries   []ManifestApplicationMetadata `xml:"uses-library"`
	Attrs           []xml.Attr                    `xml:",any,attr"`
}

type ManifestApplicationActivity struct {
	Metadata     ManifestApplicationMetadata     `xml:"metadata"`
	IntentFilter ManifestApplicationIntentFilter `xml:"intent-filter"`
	Attrs        []xml.Attr                      `xml:",any,attr"`
}

type ManifestApplicationIntentFilter struct {
	Actions    []ManifestApplicationMetadata `xml:"action"`
	Categories []ManifestApplicationMetadata `xml:"category"`
}

type ManifestApplicationMetadata struct {
	Attrs []xml.Attr `xml:",any,attr"`
}

// Attr builds an xml.Attr with a plain or android:-prefixed name.
func Attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

// SetAttr sets an attribute last-write-wins, preserving the position of
// an existing attribute of the same name.
func SetAttr(attrs []xml.Attr, name, value string) []xml.Attr {
	for i, attr := range attrs {
		if attr.Name.Local == name {
			attrs[i].Value = value
			return attrs
		}
	}

	return append(attrs, Attr(name, value))
}

// EncodeManifest writes the manifest as an XML document.
func EncodeManifest(w io.Writer, m *Manifest) error {
	if _, err := fmt.Fprint(w, xml.Header); err != nil {
		return err
	}

	enc := xml.NewEncoder(w)
	enc.Indent("", "    ")

	if err := enc.Encode(m); err != nil {
		return err
	}

	return enc.Close()
}

// DecodeManifest parses an XML manifest document.
func DecodeManifest(r io.Reader) (*Manifest, error) {
	manifest := &Manifest{}
	if err := xml.NewDecoder(r).Decode(manifest); err != nil {
		return nil, err
	}

	return manifest, nil
}
