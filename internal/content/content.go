package content

// PartKind discriminates normalized prompt parts.
type PartKind string

const (
	KindText PartKind = "text" // inline text
	KindBlob PartKind = "blob" // fetched bytes embedded inline
	KindRef  PartKind = "ref"  // external reference kept by URI
)

// Part is one element of the normalized prompt payload handed to a
// backend driver.
type Part struct {
	Kind     PartKind
	Text     string
	Data     []byte
	URI      string
	MimeType string
}

// Content is the normalized multi-part prompt built from the most
// recent user message. Chars counts the text characters that passed
// through, recorded for observability, not enforced as a limit.
type Content struct {
	Parts []Part
	Chars int
}

// Text concatenates the inline text of all text parts.
func (c Content) Text() string {
	var out string
	for _, p := range c.Parts {
		if p.Kind == KindText {
			out += p.Text
		}
	}
	return out
}
