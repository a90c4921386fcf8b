package email

import (
	"fmt"
	"io"
	"mime"
	"strings"
)

// Content is a message body: either a *Multipart or a TypedContent.
type Content interface {
	// MediaType returns the declared MIME type of the content.
	MediaType() string
}

// Multipart is a structured body made of several parts.
type Multipart struct {
	// Subtype is the multipart subtype, e.g. "mixed" or "alternative".
	Subtype string
	Parts   []Part
}

// Part is one entry of a Multipart. Parts with a Filename are attachments.
type Part struct {
	ContentType string
	Filename    string
	Content     []byte
}

// IsAttachment reports whether the part is a file attachment.
func (p Part) IsAttachment() bool {
	return p.Filename != ""
}

// NewMultipart returns an empty multipart of the given subtype.
// An empty subtype defaults to "mixed".
func NewMultipart(subtype string) *Multipart {
	if subtype == "" {
		subtype = "mixed"
	}
	return &Multipart{Subtype: subtype}
}

// MediaType implements Content.
func (m *Multipart) MediaType() string {
	return "multipart/" + m.Subtype
}

// AddText appends an inline body part.
func (m *Multipart) AddText(contentType, body string) *Multipart {
	m.Parts = append(m.Parts, Part{ContentType: contentType, Content: []byte(body)})
	return m
}

// Attach appends a file attachment.
func (m *Multipart) Attach(filename, contentType string, content []byte) *Multipart {
	m.Parts = append(m.Parts, Part{
		ContentType: contentType,
		Filename:    filename,
		Content:     content,
	})
	return m
}

// Clone returns a deep copy of the multipart, part bytes included.
func (m *Multipart) Clone() *Multipart {
	if m == nil {
		return nil
	}
	out := &Multipart{Subtype: m.Subtype, Parts: make([]Part, len(m.Parts))}
	for i, p := range m.Parts {
		p.Content = append([]byte(nil), p.Content...)
		out.Parts[i] = p
	}
	return out
}

// Inline returns the parts that are not attachments.
func (m *Multipart) Inline() []Part {
	var out []Part
	for _, p := range m.Parts {
		if !p.IsAttachment() {
			out = append(out, p)
		}
	}
	return out
}

// Attachments returns the parts that carry a filename.
func (m *Multipart) Attachments() []Part {
	var out []Part
	for _, p := range m.Parts {
		if p.IsAttachment() {
			out = append(out, p)
		}
	}
	return out
}

// TypedContent is an arbitrary payload tagged with an explicit MIME type.
// Transport libraries decide which payload Go types they can encode.
type TypedContent struct {
	Payload     any
	ContentType string
}

// MediaType implements Content.
func (t TypedContent) MediaType() string {
	return t.ContentType
}

// Buffered returns t with an io.Reader payload read into a []byte, so the
// content renders the same way on every build. Other payloads are kept as is.
func (t TypedContent) Buffered() (TypedContent, error) {
	switch p := t.Payload.(type) {
	case []byte, string, fmt.Stringer:
		return t, nil
	case io.Reader:
		body, err := io.ReadAll(p)
		if err != nil {
			return TypedContent{}, fmt.Errorf("failed to read payload: %w", err)
		}
		t.Payload = body
	}
	return t, nil
}

// CloneContent copies c so later changes to the original do not reach the
// copy. Multipart parts and []byte payloads are copied; other payloads are
// shared.
func CloneContent(c Content) Content {
	switch v := c.(type) {
	case *Multipart:
		if v == nil {
			return nil
		}
		return v.Clone()
	case TypedContent:
		if b, ok := v.Payload.([]byte); ok {
			v.Payload = append([]byte(nil), b...)
		}
		return v
	default:
		return c
	}
}

// Body resolves the payload into bytes along with its parsed media type.
// Supported payloads are string, []byte, fmt.Stringer and io.Reader; any
// other Go type has no encoder and is rejected, as is a content type that
// lacks a subtype.
func (t TypedContent) Body() (mediaType string, params map[string]string, body []byte, err error) {
	mediaType, params, err = mime.ParseMediaType(t.ContentType)
	if err != nil {
		return "", nil, nil, fmt.Errorf("invalid content type %q: %w", t.ContentType, err)
	}
	if !strings.Contains(mediaType, "/") {
		return "", nil, nil, fmt.Errorf("content type %q has no subtype", t.ContentType)
	}

	switch p := t.Payload.(type) {
	case nil:
		return mediaType, params, nil, nil
	case string:
		body = []byte(p)
	case []byte:
		body = p
	case fmt.Stringer:
		body = []byte(p.String())
	case io.Reader:
		body, err = io.ReadAll(p)
		if err != nil {
			return "", nil, nil, fmt.Errorf("failed to read payload: %w", err)
		}
	default:
		return "", nil, nil, fmt.Errorf("no encoder for payload of type %T with content type %q", t.Payload, t.ContentType)
	}
	return mediaType, params, body, nil
}

// Validate checks that the multipart has at least one part and that every
// part declares a parseable media type.
func (m *Multipart) Validate() error {
	if len(m.Parts) == 0 {
		return fmt.Errorf("multipart/%s content has no parts", m.Subtype)
	}
	for i, p := range m.Parts {
		if p.ContentType == "" {
			continue
		}
		if _, _, err := mime.ParseMediaType(p.ContentType); err != nil {
			return fmt.Errorf("part %d: invalid content type %q: %w", i, p.ContentType, err)
		}
	}
	return nil
}
