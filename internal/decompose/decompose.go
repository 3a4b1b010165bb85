// Package decompose splits a raw mail message into a text body, an HTML
// body and attachments.
package decompose

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"

	"github.io/infrasutra/mailfetch/internal/decode"
)

// Part is one attachment split off a message.
type Part struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Content is the decomposed form of one message. At most one text and one
// HTML body are kept; when a message declares several parts of the same
// type the last one wins.
type Content struct {
	Text        string
	HTML        string
	Attachments []Part
	IsMultipart bool
}

// Message decomposes raw message bytes. Bytes that cannot be parsed as a
// MIME message at all degrade to a single text body.
func Message(raw []byte) (Content, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return Content{Text: decode.Text(raw)}, nil
	}

	mediaType := entityType(entity)
	if !strings.HasPrefix(mediaType, "multipart/") {
		body, err := io.ReadAll(entity.Body)
		if err != nil {
			return Content{}, fmt.Errorf("read message body: %w", err)
		}
		content := Content{Attachments: []Part{}}
		if mediaType == "text/html" {
			content.HTML = decode.Text(body)
		} else {
			content.Text = decode.Text(body)
		}
		return content, nil
	}

	content := Content{Attachments: []Part{}, IsMultipart: true}
	counter := 0
	walkErr := entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil && !message.IsUnknownCharset(err) {
			return err
		}
		partType := entityType(part)
		// multipart/* entities are just containers
		if strings.HasPrefix(partType, "multipart/") {
			return nil
		}
		counter++

		body, err := io.ReadAll(part.Body)
		if err != nil {
			return fmt.Errorf("read part %d: %w", counter, err)
		}

		if filename := partFilename(part); filename != "" {
			content.Attachments = append(content.Attachments, Part{
				Filename:    filename,
				ContentType: partType,
				Data:        body,
			})
			return nil
		}

		switch partType {
		case "text/plain":
			content.Text = decode.Text(body)
		case "text/html":
			content.HTML = decode.Text(body)
		default:
			content.Attachments = append(content.Attachments, Part{
				Filename:    syntheticName(counter, partType),
				ContentType: partType,
				Data:        body,
			})
		}
		return nil
	})
	if walkErr != nil {
		return Content{}, fmt.Errorf("walk message: %w", walkErr)
	}
	return content, nil
}

// entityType returns the declared media type, defaulting to text/plain when
// absent or unparseable.
func entityType(e *message.Entity) string {
	mediaType, _, err := e.Header.ContentType()
	if err != nil || mediaType == "" {
		return "text/plain"
	}
	return strings.ToLower(mediaType)
}

func partFilename(e *message.Entity) string {
	if _, params, err := e.Header.ContentDisposition(); err == nil {
		if name := params["filename"]; name != "" {
			return decode.Header(name)
		}
	}
	if _, params, err := e.Header.ContentType(); err == nil {
		if name := params["name"]; name != "" {
			return decode.Header(name)
		}
	}
	return ""
}

// syntheticName builds part-NNN.<ext> for payload parts that declare no
// filename, guessing the extension from the content type.
func syntheticName(counter int, contentType string) string {
	ext := ".bin"
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	return fmt.Sprintf("part-%03d%s", counter, ext)
}
