package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Content is a message body: free text, or a course outline for course turns.
// On the wire it is a JSON string or a JSON object respectively.
type Content struct {
	Text   string
	Course *CourseOutline
}

// TextContent wraps plain text.
func TextContent(s string) Content {
	return Content{Text: s}
}

// CourseContent wraps a course outline.
func CourseContent(c *CourseOutline) Content {
	return Content{Course: c}
}

// String returns the text body, or the outline title for course content.
func (c Content) String() string {
	if c.Course != nil {
		return c.Course.Title
	}
	return c.Text
}

// MarshalJSON implements json.Marshaler.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Course != nil {
		return json.Marshal(c.Course)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = Content{}
		return nil
	case data[0] == '{':
		var course CourseOutline
		if err := json.Unmarshal(data, &course); err != nil {
			return fmt.Errorf("decode course content: %w", err)
		}
		*c = Content{Course: &course}
		return nil
	default:
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode text content: %w", err)
		}
		*c = Content{Text: s}
		return nil
	}
}
