package domain

import "slices"

// ResourceType classifies a study resource.
type ResourceType string

const (
	ResourceVideo   ResourceType = "Video"
	ResourceArticle ResourceType = "Article"
	ResourceBook    ResourceType = "Book"
)

// CourseOutline is the structured artifact produced by generation.
type CourseOutline struct {
	Title   string   `json:"title"`
	Modules []Module `json:"modules"`
}

// Module is one section of a course outline.
type Module struct {
	Title     string     `json:"title"`
	Lessons   []string   `json:"lessons"`
	Resources []Resource `json:"resources"`
}

// Resource is a reference attached to a module.
type Resource struct {
	Type  ResourceType `json:"type"`
	Title string       `json:"title"`
	Link  string       `json:"link"`
}

// Clone returns a deep copy of the outline.
func (c *CourseOutline) Clone() *CourseOutline {
	if c == nil {
		return nil
	}
	out := &CourseOutline{Title: c.Title}
	if c.Modules != nil {
		out.Modules = make([]Module, len(c.Modules))
		for i, m := range c.Modules {
			out.Modules[i] = Module{
				Title:     m.Title,
				Lessons:   slices.Clone(m.Lessons),
				Resources: slices.Clone(m.Resources),
			}
		}
	}
	return out
}
