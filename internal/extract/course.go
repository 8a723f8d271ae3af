// Package extract turns listing page markup into course records through a
// schema constrained language model call.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/polzovatel/course-scout/internal/llm"
)

const schemaName = "course_list"

var ErrSchemaViolation = errors.New("schema violation")

type Course struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Presenter   []string `json:"presenter"`
	ImageURL    string   `json:"imageUrl"`
	CourseURL   string   `json:"courseURL"`
}

type CourseList struct {
	Courses []Course `json:"courses"`
}

type schema map[string]any

// Schema is strict: every field required and no extra properties, which is
// what OpenAI structured outputs demand.
func Schema() *llm.Schema {
	course := object(schema{
		"title":       str("course title"),
		"description": str("short course description"),
		"presenter":   array(str("presenter name"), "names of the instructors"),
		"imageUrl":    str("course image URL as found in the page"),
		"courseURL":   str("course page URL as found in the page"),
	}, []string{"title", "description", "presenter", "imageUrl", "courseURL"})

	return &llm.Schema{
		Name:        schemaName,
		Description: "Courses listed on the page",
		JSON: object(schema{
			"courses": array(course, "every qualifying course in page order"),
		}, []string{"courses"}),
	}
}

func object(props schema, required []string) map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any(props),
		"required":             required,
		"additionalProperties": false,
	}
}

func array(items map[string]any, desc string) map[string]any {
	return map[string]any{"type": "array", "items": items, "description": desc}
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }

// SystemPrompt layers the caller's instructions over the fixed extraction contract.
func SystemPrompt(instructions string) string {
	var b strings.Builder
	b.WriteString("You are an expert web scraping agent. Your task is to:\n")
	b.WriteString("Extract relevant information from this HTML to JSON following these instructions:\n")
	b.WriteString(strings.TrimSpace(instructions))
	b.WriteString("\n\nExtract the title, description, presenter, the image URL and course URL for each of all the courses on the page.\n\n")
	b.WriteString("Return ONLY valid JSON, no markdown or extra text.")
	return b.String()
}

// Truncate keeps at most limit characters of markup. A non-positive limit
// leaves markup untouched.
func Truncate(markup string, limit int) string {
	if limit <= 0 || len(markup) <= limit {
		return markup
	}
	if utf8.RuneCountInString(markup) <= limit {
		return markup
	}
	n := 0
	for i := range markup {
		if n == limit {
			return markup[:i]
		}
		n++
	}
	return markup
}

type wireCourse struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Presenter   *[]*string `json:"presenter"`
	ImageURL    *string    `json:"imageUrl"`
	CourseURL   *string    `json:"courseURL"`
}

type wireList struct {
	Courses *[]*wireCourse `json:"courses"`
}

// Decode parses a model reply into a CourseList. Anything that does not match
// the schema exactly yields ErrSchemaViolation and no list.
func Decode(raw string) (*CourseList, error) {
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()

	var wl wireList
	if err := dec.Decode(&wl); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSchemaViolation, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after document", ErrSchemaViolation)
	}
	if wl.Courses == nil {
		return nil, fmt.Errorf("%w: missing courses", ErrSchemaViolation)
	}

	list := &CourseList{Courses: make([]Course, 0, len(*wl.Courses))}
	for i, wc := range *wl.Courses {
		c, err := wc.course()
		if err != nil {
			return nil, fmt.Errorf("%w: course %d: %w", ErrSchemaViolation, i, err)
		}
		list.Courses = append(list.Courses, c)
	}
	return list, nil
}

func (wc *wireCourse) course() (Course, error) {
	if wc == nil {
		return Course{}, errors.New("null course")
	}
	var missing []string
	if wc.Title == nil {
		missing = append(missing, "title")
	}
	if wc.Description == nil {
		missing = append(missing, "description")
	}
	if wc.Presenter == nil {
		missing = append(missing, "presenter")
	}
	if wc.ImageURL == nil {
		missing = append(missing, "imageUrl")
	}
	if wc.CourseURL == nil {
		missing = append(missing, "courseURL")
	}
	if len(missing) > 0 {
		return Course{}, fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	presenter := make([]string, 0, len(*wc.Presenter))
	for j, name := range *wc.Presenter {
		if name == nil {
			return Course{}, fmt.Errorf("presenter %d is null", j)
		}
		presenter = append(presenter, *name)
	}
	return Course{
		Title:       *wc.Title,
		Description: *wc.Description,
		Presenter:   presenter,
		ImageURL:    *wc.ImageURL,
		CourseURL:   *wc.CourseURL,
	}, nil
}

// ResolveURLs makes relative image and course links absolute against base.
// Links that do not parse are left as they are.
func (l *CourseList) ResolveURLs(base string) error {
	if l == nil || strings.TrimSpace(base) == "" {
		return nil
	}
	baseURL, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return fmt.Errorf("parse base url: %w", err)
	}
	for i := range l.Courses {
		l.Courses[i].ImageURL = resolve(baseURL, l.Courses[i].ImageURL)
		l.Courses[i].CourseURL = resolve(baseURL, l.Courses[i].CourseURL)
	}
	return nil
}

func resolve(base *url.URL, link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return link
	}
	ref, err := url.Parse(link)
	if err != nil {
		return link
	}
	return base.ResolveReference(ref).String()
}
