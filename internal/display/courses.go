package display

import (
	"fmt"
	"io"
	"strings"

	"github.com/polzovatel/course-scout/internal/extract"
)

// WriteCourses prints a scrape outcome the way an operator reads it in a terminal.
func WriteCourses(w io.Writer, targetURL, instructions string, list *extract.CourseList, runErr error) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Target: %s\n", targetURL)
	fmt.Fprintf(&b, "Instructions: %s\n\n", strings.Join(strings.Fields(instructions), " "))

	switch {
	case runErr != nil:
		fmt.Fprintf(&b, "Error: %v\n", runErr)
	case list == nil || len(list.Courses) == 0:
		b.WriteString("No courses found.\n")
	default:
		fmt.Fprintf(&b, "%d courses\n", len(list.Courses))
		for i, c := range list.Courses {
			fmt.Fprintf(&b, "\n%d. %s\n", i+1, c.Title)
			if len(c.Presenter) > 0 {
				fmt.Fprintf(&b, "   Presenter: %s\n", strings.Join(c.Presenter, ", "))
			}
			if c.Description != "" {
				fmt.Fprintf(&b, "   %s\n", c.Description)
			}
			fmt.Fprintf(&b, "   Course: %s\n", c.CourseURL)
			if c.ImageURL != "" {
				fmt.Fprintf(&b, "   Image:  %s\n", c.ImageURL)
			}
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
