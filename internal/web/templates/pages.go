// Package templates renders the fixed response pages of the mirror server.
package templates

import (
	"context"
	"io"

	"github.com/a-h/templ"

	"github.com/JonMunkholm/x11mirror/internal/core"
)

// Title is the <title> of every page.
const Title = "x11mirror-server"

// ContentType is sent with every page.
const ContentType = "text/html; charset=utf-8"

var headings = map[core.Page]string{
	core.PageDefault:    "Hello!",
	core.PageCompleted:  "Upload completed.",
	core.PageBadRequest: "Bad request.",
	core.PageFileExists: "File exists.",
	core.PageIOError:    "Internal server error: I/O error.",
	core.PageBadMethod:  "Method not allowed.",
	core.PageNotFound:   "Not found.",
}

// Heading returns the headline of page, or "" for pages without a body.
func Heading(page core.Page) string {
	return headings[page]
}

// Page renders one of the fixed pages. Pages without a body (the artifact)
// fall back to the io-error page.
func Page(page core.Page) templ.Component {
	heading, ok := headings[page]
	if !ok {
		heading = headings[core.PageIOError]
	}
	return layout(heading)
}

func layout(heading string) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<html><head><title>"+Title+"</title></head><body><h1>"+
			templ.EscapeString(heading)+"</h1></body></html>\r\n")
		return err
	})
}
