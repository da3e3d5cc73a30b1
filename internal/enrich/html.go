package enrich

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ajslaghu/open-agenda-api/internal/extract"
)

var htmlContentTypes = []string{"application/html", "text/html", "application/xhtml+xml"}

// HTMLTextTask extracts the document title and visible text of HTML pages.
func HTMLTextTask() Task {
	return Task{
		Name:         TaskHTMLText,
		ContentTypes: OnlyContentTypes(htmlContentTypes...),
		Transform: func(_ context.Context, obj extract.RawObject, rec *Record) (Outcome, error) {
			doc, err := goquery.NewDocumentFromReader(bytes.NewReader(obj.Payload))
			if err != nil {
				return Declined, fmt.Errorf("parse html: %w", err)
			}
			doc.Find("script, style, noscript, template").Remove()

			if title := collapse(doc.Find("title").First().Text()); title != "" {
				rec.Set("title", title)
			}
			body := doc.Find("body")
			if body.Length() == 0 {
				body = doc.Selection
			}
			rec.Set("text", collapse(body.Text()))
			return Applied, nil
		},
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
