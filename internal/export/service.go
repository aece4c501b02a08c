package export

import (
	"fmt"
	"html/template"
	"time"

	"atelier/api/internal/block"
)

// Page describes the project being exported.
type Page struct {
	Title       string
	Description string
	Owner       string
	UpdatedAt   time.Time
	Document    block.Document
}

// Service renders projects for download.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

// Export generates an export of the page in the requested format.
func (s *Service) Export(page Page, format Format) (*Result, error) {
	data := TemplateData{
		Title:       page.Title,
		Description: page.Description,
		Owner:       page.Owner,
		UpdatedAt:   page.UpdatedAt,
		ContentHTML: template.HTML(BlockHTML(page.Document)),
	}
	html, err := RenderPageHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(page.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return exportPDF(html, page.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}
