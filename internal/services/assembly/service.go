// Package assembly composes the approved unit sections into the final
// proposal document. It renders both an HTML file and a PDF into the
// configured output directory and reports on assembly.complete.
package assembly

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/compono/internal/interfaces"
	"github.com/ternarybob/compono/internal/models"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Service is the assembly collaborator
type Service struct {
	jobs      interfaces.JobStorage
	units     interfaces.UnitStorage
	events    interfaces.EventService
	logger    arbor.ILogger
	outputDir string
	md        goldmark.Markdown
}

// NewService creates the assembly service writing into outputDir
func NewService(
	jobs interfaces.JobStorage,
	units interfaces.UnitStorage,
	events interfaces.EventService,
	logger arbor.ILogger,
	outputDir string,
) *Service {
	return &Service{
		jobs:      jobs,
		units:     units,
		events:    events,
		logger:    logger,
		outputDir: outputDir,
		md: goldmark.New(
			goldmark.WithExtensions(extension.Table, extension.Strikethrough, extension.Linkify),
		),
	}
}

// Start subscribes the service to assembly.start events
func (s *Service) Start() error {
	return s.events.Subscribe(interfaces.EventAssemblyStart, func(ctx context.Context, event interfaces.Event) error {
		payload := interfaces.PayloadMap(event)
		jobID := interfaces.PayloadString(payload, "job_id")
		if jobID == "" {
			return fmt.Errorf("assembly start missing job_id")
		}

		documentPath, err := s.assemble(ctx, jobID)
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", jobID).Msg("Assembly failed")
			return s.events.Publish(ctx, interfaces.Event{
				Type: interfaces.EventAssemblyComplete,
				Payload: map[string]interface{}{
					"job_id":  jobID,
					"success": false,
					"error":   err.Error(),
				},
			})
		}

		return s.events.Publish(ctx, interfaces.Event{
			Type: interfaces.EventAssemblyComplete,
			Payload: map[string]interface{}{
				"job_id":        jobID,
				"success":       true,
				"document_path": documentPath,
			},
		})
	})
}

// assemble renders the document and returns the PDF path
func (s *Service) assemble(ctx context.Context, jobID string) (string, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	units, err := s.units.ListUnits(ctx, jobID)
	if err != nil {
		return "", err
	}

	markdown, included := s.composeMarkdown(job, units)
	if included == 0 {
		return "", fmt.Errorf("no approved unit content to assemble")
	}

	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	htmlPath := filepath.Join(s.outputDir, jobID+".html")
	if err := s.writeHTML(markdown, documentTitle(job), htmlPath); err != nil {
		return "", err
	}

	pdfPath := filepath.Join(s.outputDir, jobID+".pdf")
	pdfBytes, err := renderPDF(markdown)
	if err != nil {
		return "", fmt.Errorf("failed to render PDF: %w", err)
	}
	if err := os.WriteFile(pdfPath, pdfBytes, 0o644); err != nil {
		return "", fmt.Errorf("failed to write PDF: %w", err)
	}

	s.logger.Info().
		Str("job_id", jobID).
		Int("sections", included).
		Str("pdf_path", pdfPath).
		Str("html_path", htmlPath).
		Msg("Document assembled")

	return pdfPath, nil
}

// composeMarkdown joins the approved sections in unit order. Blocked and
// skipped units are noted as omitted so the reader sees the gap.
func (s *Service) composeMarkdown(job *models.Job, units []*models.Unit) (string, int) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", documentTitle(job))

	included := 0
	for _, unit := range units {
		fmt.Fprintf(&b, "## %s\n\n", unit.Name)
		if unit.Status == models.UnitStatusApproved && unit.Content != "" {
			b.WriteString(unit.Content)
			b.WriteString("\n\n")
			included++
			continue
		}
		fmt.Fprintf(&b, "_Section omitted (%s)._\n\n", unit.Status)
	}

	return b.String(), included
}

func (s *Service) writeHTML(markdown, title, path string) error {
	var body bytes.Buffer
	if err := s.md.Convert([]byte(markdown), &body); err != nil {
		return fmt.Errorf("failed to render HTML: %w", err)
	}

	var page bytes.Buffer
	fmt.Fprintf(&page, "<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>%s</title>\n</head>\n<body>\n", title)
	page.Write(body.Bytes())
	page.WriteString("</body>\n</html>\n")

	if err := os.WriteFile(path, page.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write HTML: %w", err)
	}
	return nil
}

func documentTitle(job *models.Job) string {
	if title, ok := job.Input["title"].(string); ok && title != "" {
		return title
	}
	return "Proposal " + job.ID
}
