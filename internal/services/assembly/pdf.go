package assembly

import (
	"bytes"
	"fmt"

	"github.com/go-pdf/fpdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// renderPDF converts the assembled markdown into PDF bytes. The renderer
// covers the markdown the generation models actually emit: headings,
// paragraphs, emphasis, lists and horizontal rules.
func renderPDF(markdown string) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()
	pdf.SetFont("Arial", "", 10)

	md := goldmark.New(
		goldmark.WithExtensions(extension.Table, extension.Strikethrough),
	)

	source := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(source))

	r := &sectionRenderer{pdf: pdf, source: source}
	if err := ast.Walk(doc, r.walk); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("pdf output failed: %w", err)
	}
	return buf.Bytes(), nil
}

type sectionRenderer struct {
	pdf    *fpdf.Fpdf
	source []byte
	bold   bool
	italic bool
	inList bool
}

func (r *sectionRenderer) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Heading:
		r.heading(node, entering)
	case *ast.Paragraph:
		if !entering {
			r.pdf.Ln(7)
		}
	case *ast.Text:
		if entering {
			r.pdf.Write(5, string(node.Text(r.source)))
		}
	case *ast.Emphasis:
		if node.Level == 2 {
			r.bold = entering
		} else {
			r.italic = entering
		}
		r.applyFont()
	case *ast.CodeSpan:
		if entering {
			r.pdf.SetFont("Courier", "", 9)
		} else {
			r.applyFont()
		}
	case *ast.List:
		r.inList = entering
		if !entering {
			r.pdf.Ln(3)
		}
	case *ast.ListItem:
		if entering {
			r.pdf.Write(5, "  - ")
		} else {
			r.pdf.Ln(5)
		}
	case *ast.ThematicBreak:
		if entering {
			r.pdf.Ln(3)
			r.pdf.Line(15, r.pdf.GetY(), 195, r.pdf.GetY())
			r.pdf.Ln(3)
		}
	}
	return ast.WalkContinue, nil
}

func (r *sectionRenderer) heading(n *ast.Heading, entering bool) {
	if entering {
		r.pdf.Ln(5)
		size := 10.0
		switch n.Level {
		case 1:
			size = 16
		case 2:
			size = 13
		case 3:
			size = 11
		}
		r.pdf.SetFont("Arial", "B", size)
		return
	}
	r.pdf.Ln(8)
	r.applyFont()
}

func (r *sectionRenderer) applyFont() {
	style := ""
	if r.bold {
		style += "B"
	}
	if r.italic {
		style += "I"
	}
	r.pdf.SetFont("Arial", style, 10)
}
