package server

import (
	"bytes"
	"encoding/json"
	"html/template"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Gravitate-Health/focusing-manager-sub000/internal/epi"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/errs"
)

// warningsHeader carries the per-request stage failures as a JSON list.
const warningsHeader = "GH-Focusing-Warnings"

// warningCollector gathers non-fatal stage errors for one request. Stages
// never abort each other; only the orchestrator decides the HTTP status.
type warningCollector struct {
	warnings []errs.StageError
}

func (w *warningCollector) add(stageErrors ...errs.StageError) {
	w.warnings = append(w.warnings, stageErrors...)
}

func (w *warningCollector) headerValue() (string, bool) {
	if len(w.warnings) == 0 {
		return "", false
	}
	encoded, err := json.Marshal(w.warnings)
	if err != nil {
		return "", false
	}
	return string(encoded), true
}

type errorEnvelope struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func writeError(c *gin.Context, status int, code errs.Code, detail string) {
	c.AbortWithStatusJSON(status, errorEnvelope{Error: string(code), Detail: detail})
}

// writeDocument negotiates the response representation and attaches the
// warning header when any stage failed.
func (s *Server) writeDocument(c *gin.Context, doc epi.Document, warnings *warningCollector) {
	if value, ok := warnings.headerValue(); ok {
		c.Header(warningsHeader, value)
	}
	if wantsHTML(c.GetHeader("Accept")) && s.renderer != nil {
		rendered, err := s.renderer.Render(doc)
		if err != nil {
			s.logger.Error("template rendering failed: %v", err)
			writeError(c, http.StatusInternalServerError, errs.TemplatingFailure, err.Error())
			return
		}
		c.Data(http.StatusOK, "text/html; charset=utf-8", rendered)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// wantsHTML reports whether any media range in the Accept header asks for
// text/html. Everything else, including absent or unknown types, means JSON.
func wantsHTML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaRange := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if strings.EqualFold(mediaRange, "text/html") {
			return true
		}
	}
	return false
}

// Renderer turns a focused document into an HTML page.
type Renderer interface {
	Render(doc epi.Document) ([]byte, error)
}

type templateRenderer struct {
	tpl *template.Template
}

// NewTemplateRenderer loads the ePI page template from disk.
func NewTemplateRenderer(path string) (Renderer, error) {
	tpl, err := template.ParseFiles(path)
	if err != nil {
		return nil, err
	}
	return &templateRenderer{tpl: tpl}, nil
}

func (r *templateRenderer) Render(doc epi.Document) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.tpl.Execute(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
