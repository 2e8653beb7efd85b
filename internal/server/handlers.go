package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Gravitate-Health/focusing-manager-sub000/internal/epi"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/errs"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/fhir"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/metrics"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/registry"
)

// focusBody is the inline-document variant of the focus request. Every slot
// can instead come from the path or query, fetched through the FHIR clients.
type focusBody struct {
	Epi epi.Document           `json:"epi"`
	Ips epi.Document           `json:"ips"`
	Pv  map[string]interface{} `json:"pv"`
}

func (s *Server) handleListLenses(c *gin.Context) {
	if err := s.registry.Refresh(c.Request.Context()); err != nil {
		s.logger.Error("lens discovery failed: %v", err)
		writeError(c, http.StatusInternalServerError, errs.DiscoveryFailure, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"lenses": s.registry.LensNames()})
}

func (s *Server) handleListPreprocessors(c *gin.Context) {
	if err := s.registry.Refresh(c.Request.Context()); err != nil {
		s.logger.Error("preprocessor discovery failed: %v", err)
		writeError(c, http.StatusInternalServerError, errs.DiscoveryFailure, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"preprocessors": s.registry.PreprocessorNames()})
}

// handleCacheStats reports the root store's counters flat under cacheStats;
// the per-level breakdown of layered back-ends rides along under detail.
func (s *Server) handleCacheStats(c *gin.Context) {
	detail := s.pipeline.CacheStats()
	c.JSON(http.StatusOK, gin.H{
		"cacheStats": detail.Stats,
		"detail":     detail,
	})
}

func (s *Server) handlePreprocess(c *gin.Context) {
	ctx := c.Request.Context()
	defer s.countRequest(c)

	doc, err := s.fhir.Epi(ctx, c.Param("epiId"))
	if err != nil {
		s.writeFetchError(c, "ePI "+c.Param("epiId"), err)
		return
	}

	warnings := &warningCollector{}
	doc = s.preprocess(c, doc, warnings)
	s.writeDocument(c, doc, warnings)
}

func (s *Server) handleFocus(c *gin.Context) {
	ctx := c.Request.Context()
	defer s.countRequest(c)

	var body focusBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, http.StatusBadRequest, errs.RequestMalformed, "invalid request body: "+err.Error())
			return
		}
	}

	var doc epi.Document
	switch {
	case c.Param("epiId") != "":
		fetched, err := s.fhir.Epi(ctx, c.Param("epiId"))
		if err != nil {
			s.writeFetchError(c, "ePI "+c.Param("epiId"), err)
			return
		}
		doc = fetched
	case body.Epi != nil:
		doc = body.Epi
	default:
		writeError(c, http.StatusBadRequest, errs.RequestMalformed, "no ePI provided in path or body")
		return
	}

	var ips epi.Document
	switch {
	case c.Query("patientIdentifier") != "":
		fetched, err := s.fhir.Ips(ctx, c.Query("patientIdentifier"))
		if err != nil {
			s.writeFetchError(c, "patient summary "+c.Query("patientIdentifier"), err)
			return
		}
		ips = fetched
	case body.Ips != nil:
		ips = body.Ips
	default:
		writeError(c, http.StatusBadRequest, errs.RequestMalformed, "no patient summary provided in query or body")
		return
	}

	warnings := &warningCollector{}

	// The persona vector is optional and its fetch failure is soft: lenses
	// run with a nil pv and the failure is surfaced as a warning.
	pv := body.Pv
	if pvID := c.Query("pvId"); pvID != "" {
		fetched, err := s.fhir.PersonaVector(ctx, pvID)
		if err != nil {
			s.logger.Warn("persona vector %s unavailable: %v", pvID, err)
			warnings.add(errs.Stage("fetch", errs.UpstreamUnavailable, "persona vector "+pvID))
		} else {
			pv = fetched
		}
	}

	doc = s.preprocess(c, doc, warnings)
	s.applyLenses(c, doc, ips, pv, warnings)
	s.writeDocument(c, doc, warnings)
}

// preprocess resolves the step list and runs the pipeline, unless the
// document is already preprocessed or enhanced.
func (s *Server) preprocess(c *gin.Context, doc epi.Document, warnings *warningCollector) epi.Document {
	if code := epi.CategoryCode(doc); code == epi.CategoryPreprocessed || code == epi.CategoryEnhanced {
		s.logger.Debug("document already at category %s, skipping preprocessing", code)
		return doc
	}

	names := queryList(c, "preprocessors")
	if len(names) == 0 {
		if len(s.registry.PreprocessorNames()) == 0 {
			if err := s.registry.Refresh(c.Request.Context()); err != nil {
				s.logger.Warn("preprocessor discovery failed, continuing without: %v", err)
				warnings.add(errs.Stage("preprocess", errs.DiscoveryFailure, err.Error()))
			}
		}
		names = s.registry.PreprocessorNames()
	}
	if len(names) == 0 {
		return doc
	}

	out, failures := s.pipeline.Run(c.Request.Context(), doc, epi.ParseSteps(names))
	warnings.add(failures...)
	return out
}

// applyLenses fetches and runs each requested lens in order. Every failure
// is a warning; the document keeps whatever lenses already applied.
func (s *Server) applyLenses(c *gin.Context, doc, ips epi.Document, pv map[string]interface{}, warnings *warningCollector) {
	names := queryList(c, "lenses")
	if len(names) == 0 {
		if len(s.registry.LensNames()) == 0 {
			if err := s.registry.Refresh(c.Request.Context()); err != nil {
				s.logger.Warn("lens discovery failed, continuing without: %v", err)
				warnings.add(errs.Stage("lens", errs.DiscoveryFailure, err.Error()))
			}
		}
		names = s.registry.LensNames()
	}

	for _, name := range names {
		fetched, err := s.registry.FetchLens(c.Request.Context(), name)
		if err != nil {
			code := errs.UpstreamUnavailable
			if errors.Is(err, registry.ErrUnknownService) {
				code = errs.UnknownService
			}
			s.logger.Warn("lens %s unavailable: %v", name, err)
			warnings.add(errs.Stage("lens", code, name))
			continue
		}
		if stageErr := s.lenses.Apply(c.Request.Context(), doc, ips, pv, fetched); stageErr != nil {
			warnings.add(*stageErr)
		}
	}
}

// queryList reads a repeatable query parameter, accepting the bare name,
// the bracketed form, and comma-separated values.
func queryList(c *gin.Context, name string) []string {
	raw := c.QueryArray(name)
	raw = append(raw, c.QueryArray(name+"[]")...)
	var values []string
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			if part = strings.TrimSpace(part); part != "" {
				values = append(values, part)
			}
		}
	}
	return values
}

func (s *Server) writeFetchError(c *gin.Context, what string, err error) {
	if errors.Is(err, fhir.ErrNotFound) {
		writeError(c, http.StatusNotFound, errs.UpstreamNotFound, what+" not found")
		return
	}
	var upstream *fhir.UpstreamError
	if errors.As(err, &upstream) {
		s.logger.Error("upstream failure fetching %s: %v", what, err)
		writeError(c, http.StatusBadGateway, errs.UpstreamUnavailable, upstream.Error())
		return
	}
	s.logger.Error("cannot fetch %s: %v", what, err)
	writeError(c, http.StatusBadGateway, errs.UpstreamUnavailable, err.Error())
}

func (s *Server) countRequest(c *gin.Context) {
	metrics.FocusRequests.WithLabelValues(c.FullPath(), strconv.Itoa(c.Writer.Status())).Inc()
}
