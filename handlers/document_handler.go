package handlers

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lexmx-backend/models"
	"lexmx-backend/repository"
)

// Fallback PDF links for silos whose payloads predate the pdf_url field, plus
// the treaties of the constitutional block.
var pdfFallbacks = map[string]string{
	models.SiloBloqueConstitucional: "https://www.diputados.gob.mx/LeyesBiblio/pdf/CPEUM.pdf",
	"pacto de san josé":             "https://www.oas.org/dil/esp/tratados_b-32_convencion_americana_sobre_derechos_humanos.pdf",
	"convención americana":          "https://www.oas.org/dil/esp/tratados_b-32_convencion_americana_sobre_derechos_humanos.pdf",
	"pacto internacional de derechos civiles": "https://www.ohchr.org/sites/default/files/ccpr_SP.pdf",
}

// DocumentHandler serves single-chunk and full-document lookups
type DocumentHandler struct {
	silos *repository.SiloRepository
	log   *zap.Logger
}

// NewDocumentHandler creates a new document handler
func NewDocumentHandler(silos *repository.SiloRepository, log *zap.Logger) *DocumentHandler {
	return &DocumentHandler{silos: silos, log: log}
}

// GetDocument handles GET /document/:id. The id is searched across every
// known silo.
func (h *DocumentHandler) GetDocument(c *gin.Context) {
	id := c.Param("id")
	doc, err := h.silos.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "NOT_FOUND",
					"message": "Documento no encontrado",
				},
			})
			return
		}
		h.log.Error("document lookup failed", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "LOOKUP_FAILED",
				"message": "Error al buscar el documento",
			},
		})
		return
	}

	if doc.PDFURL == "" {
		doc.PDFURL = resolvePDFFallback(*doc)
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    doc,
	})
}

// GetFullDocument handles GET /document-full?origen=&highlight_chunk_id=. It
// reconstructs the complete text of one source by concatenating its chunks in
// chunk_index order.
func (h *DocumentHandler) GetFullDocument(c *gin.Context) {
	origen := c.Query("origen")
	if origen == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "MISSING_ORIGEN",
				"message": "El parámetro origen es obligatorio",
			},
		})
		return
	}
	highlightID := c.Query("highlight_chunk_id")

	silo, err := h.silos.FindOrigenSilo(c.Request.Context(), origen)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "NOT_FOUND",
				"message": "Fuente no encontrada",
			},
		})
		return
	}

	chunks, err := h.silos.ScrollByOrigen(c.Request.Context(), silo, origen)
	if err != nil || len(chunks) == 0 {
		h.log.Error("full-document scroll failed",
			zap.String("origen", origen), zap.String("silo", silo), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "SCROLL_FAILED",
				"message": "Error al reconstruir el documento",
			},
		})
		return
	}

	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].ChunkIndex < chunks[j].ChunkIndex
	})

	highlightIndex := -1
	parts := make([]string, len(chunks))
	for i, chunk := range chunks {
		parts[i] = chunk.Texto
		if chunk.ID == highlightID {
			highlightIndex = i
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"origen":          origen,
			"silo":            silo,
			"texto":           strings.Join(parts, "\n\n"),
			"chunk_count":     len(chunks),
			"highlight_index": highlightIndex,
		},
	})
}

// resolvePDFFallback maps a document without a payload pdf_url to a known
// official source, first by treaty name, then by silo.
func resolvePDFFallback(doc models.Document) string {
	origen := strings.ToLower(doc.Origen)
	for marker, url := range pdfFallbacks {
		if marker == models.SiloBloqueConstitucional {
			continue
		}
		if strings.Contains(origen, marker) {
			return url
		}
	}
	if url, ok := pdfFallbacks[doc.Silo]; ok {
		return url
	}
	return ""
}
