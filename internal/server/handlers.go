package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"geomonitor/internal/auditlog"
)

// Records is what the server needs from the DAO.
type Records interface {
	auditlog.Saver
	GetDocument(ctx context.Context, id string) (*auditlog.Document, error)
	OpenBody(ctx context.Context, blobID string) (io.ReadCloser, error)
}

// Handler holds the HTTP handlers
type Handler struct {
	records Records
}

// NewHandler creates a new handler over the record store.
func NewHandler(records Records) *Handler {
	return &Handler{records: records}
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// GetRequest handles GET /monitor/requests/:id
func (h *Handler) GetRequest(c echo.Context) error {
	doc, err := h.records.GetDocument(c.Request().Context(), c.Param("id"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, doc)
}

// GetBody handles GET /monitor/requests/:id/body/:kind where kind is
// "request" or "response".
func (h *Handler) GetBody(c echo.Context) error {
	ctx := c.Request().Context()
	doc, err := h.records.GetDocument(ctx, c.Param("id"))
	if err != nil {
		return handleError(c, err)
	}

	var blobID *string
	switch c.Param("kind") {
	case "request":
		blobID = doc.RequestBodyID
	case "response":
		blobID = doc.ResponseBodyID
	default:
		return errorJSON(c, http.StatusBadRequest, "invalid_request_error", "body kind must be request or response")
	}
	if blobID == nil {
		return errorJSON(c, http.StatusNotFound, "not_found_error", "no body stored")
	}

	body, err := h.records.OpenBody(ctx, *blobID)
	if err != nil {
		return handleError(c, err)
	}
	defer body.Close()
	return c.Stream(http.StatusOK, echo.MIMEOctetStream, body)
}

// Unrouted is reached only when the proxy middleware passes the request on.
func (h *Handler) Unrouted(c echo.Context) error {
	return errorJSON(c, http.StatusBadGateway, "upstream_error", "no upstream handled the request")
}

// handleError converts store errors to HTTP responses
func handleError(c echo.Context, err error) error {
	if errors.Is(err, auditlog.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "not_found_error", "record not found")
	}
	if errors.Is(err, auditlog.ErrNotSupported) {
		return errorJSON(c, http.StatusNotImplemented, "not_supported_error", err.Error())
	}
	return errorJSON(c, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
}

func errorJSON(c echo.Context, status int, kind, message string) error {
	return c.JSON(status, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    kind,
			"message": message,
		},
	})
}
