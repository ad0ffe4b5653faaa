package emergencycard

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ecard/internal/platform/auth"
	"github.com/ehr/ecard/internal/platform/qrcode"
	"github.com/ehr/ecard/pkg/pagination"
)

// PublicErrorMessage is returned for every failed public access.
const PublicErrorMessage = "Invalid or expired emergency access code"

type Handler struct {
	svc     *Service
	gateway *Gateway
	qr      qrcode.Renderer
	baseURL string
}

// NewHandler wires the card routes. baseURL is the public API root that
// access URLs are built from.
func NewHandler(svc *Service, gateway *Gateway, qr qrcode.Renderer, baseURL string) *Handler {
	return &Handler{svc: svc, gateway: gateway, qr: qr, baseURL: strings.TrimRight(baseURL, "/")}
}

// RegisterRoutes mounts patient routes on api and the public access route
// with publicMW (typically a stricter rate limiter).
func (h *Handler) RegisterRoutes(api *echo.Group, publicMW ...echo.MiddlewareFunc) {
	card := api.Group("/emergency-card", auth.RequireRole(auth.RolePatient), auth.RequirePatient())
	card.GET("", h.GetCard)
	card.PUT("", h.UpdateCard)
	card.POST("/regenerate", h.RegenerateCard)
	card.GET("/logs", h.ListAccessLogs)
	card.GET("/history", h.ListHistory)
	card.GET("/qr", h.GetQRCode)

	api.GET("/emergency-access/:accessCode", h.Access, publicMW...)
	api.POST("/emergency-access/:accessCode", h.Access, publicMW...)
}

// AccessURL is the link encoded into the card's QR code.
func (h *Handler) AccessURL(code string) string {
	return h.baseURL + "/emergency-access/" + code
}

type cardInfo struct {
	Disclosure
	AccessLevel AccessLevel `json:"accessLevel"`
	AccessCode  string      `json:"accessCode"`
	ExpiresAt   time.Time   `json:"expiresAt"`
	QRCode      string      `json:"qrCode"`
	AccessURL   string      `json:"accessUrl"`
}

func (h *Handler) GetCard(c echo.Context) error {
	ctx := c.Request().Context()
	card, err := h.svc.GetOrCreate(ctx, patientID(c))
	if err != nil {
		return h.mapError(c, err)
	}
	preview, err := h.svc.Preview(ctx, card)
	if err != nil {
		return h.mapError(c, err)
	}
	url := h.AccessURL(card.AccessCode)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"emergencyCard": card,
		"emergencyInfo": cardInfo{
			Disclosure:  preview,
			AccessLevel: card.AccessLevel,
			AccessCode:  card.AccessCode,
			ExpiresAt:   card.ExpiresAt,
			QRCode:      h.qrDataURL(c, url),
			AccessURL:   url,
		},
	})
}

type updateRequest struct {
	AccessLevel *string `json:"accessLevel"`
	IsActive    *bool   `json:"isActive"`
}

func (h *Handler) UpdateCard(c echo.Context) error {
	var req updateRequest
	if err := (&echo.DefaultBinder{}).BindBody(c, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	var in Settings
	if req.AccessLevel != nil {
		level := AccessLevel(*req.AccessLevel)
		in.AccessLevel = &level
	}
	in.IsActive = req.IsActive

	card, err := h.svc.Update(c.Request().Context(), patientID(c), in)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"emergencyCard": card})
}

func (h *Handler) RegenerateCard(c echo.Context) error {
	card, err := h.svc.Regenerate(c.Request().Context(), patientID(c))
	if err != nil {
		return h.mapError(c, err)
	}
	url := h.AccessURL(card.AccessCode)
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"emergencyCard": card,
		"qrCode":        h.qrDataURL(c, url),
		"accessUrl":     url,
	})
}

func (h *Handler) ListAccessLogs(c echo.Context) error {
	logs, err := h.svc.AccessLogs(c.Request().Context(), patientID(c))
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.Paginate(logs, pagination.FromContext(c)))
}

func (h *Handler) ListHistory(c echo.Context) error {
	cards, err := h.svc.ListHistory(c.Request().Context(), patientID(c))
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.Paginate(cards, pagination.FromContext(c)))
}

// GetQRCode re-renders the QR image, e.g. after a failed render on GetCard.
func (h *Handler) GetQRCode(c echo.Context) error {
	ctx := c.Request().Context()
	card, err := h.svc.GetOrCreate(ctx, patientID(c))
	if err != nil {
		return h.mapError(c, err)
	}
	png, err := h.qr.Render(ctx, h.AccessURL(card.AccessCode))
	if err != nil {
		h.svc.metrics.QRRenderFailure()
		h.svc.logger.Warn().Err(err).Str("card_id", card.ID.String()).Msg("qr render failed")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "QR code rendering unavailable, retry later")
	}
	return c.Blob(http.StatusOK, "image/png", png)
}

type accessRequest struct {
	AccessedBy string `json:"accessedBy"`
	Notes      string `json:"notes"`
}

// Access is the public emergency read. Every failure returns the same
// message so the endpoint cannot be used to probe for codes.
func (h *Handler) Access(c echo.Context) error {
	var req accessRequest
	// A malformed body is ignored rather than reported.
	_ = (&echo.DefaultBinder{}).BindBody(c, &req)
	if req.AccessedBy == "" {
		req.AccessedBy = c.QueryParam("accessedBy")
	}
	if req.Notes == "" {
		req.Notes = c.QueryParam("notes")
	}

	res, err := h.gateway.Access(c.Request().Context(), AccessRequest{
		Code:       c.Param("accessCode"),
		AccessedBy: BoundText(req.AccessedBy, MaxAccessedByLen),
		Notes:      BoundText(req.Notes, MaxNotesLen),
		SourceIP:   c.RealIP(),
	})
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, res)
	case errors.Is(err, ErrInvalidOrExpired), errors.Is(err, ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, PublicErrorMessage)
	default:
		h.gateway.logger.Error().Err(err).Msg("emergency access failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "Unable to process emergency access request")
	}
}

func (h *Handler) qrDataURL(c echo.Context, url string) string {
	png, err := h.qr.Render(c.Request().Context(), url)
	if err != nil {
		h.svc.metrics.QRRenderFailure()
		h.svc.logger.Warn().Err(err).Msg("qr render failed, returning card without image")
		return ""
	}
	return qrcode.DataURL(png)
}

func (h *Handler) mapError(c echo.Context, err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"message": "Validation failed",
			"errors":  []*ValidationError{ve},
		})
	case errors.Is(err, ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "emergency card not found")
	default:
		h.svc.logger.Error().Err(err).Str("route", c.Path()).Msg("emergency card request failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}

// patientID is set by auth.RequirePatient, which guards every patient route.
func patientID(c echo.Context) uuid.UUID {
	id, _ := auth.PatientIDFromContext(c.Request().Context())
	return id
}
