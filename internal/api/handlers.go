package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"cryptotracker/internal/comparison"
	"cryptotracker/internal/storage"
	"cryptotracker/internal/version"
)

const (
	maxRecentLimit       = 1000
	internalErrorMessage = "internal server error"
)

// Reader is the read side of the store served over HTTP.
type Reader interface {
	Latest(ctx context.Context, limit int) ([]storage.Observation, error)
	Ping(ctx context.Context) error
}

// Comparer answers comparison queries.
type Comparer interface {
	Compare(ctx context.Context, currencyID, startDate, endDate string) (comparison.Result, error)
}

// Handler serves the read API.
type Handler struct {
	store       Reader
	engine      Comparer
	recentLimit int
	logger      zerolog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(store Reader, engine Comparer, recentLimit int, logger zerolog.Logger) *Handler {
	if recentLimit <= 0 {
		recentLimit = 10
	}
	return &Handler{
		store:       store,
		engine:      engine,
		recentLimit: recentLimit,
		logger:      logger,
	}
}

// RegisterRoutes mounts the API on r.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/crypto_data", h.RecentPrices)
	r.GET("/crypto_compare/:currency_id", h.ComparePrices)
	r.GET("/health", h.Health)
}

// RecentPrices lists the most recent observations across all currencies.
func (h *Handler) RecentPrices(c *gin.Context) {
	limit := h.recentLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxRecentLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer between 1 and 1000"})
			return
		}
		limit = n
	}

	rows, err := h.store.Latest(c.Request.Context(), limit)
	if err != nil {
		h.internalError(c, err, "list recent prices")
		return
	}
	if rows == nil {
		rows = []storage.Observation{}
	}
	c.JSON(http.StatusOK, rows)
}

// ComparePrices compares the latest price with the range average.
func (h *Handler) ComparePrices(c *gin.Context) {
	currencyID := c.Param("currency_id")
	res, err := h.engine.Compare(c.Request.Context(), currencyID, c.Query("start_date"), c.Query("end_date"))
	if err != nil {
		var uerr *comparison.UserError
		if errors.As(err, &uerr) {
			h.logger.Debug().Str("currency", currencyID).Int("status", uerr.Status).Err(err).Msg("compare rejected")
			c.JSON(uerr.Status, gin.H{"error": uerr.Error()})
			return
		}
		h.internalError(c, err, "compare prices")
		return
	}
	c.JSON(http.StatusOK, res)
}

// Health reports service and database status.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status, dbStatus, code := "ok", "ok", http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("database ping failed")
		status, dbStatus, code = "degraded", "unavailable", http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   version.Version,
		"services":  gin.H{"database": dbStatus},
	})
}

func (h *Handler) internalError(c *gin.Context, err error, op string) {
	h.logger.Error().Err(err).
		Str("request_id", c.GetString(requestIDKey)).
		Str("op", op).
		Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": internalErrorMessage})
}
