package handlers

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"custcat-prediction-api/forms"
	"custcat-prediction-api/models"
	"custcat-prediction-api/repository"
	"custcat-prediction-api/services"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.uber.org/zap"
)

const (
	msgInvalidInput    = "Invalid input"
	msgLoadFailed      = "Could not load model"
	msgPredictFailed   = "Prediction failed"
	msgSaveFailed      = "Could not save prediction to database"
	msgInvalidFormat   = "Invalid file format"
	msgFileProcessing  = "File processing failed"
	msgUnsupportedType = "Unsupported content type"

	listCachePrefix = "predictions:"
	listCacheTTL    = 30 * time.Second
)

type PredictionLister interface {
	List(ctx context.Context, params repository.ListParams) ([]models.Prediction, error)
}

type PredictionHandler struct {
	svc      *services.PredictionService
	lister   PredictionLister
	cache    *services.CacheService
	archiver services.Archiver
	logger   *zap.Logger
}

func NewPredictionHandler(svc *services.PredictionService, lister PredictionLister, cache *services.CacheService, archiver services.Archiver, logger *zap.Logger) *PredictionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PredictionHandler{svc: svc, lister: lister, cache: cache, archiver: archiver, logger: logger}
}

func (h *PredictionHandler) Fields(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"fields": models.FeatureFields()})
}

func (h *PredictionHandler) PredictSingle(c *gin.Context) {
	switch c.ContentType() {
	case "", binding.MIMEPOSTForm, binding.MIMEMultipartPOSTForm:
	default:
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": msgUnsupportedType, "detail": "submit the record as form data"})
		return
	}

	var form forms.SinglePredictionForm
	bindErr := c.ShouldBindWith(&form, binding.Form)
	if bindErr != nil && isTooLarge(bindErr) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return
	}
	features, cleanErr := form.Clean()
	if bindErr != nil || cleanErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidInput, "fields": mergeFieldErrors(bindErr, cleanErr)})
		return
	}

	record, err := h.svc.PredictOne(c.Request.Context(), features)
	if err != nil {
		h.respondStageError(c, err)
		return
	}
	h.invalidateList(c.Request.Context())

	c.JSON(http.StatusCreated, gin.H{
		"message":    "Prediction successful",
		"prediction": record.Prediction,
		"record":     record,
	})
}

func (h *PredictionHandler) PredictFile(c *gin.Context) {
	var form forms.FileUploadForm
	if err := c.ShouldBind(&form); err != nil {
		if isTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidInput, "fields": forms.BindingErrors(err, "file")})
		return
	}

	ctx := c.Request.Context()
	model, err := h.svc.LoadModel(ctx)
	if err != nil {
		h.respondStageError(c, err)
		return
	}

	h.archive(ctx, form.File)

	f, err := form.File.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgFileProcessing, "detail": err.Error()})
		return
	}
	defer f.Close()

	rows, err := forms.ReadFeatureTable(f)
	if err != nil {
		var missing *forms.MissingColumnsError
		switch {
		case errors.As(err, &missing):
			c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidFormat, "missing_columns": missing.Columns})
		case errors.Is(err, forms.ErrInvalidFormat):
			c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidFormat, "detail": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": msgFileProcessing, "detail": err.Error()})
		}
		return
	}

	result, err := h.svc.PredictBatchWith(ctx, model, rows)
	if err != nil {
		h.respondStageError(c, err)
		return
	}
	if len(result.Saved) > 0 {
		h.invalidateList(ctx)
	}

	c.JSON(http.StatusCreated, gin.H{
		"message":     fmt.Sprintf("Predicted %d rows", result.TotalRows),
		"predictions": result.Saved,
		"total_rows":  result.TotalRows,
		"saved":       len(result.Saved),
		"dropped":     result.Dropped(),
		"failures":    result.Failures,
	})
}

// ListPredictions returns stored predictions newest first.
func (h *PredictionHandler) ListPredictions(c *gin.Context) {
	p := ParsePagination(c)
	cacheKey := fmt.Sprintf("%s%d:%d", listCachePrefix, p.Limit, p.Before)

	var cached CursorResponse
	if err := h.cache.Get(c.Request.Context(), cacheKey, &cached); err == nil && cached.Data != nil {
		c.JSON(http.StatusOK, cached)
		return
	}

	rows, err := h.lister.List(c.Request.Context(), repository.ListParams{Limit: p.Limit + 1, BeforeID: p.Before})
	if err != nil {
		h.logger.Error("list predictions failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database query failed"})
		return
	}

	hasMore := len(rows) > p.Limit
	if hasMore {
		rows = rows[:p.Limit]
	}
	var nextCursor string
	if hasMore && len(rows) > 0 {
		nextCursor = strconv.FormatUint(rows[len(rows)-1].ID, 10)
	}

	resp := CursorResponse{Data: rows, NextCursor: nextCursor, HasMore: hasMore}
	if err := h.cache.Set(c.Request.Context(), cacheKey, resp, listCacheTTL); err != nil {
		h.logger.Warn("cache predictions page failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *PredictionHandler) respondStageError(c *gin.Context, err error) {
	_ = c.Error(err)
	switch services.ErrorStage(err) {
	case services.StageLoad:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": msgLoadFailed})
	case services.StageInference:
		var se *services.StageError
		errors.As(err, &se)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", msgPredictFailed, se.Err)})
	case services.StagePersist:
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgSaveFailed})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func (h *PredictionHandler) archive(ctx context.Context, fh *multipart.FileHeader) {
	if h.archiver == nil {
		return
	}
	f, err := fh.Open()
	if err != nil {
		h.logger.Warn("open upload for archiving failed", zap.Error(err))
		return
	}
	defer f.Close()
	key, err := h.archiver.Archive(ctx, fh.Filename, f, fh.Size)
	if err != nil {
		h.logger.Warn("archive upload failed", zap.String("file", fh.Filename), zap.Error(err))
		return
	}
	h.logger.Info("upload archived", zap.String("key", key))
}

func (h *PredictionHandler) invalidateList(ctx context.Context) {
	if err := h.cache.DeletePrefix(ctx, listCachePrefix); err != nil {
		h.logger.Warn("invalidate predictions cache failed", zap.Error(err))
	}
}

// mergeFieldErrors combines binding and cleaning failures. Cleaning messages
// are more specific, so they win when both name a field.
func mergeFieldErrors(bindErr, cleanErr error) forms.FieldErrors {
	out := forms.FieldErrors{}
	if bindErr != nil {
		for k, v := range forms.BindingErrors(bindErr, "form") {
			out[k] = v
		}
	}
	var cleaned forms.FieldErrors
	if errors.As(cleanErr, &cleaned) {
		for k, v := range cleaned {
			out[k] = v
		}
	}
	return out
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}
