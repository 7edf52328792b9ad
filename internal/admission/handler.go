package admission

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spacemonkeygo/monkit/v3/present"
	"go.uber.org/zap"

	"ratequeue/internal/idempotency"
)

type Handler struct {
	log     *zap.Logger
	service *Service
	health  HealthChecker
}

func NewHandler(log *zap.Logger, service *Service, health HealthChecker) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{log: log, service: service, health: health}
}

func NewRouter(log *zap.Logger, service *Service, health HealthChecker) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	h := NewHandler(log, service, health)
	r.POST("/task", h.PostTask)
	r.GET("/healthz", h.Healthz)
	r.GET("/debug/monkit/*path", gin.WrapH(http.StripPrefix("/debug/monkit", present.HTTP(monkit.Default))))
	return r
}

func (h *Handler) PostTask(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrInvalidJSON})
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrMissingUserID})
		return
	}

	res, err := h.service.Admit(c.Request.Context(), Request{Identity: req.UserID, JobID: req.JobID})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidIdentity):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrMissingUserID})
		case idempotency.DecideAdmit(err) == idempotency.AdmitRetryLater:
			h.log.Warn("admission store unavailable", zap.String("user_id", req.UserID), zap.Error(err))
			c.Header("Retry-After", strconv.Itoa(int(RetryAfter.Seconds())))
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: ErrUnavailable})
		default:
			h.log.Error("error processing request", zap.String("user_id", req.UserID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrInternal})
		}
		return
	}

	c.JSON(http.StatusOK, TaskResponse{
		Status:    res.Status,
		DelayMS:   res.DelayMillis,
		UserID:    res.Identity,
		JobID:     res.JobID,
		Message:   res.Message(),
		Duplicate: res.Duplicate,
	})
}

func (h *Handler) Healthz(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: ErrUnavailable})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
