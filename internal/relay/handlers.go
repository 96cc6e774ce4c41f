package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/crosslock/crosslock/internal/digest"
	"github.com/crosslock/crosslock/internal/escrow"
	"github.com/crosslock/crosslock/internal/nonce"
	"github.com/crosslock/crosslock/internal/stable"
	"github.com/crosslock/crosslock/internal/validation"
)

// Handler provides the HTTP surface for relayed actions.
type Handler struct {
	forwarder *Forwarder
}

// NewHandler creates a relay handler.
func NewHandler(forwarder *Forwarder) *Handler {
	return &Handler{forwarder: forwarder}
}

// RegisterRoutes sets up the relay routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/relay", h.Forward)
	r.POST("/relay/batch", h.ForwardBatch)
	r.GET("/relay/:address/nonce", h.GetNonce)
}

type forwardRequest struct {
	Payload   json.RawMessage `json:"payload" binding:"required"`
	Relayer   string          `json:"relayer" binding:"required"`
	Nonce     uint64          `json:"nonce"`
	Deadline  int64           `json:"deadline" binding:"required"`
	Signature string          `json:"signature" binding:"required"`
}

func (r forwardRequest) toRequest() (Request, *validation.ValidationError) {
	if errs := validation.Validate(
		validation.ValidAddress("relayer", r.Relayer),
		validation.ValidSignature("signature", r.Signature),
	); len(errs) > 0 {
		return Request{}, &errs[0]
	}
	return Request{
		Payload:   []byte(r.Payload),
		Relayer:   common.HexToAddress(r.Relayer),
		Nonce:     r.Nonce,
		Deadline:  r.Deadline,
		Signature: common.FromHex(r.Signature),
	}, nil
}

// Forward handles POST /v1/relay
func (h *Handler) Forward(c *gin.Context) {
	var req forwardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "payload, relayer, deadline and signature are required",
		})
		return
	}
	parsed, verr := req.toRequest()
	if verr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": verr.Field + ": " + verr.Message})
		return
	}

	// The submitter is taken from the request body: over plain HTTP the
	// relayer binding is advisory, scoping a signature to one relayer's
	// queue rather than authenticating the caller. On-chain submission
	// enforces it with msg.sender.
	result, err := h.forwarder.Forward(c.Request.Context(), parsed.Relayer, parsed)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

type batchRequest struct {
	Relayer  string           `json:"relayer" binding:"required"`
	Requests []forwardRequest `json:"requests" binding:"required"`
}

// ForwardBatch handles POST /v1/relay/batch
func (h *Handler) ForwardBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "relayer and requests are required",
		})
		return
	}
	if !validation.IsValidAddress(req.Relayer) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "relayer must be a valid address"})
		return
	}

	parsed := make([]Request, 0, len(req.Requests))
	for i, item := range req.Requests {
		p, verr := item.toRequest()
		if verr != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": verr.Field + ": " + verr.Message,
				"item":    i,
			})
			return
		}
		parsed = append(parsed, p)
	}

	// Submitter identity comes from the body here too; see Forward.
	results, err := h.forwarder.ForwardBatch(c.Request.Context(), common.HexToAddress(req.Relayer), parsed)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

// GetNonce handles GET /v1/relay/:address/nonce
func (h *Handler) GetNonce(c *gin.Context) {
	addr := c.Param("address")
	if !validation.IsValidAddress(addr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "address must be a valid address"})
		return
	}
	n, err := h.forwarder.Nonce(c.Request.Context(), common.HexToAddress(addr))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "nonce": n})
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, digest.ErrInvalidSignature):
		status = http.StatusUnauthorized
		code = "invalid_signature"
	case errors.Is(err, digest.ErrExpiredSignature):
		status = http.StatusUnauthorized
		code = "expired_signature"
	case errors.Is(err, nonce.ErrCounterMoved):
		status = http.StatusConflict
		code = "nonce_conflict"
	case errors.Is(err, ErrWrongRelayer):
		status = http.StatusForbidden
		code = "wrong_relayer"
	case errors.Is(err, ErrUnknownAction), errors.Is(err, ErrEmptyBatch), errors.Is(err, stable.ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, escrow.ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, escrow.ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, escrow.ErrInsufficientAmount), errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrChainNotRegistered), errors.Is(err, escrow.ErrAddressNotElected):
		status = http.StatusBadRequest
		code = "invalid_action"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
