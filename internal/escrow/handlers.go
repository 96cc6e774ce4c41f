package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/crosslock/crosslock/internal/asset"
	"github.com/crosslock/crosslock/internal/digest"
	"github.com/crosslock/crosslock/internal/fees"
	"github.com/crosslock/crosslock/internal/metrics"
	"github.com/crosslock/crosslock/internal/nonce"
	"github.com/crosslock/crosslock/internal/settlement"
	"github.com/crosslock/crosslock/internal/stable"
	"github.com/crosslock/crosslock/internal/validation"
)

// Handler provides the HTTP surface for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates an escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/events", h.ListEvents)
	r.GET("/escrows/:id/nonce", h.GetEscrowNonce)
	r.POST("/escrows/:id/increase", h.IncreaseEscrow)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/beneficiary", h.UpdateBeneficiary)
	r.POST("/escrows/:id/amicable", h.AmicableResolution)
	r.POST("/escrows/:id/dispute", h.StartDispute)
	r.POST("/escrows/:id/dispute/resolve", h.ResolveDispute)
	r.POST("/elections", h.ElectAddress)
	r.GET("/elections/:identifier", h.GetElection)
	r.GET("/accounts/:address/nonce", h.GetAccountNonce)
	r.GET("/accounts/:address/escrows", h.ListEscrows)
	r.GET("/fees/quote", h.QuoteServiceCharge)
}

// RegisterAdminRoutes sets up owner-gated administrative routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/treasury", h.SetTreasury)
	r.PUT("/platform-signer", h.SetPlatformSigner)
	r.PUT("/dispute-timeout", h.SetDisputeTimeout)
	r.PUT("/fees/:address", h.SetFeeOverride)
	r.DELETE("/fees/:address", h.ClearFeeOverride)
}

type createRequest struct {
	Creator     string `json:"creator" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Beneficiary string `json:"beneficiary" binding:"required"`
	TargetChain uint16 `json:"targetChain"`
	Signature   string `json:"signature" binding:"required"`

	// Optional signed asset authorization for the custody pull; when
	// absent the pull rides a prior allowance.
	AuthDeadline  int64  `json:"authDeadline"`
	AuthSignature string `json:"authSignature"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "creator, amount, beneficiary and signature are required")
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("creator", req.Creator),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidIdentifier("beneficiary", req.Beneficiary),
		validation.ValidSignature("signature", req.Signature),
		validation.ValidSignature("authSignature", req.AuthSignature),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	amount, err := stable.Parse(req.Amount)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	beneficiary, err := ParseBeneficiary(req.Beneficiary)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	e, err := h.service.Create(c.Request.Context(), CreateParams{
		Creator:       common.HexToAddress(req.Creator),
		Amount:        amount,
		Beneficiary:   beneficiary,
		TargetChain:   req.TargetChain,
		Signature:     common.FromHex(req.Signature),
		AuthDeadline:  req.AuthDeadline,
		AuthSignature: common.FromHex(req.AuthSignature),
	})
	metrics.EscrowActionsTotal.WithLabelValues("create", outcome(err)).Inc()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

type increaseRequest struct {
	Amount    string `json:"amount" binding:"required"`
	Signature string `json:"signature" binding:"required"`

	AuthDeadline  int64  `json:"authDeadline"`
	AuthSignature string `json:"authSignature"`
}

// IncreaseEscrow handles POST /v1/escrows/:id/increase
func (h *Handler) IncreaseEscrow(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	var req increaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "amount and signature are required")
		return
	}
	if errs := validation.Validate(
		validation.ValidSignature("authSignature", req.AuthSignature),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	amount, err := stable.Parse(req.Amount)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	e, err := h.service.Increase(c.Request.Context(), IncreaseParams{
		EscrowID:      id,
		Amount:        amount,
		Signature:     common.FromHex(req.Signature),
		AuthDeadline:  req.AuthDeadline,
		AuthSignature: common.FromHex(req.AuthSignature),
	})
	metrics.EscrowActionsTotal.WithLabelValues("increase", outcome(err)).Inc()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

type releaseRequest struct {
	Amount    string `json:"amount" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "amount and signature are required")
		return
	}
	amount, err := stable.Parse(req.Amount)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	e, seq, err := h.service.Release(c.Request.Context(), ReleaseParams{
		EscrowID:  id,
		Amount:    amount,
		Signature: common.FromHex(req.Signature),
	})
	metrics.EscrowActionsTotal.WithLabelValues("release", outcome(err)).Inc()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e, "sequence": seq})
}

type beneficiaryRequest struct {
	Beneficiary string `json:"beneficiary" binding:"required"`
	TargetChain uint16 `json:"targetChain"`
	Signature   string `json:"signature" binding:"required"`
}

// UpdateBeneficiary handles POST /v1/escrows/:id/beneficiary
func (h *Handler) UpdateBeneficiary(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	var req beneficiaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "beneficiary and signature are required")
		return
	}
	if errs := validation.Validate(
		validation.ValidIdentifier("beneficiary", req.Beneficiary),
		validation.ValidSignature("signature", req.Signature),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	beneficiary, err := ParseBeneficiary(req.Beneficiary)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	e, err := h.service.UpdateBeneficiary(c.Request.Context(), UpdateBeneficiaryParams{
		EscrowID:    id,
		Beneficiary: beneficiary,
		TargetChain: req.TargetChain,
		Signature:   common.FromHex(req.Signature),
	})
	metrics.EscrowActionsTotal.WithLabelValues("update_beneficiary", outcome(err)).Inc()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

type amicableRequest struct {
	CreatorAmount        string `json:"creatorAmount" binding:"required"`
	BeneficiaryAmount    string `json:"beneficiaryAmount" binding:"required"`
	CreatorSignature     string `json:"creatorSignature" binding:"required"`
	BeneficiarySignature string `json:"beneficiarySignature" binding:"required"`
}

// AmicableResolution handles POST /v1/escrows/:id/amicable
func (h *Handler) AmicableResolution(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	var req amicableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "both amounts and both signatures are required")
		return
	}
	creatorAmount, err := stable.Parse(req.CreatorAmount)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	beneficiaryAmount, err := stable.Parse(req.BeneficiaryAmount)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	e, err := h.service.AmicableResolution(c.Request.Context(), AmicableParams{
		EscrowID:             id,
		CreatorAmount:        creatorAmount,
		BeneficiaryAmount:    beneficiaryAmount,
		CreatorSignature:     common.FromHex(req.CreatorSignature),
		BeneficiarySignature: common.FromHex(req.BeneficiarySignature),
	})
	metrics.EscrowActionsTotal.WithLabelValues("amicable", outcome(err)).Inc()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

type disputeRequest struct {
	Signature string `json:"signature" binding:"required"`
}

// StartDispute handles POST /v1/escrows/:id/dispute
func (h *Handler) StartDispute(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "signature is required")
		return
	}

	e, err := h.service.StartDispute(c.Request.Context(), DisputeParams{
		EscrowID:  id,
		Signature: common.FromHex(req.Signature),
	})
	metrics.EscrowActionsTotal.WithLabelValues("dispute", outcome(err)).Inc()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

type resolveRequest struct {
	CreatorAmount     string `json:"creatorAmount" binding:"required"`
	BeneficiaryAmount string `json:"beneficiaryAmount" binding:"required"`
	Signature         string `json:"signature" binding:"required"`
}

// ResolveDispute handles POST /v1/escrows/:id/dispute/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "amounts and signature are required")
		return
	}
	creatorAmount, err := stable.Parse(req.CreatorAmount)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	beneficiaryAmount, err := stable.Parse(req.BeneficiaryAmount)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	e, err := h.service.ResolveDispute(c.Request.Context(), ResolveParams{
		EscrowID:          id,
		CreatorAmount:     creatorAmount,
		BeneficiaryAmount: beneficiaryAmount,
		Signature:         common.FromHex(req.Signature),
	})
	metrics.EscrowActionsTotal.WithLabelValues("resolve", outcome(err)).Inc()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

type electRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	Elected    string `json:"elected" binding:"required"`
	Signature  string `json:"signature" binding:"required"`
}

// ElectAddress handles POST /v1/elections
func (h *Handler) ElectAddress(c *gin.Context) {
	var req electRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "identifier, elected and signature are required")
		return
	}
	if errs := validation.Validate(
		validation.ValidIdentifier("identifier", req.Identifier),
		validation.ValidAddress("elected", req.Elected),
		validation.ValidSignature("signature", req.Signature),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	identifier, err := ParseBeneficiary(req.Identifier)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	err = h.service.ElectAddress(c.Request.Context(), ElectParams{
		Identifier: identifier,
		Elected:    common.HexToAddress(req.Elected),
		Signature:  common.FromHex(req.Signature),
	})
	metrics.EscrowActionsTotal.WithLabelValues("elect", outcome(err)).Inc()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"identifier": identifier.Hex(), "elected": req.Elected})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	e, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListEvents handles GET /v1/escrows/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	events, err := h.service.Events(c.Request.Context(), id, queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// GetEscrowNonce handles GET /v1/escrows/:id/nonce
func (h *Handler) GetEscrowNonce(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	n, err := h.service.EscrowNonce(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrowId": id, "nonce": n})
}

// GetAccountNonce handles GET /v1/accounts/:address/nonce
func (h *Handler) GetAccountNonce(c *gin.Context) {
	addr := c.Param("address")
	if !validation.IsValidAddress(addr) {
		badRequest(c, "address must be a valid address")
		return
	}
	n, err := h.service.AccountNonce(c.Request.Context(), common.HexToAddress(addr))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "nonce": n})
}

// ListEscrows handles GET /v1/accounts/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	addr := c.Param("address")
	if !validation.IsValidAddress(addr) {
		badRequest(c, "address must be a valid address")
		return
	}
	escrows, err := h.service.ListByCreator(c.Request.Context(), common.HexToAddress(addr), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows, "count": len(escrows)})
}

// GetElection handles GET /v1/elections/:identifier
func (h *Handler) GetElection(c *gin.Context) {
	identifier, err := ParseBeneficiary(c.Param("identifier"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	elected, err := h.service.Elected(c.Request.Context(), identifier)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"identifier": identifier.Hex(), "elected": elected.Hex()})
}

// QuoteServiceCharge handles GET /v1/fees/quote?user=0x..&amount=100
func (h *Handler) QuoteServiceCharge(c *gin.Context) {
	user := c.Query("user")
	if !validation.IsValidAddress(user) {
		badRequest(c, "user must be a valid address")
		return
	}
	amount, err := stable.Parse(c.Query("amount"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	fee, err := h.service.ServiceCharge(c.Request.Context(), common.HexToAddress(user), amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":   user,
		"amount": stable.Format(amount),
		"fee":    stable.Format(fee),
	})
}

type addressRequest struct {
	Address string `json:"address" binding:"required"`
}

// SetTreasury handles PUT /v1/admin/treasury
func (h *Handler) SetTreasury(c *gin.Context) {
	var req addressRequest
	if err := c.ShouldBindJSON(&req); err != nil || !validation.IsValidAddress(req.Address) {
		badRequest(c, "address is required")
		return
	}
	h.service.SetTreasury(common.HexToAddress(req.Address))
	c.JSON(http.StatusOK, gin.H{"treasury": req.Address})
}

// SetPlatformSigner handles PUT /v1/admin/platform-signer
func (h *Handler) SetPlatformSigner(c *gin.Context) {
	var req addressRequest
	if err := c.ShouldBindJSON(&req); err != nil || !validation.IsValidAddress(req.Address) {
		badRequest(c, "address is required")
		return
	}
	h.service.SetPlatformSigner(common.HexToAddress(req.Address))
	c.JSON(http.StatusOK, gin.H{"platformSigner": req.Address})
}

type timeoutRequest struct {
	Timeout string `json:"timeout" binding:"required"`
}

// SetDisputeTimeout handles PUT /v1/admin/dispute-timeout
func (h *Handler) SetDisputeTimeout(c *gin.Context) {
	var req timeoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "timeout is required")
		return
	}
	d, err := time.ParseDuration(req.Timeout)
	if err != nil || d <= 0 {
		badRequest(c, "timeout must be a positive duration like 72h")
		return
	}
	h.service.SetDisputeTimeout(d)
	c.JSON(http.StatusOK, gin.H{"disputeTimeout": d.String()})
}

type feeOverrideRequest struct {
	Numerator uint32 `json:"numerator"`
	ZeroFee   bool   `json:"zeroFee"`
}

// SetFeeOverride handles PUT /v1/admin/fees/:address
func (h *Handler) SetFeeOverride(c *gin.Context) {
	addr := c.Param("address")
	if !validation.IsValidAddress(addr) {
		badRequest(c, "address must be a valid address")
		return
	}
	var req feeOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "numerator or zeroFee is required")
		return
	}
	numerator := req.Numerator
	if req.ZeroFee {
		numerator = fees.ZeroFeeNumerator
	}
	if err := h.service.SetFeeOverride(c.Request.Context(), common.HexToAddress(addr), numerator); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "numerator": numerator})
}

// ClearFeeOverride handles DELETE /v1/admin/fees/:address
func (h *Handler) ClearFeeOverride(c *gin.Context) {
	addr := c.Param("address")
	if !validation.IsValidAddress(addr) {
		badRequest(c, "address must be a valid address")
		return
	}
	if err := h.service.ClearFeeOverride(c.Request.Context(), common.HexToAddress(addr)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "cleared": true})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func escrowID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "id must be a non-negative integer")
		return 0, false
	}
	return id, true
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": message})
}

func validationFailed(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrAddressNotElected):
		status = http.StatusNotFound
		code = "not_elected"
	case errors.Is(err, digest.ErrInvalidSignature):
		status = http.StatusUnauthorized
		code = "invalid_signature"
	case errors.Is(err, digest.ErrExpiredSignature):
		status = http.StatusUnauthorized
		code = "expired_signature"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, nonce.ErrCounterMoved):
		status = http.StatusConflict
		code = "nonce_conflict"
	case errors.Is(err, ErrDisputeAlreadyStarted):
		status = http.StatusConflict
		code = "dispute_already_started"
	case errors.Is(err, ErrCannotResolveYet):
		status = http.StatusConflict
		code = "cannot_resolve_yet"
	case errors.Is(err, ErrInvalidResolution):
		status = http.StatusBadRequest
		code = "invalid_resolution"
	case errors.Is(err, ErrInsufficientAmount):
		status = http.StatusBadRequest
		code = "insufficient_amount"
	case errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_amount"
	case errors.Is(err, ErrChainNotRegistered):
		status = http.StatusBadRequest
		code = "chain_not_registered"
	case errors.Is(err, settlement.ErrInvalidAddress):
		status = http.StatusBadRequest
		code = "invalid_address"
	case errors.Is(err, asset.ErrInsufficientBalance):
		status = http.StatusBadRequest
		code = "insufficient_balance"
	case errors.Is(err, asset.ErrAuthorizationStale):
		status = http.StatusBadRequest
		code = "stale_authorization"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
