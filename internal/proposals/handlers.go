package proposals

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/quantfold/marketmaker/internal/mode"
	"github.com/quantfold/marketmaker/internal/types"
	"github.com/quantfold/marketmaker/pkg/response"
)

// CreateProposalRequest is the payload for submitting a new trade proposal.
type CreateProposalRequest struct {
	Symbol string  `json:"symbol" binding:"required"`
	Side   string  `json:"side" binding:"required,oneof=buy sell"`
	Price  float64 `json:"price" binding:"required,gt=0"`
	Size   float64 `json:"size" binding:"required,gt=0"`
}

// GinHandlers contains HTTP handlers for the proposal lifecycle.
type GinHandlers struct {
	store       *Store
	coordinator *Coordinator
}

func NewGinHandlers(store *Store, coordinator *Coordinator) *GinHandlers {
	return &GinHandlers{store: store, coordinator: coordinator}
}

// CreateProposalHandler handles POST requests to register a pending proposal.
func (h *GinHandlers) CreateProposalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateProposalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		proposal, err := h.store.Create(req.Symbol, types.Side(req.Side), req.Price, req.Size)
		response.Handle(c, proposal, err)
	}
}

// GetProposalHandler handles GET requests for a proposal's current state.
func (h *GinHandlers) GetProposalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := proposalID(c)
		if !ok {
			return
		}

		proposal, err := h.store.Get(id)
		response.Handle(c, proposal, err)
	}
}

// VetProposalHandler handles POST requests to run phase-1 vetting.
func (h *GinHandlers) VetProposalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := proposalID(c)
		if !ok {
			return
		}

		proposal, err := h.coordinator.VetAll(c.Request.Context(), id)
		if errors.Is(err, mode.ErrModeBlocked) {
			response.ModeBlocked(c, err.Error())
			return
		}
		response.Handle(c, proposal, err)
	}
}

// FinalizeProposalHandler handles POST requests to run phase-2 reservation.
func (h *GinHandlers) FinalizeProposalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := proposalID(c)
		if !ok {
			return
		}

		proposal, err := h.coordinator.Finalize(c.Request.Context(), id)
		switch {
		case errors.Is(err, mode.ErrModeBlocked):
			response.ModeBlocked(c, err.Error())
		case errors.Is(err, ErrStaleProposal):
			response.StaleState(c, err.Error())
		case err == nil && proposal.Status == types.StatusFailed:
			// Reservation was denied and the coordinator already settled the
			// proposal as failed.
			response.CapacityDenied(c, proposal.DecisionNotes)
		default:
			response.Handle(c, proposal, err)
		}
	}
}

// ExpireProposalHandler handles POST requests from the expiry sweep: the
// proposal ends expired and any reservation backing it is released.
func (h *GinHandlers) ExpireProposalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := proposalID(c)
		if !ok {
			return
		}

		if err := h.coordinator.Expire(c.Request.Context(), id); err != nil {
			if errors.Is(err, ErrStaleProposal) {
				response.StaleState(c, err.Error())
				return
			}
			response.Handle(c, nil, err)
			return
		}

		proposal, err := h.store.Get(id)
		response.Handle(c, proposal, err)
	}
}

func proposalID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("proposal_id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "Invalid proposal ID")
		return 0, false
	}
	return uint(id), true
}
