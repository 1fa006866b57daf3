package custody

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/kustodia/escrowd/internal/amount"
	"github.com/kustodia/escrowd/internal/validation"
)

// BookHandler lets operators seed and inspect holder balances on the
// in-process book rail. It is mounted only when the book backend is active.
type BookHandler struct {
	book *BookTransferer
}

// NewBookHandler creates a book rail handler.
func NewBookHandler(b *BookTransferer) *BookHandler {
	return &BookHandler{book: b}
}

// RegisterAdminRoutes mounts the book routes on an administrator-only group.
func (h *BookHandler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/book/credit", h.Credit)
	r.GET("/book/:holder", h.Balance)
}

type creditRequest struct {
	Holder string `json:"holder" binding:"required"`
	Asset  string `json:"asset" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

// Credit handles POST /v1/admin/book/credit
func (h *BookHandler) Credit(c *gin.Context) {
	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "holder, asset and amount are required",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("holder", req.Holder),
		validation.ValidAsset("asset", req.Asset),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	asset, err := NormalizeAsset(req.Asset)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_asset", "message": err.Error()})
		return
	}
	amt, err := amount.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}

	h.book.Credit(req.Holder, asset, amt)
	c.JSON(http.StatusOK, gin.H{
		"holder":  common.HexToAddress(req.Holder).Hex(),
		"asset":   asset,
		"balance": amount.Format(h.book.BalanceOf(req.Holder, asset)),
	})
}

// Balance handles GET /v1/admin/book/:holder?asset=0x...
func (h *BookHandler) Balance(c *gin.Context) {
	holder := c.Param("holder")
	if !common.IsHexAddress(holder) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "holder must be a hex address"})
		return
	}
	asset, err := NormalizeAsset(c.Query("asset"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_asset", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"holder":  common.HexToAddress(holder).Hex(),
		"asset":   asset,
		"balance": amount.Format(h.book.BalanceOf(holder, asset)),
	})
}
