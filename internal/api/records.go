package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/deesec/internal/access"
	"github.com/jmerrifield20/deesec/internal/identity"
	"github.com/jmerrifield20/deesec/internal/ledger"
	"go.uber.org/zap"
)

// CreateRecordRequest is the body of POST /records.
type CreateRecordRequest struct {
	ContentReference string `json:"content_reference"`
}

// GrantRequest is the body of POST /records/:id/grants.
type GrantRequest struct {
	Grantee string `json:"grantee"`
}

// AccessResponse is the body returned by GET /records/:id/access/:identity.
type AccessResponse struct {
	RecordID uint64            `json:"record_id"`
	Identity identity.Identity `json:"identity"`
	Allowed  bool              `json:"allowed"`
}

// RecordHandler exposes the ledger and its access controller over HTTP.
type RecordHandler struct {
	ledger *ledger.Ledger
	access *access.Controller
	logger *zap.Logger
}

// NewRecordHandler creates a new RecordHandler.
func NewRecordHandler(l *ledger.Ledger, a *access.Controller, logger *zap.Logger) *RecordHandler {
	return &RecordHandler{ledger: l, access: a, logger: logger}
}

// Register mounts the record routes on the given router group.
func (h *RecordHandler) Register(rg *gin.RouterGroup) {
	r := rg.Group("/records")
	{
		r.POST("", h.Create)
		r.GET("", h.ListByOwner)
		r.GET("/count", h.Count)
		r.GET("/:id", h.Get)
		r.POST("/:id/grants", h.Grant)
		r.GET("/:id/grants", h.ListGrants)
		r.GET("/:id/access/:identity", h.Access)
	}
}

// Create handles POST /records.
func (h *RecordHandler) Create(c *gin.Context) {
	var req CreateRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	id, err := h.ledger.CreateRecord(c.Request.Context(), req.ContentReference, identity.FromGin(c))
	if err != nil {
		writeError(c, h.logger, "create record", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// Count handles GET /records/count.
func (h *RecordHandler) Count(c *gin.Context) {
	n, err := h.ledger.RecordCount(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "record count", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

// Get handles GET /records/:id.
func (h *RecordHandler) Get(c *gin.Context) {
	id, ok := recordID(c)
	if !ok {
		return
	}
	rec, err := h.ledger.GetRecord(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, "get record", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ListByOwner handles GET /records?owner=. Without an owner parameter the
// caller's own records are listed.
func (h *RecordHandler) ListByOwner(c *gin.Context) {
	owner := identity.New(c.Query("owner"))
	if owner.IsZero() {
		owner = identity.FromGin(c)
	}
	if owner.IsZero() {
		c.JSON(http.StatusUnauthorized, ErrorBody{
			Error: "owner query parameter or caller identity required",
			Code:  CodeUnauthenticated,
		})
		return
	}

	recs, err := h.ledger.RecordsByOwner(c.Request.Context(), owner)
	if err != nil {
		writeError(c, h.logger, "list records", err)
		return
	}
	if recs == nil {
		recs = []*ledger.Record{}
	}
	c.JSON(http.StatusOK, recs)
}

// Grant handles POST /records/:id/grants.
func (h *RecordHandler) Grant(c *gin.Context) {
	id, ok := recordID(c)
	if !ok {
		return
	}
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	receipt, err := h.access.GrantPermission(c.Request.Context(), id, identity.Identity(req.Grantee), identity.FromGin(c))
	if err != nil {
		writeError(c, h.logger, "grant permission", err)
		return
	}
	c.JSON(http.StatusCreated, receipt)
}

// ListGrants handles GET /records/:id/grants.
func (h *RecordHandler) ListGrants(c *gin.Context) {
	id, ok := recordID(c)
	if !ok {
		return
	}
	grants := []access.Grant{}
	for g, err := range h.access.ListGrants(c.Request.Context(), id) {
		if err != nil {
			writeError(c, h.logger, "list grants", err)
			return
		}
		grants = append(grants, g)
	}
	c.JSON(http.StatusOK, grants)
}

// Access handles GET /records/:id/access/:identity.
func (h *RecordHandler) Access(c *gin.Context) {
	id, ok := recordID(c)
	if !ok {
		return
	}
	who := identity.New(c.Param("identity"))
	allowed, err := h.access.HasAccess(c.Request.Context(), id, who)
	if err != nil {
		writeError(c, h.logger, "check access", err)
		return
	}
	c.JSON(http.StatusOK, AccessResponse{RecordID: id, Identity: who, Allowed: allowed})
}

func recordID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "id must be a non-negative integer")
		return 0, false
	}
	return id, true
}
