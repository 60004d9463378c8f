package api

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/connection"
	"github.com/zulandar/switchboard/internal/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)

	api := router.Group("/api", s.requireToken())
	api.POST("/instances", s.handleCreateInstance)
	api.GET("/instances", s.handleListInstances)
	api.GET("/instances/active", s.handleListActive)
	api.GET("/instances/:id/status", s.handleInstanceStatus)
	api.POST("/instances/:id/start", s.handleStart)
	api.POST("/instances/:id/stop", s.handleStop)
	api.GET("/instances/:id/contacts", s.handleContacts)
	api.GET("/instances/:id/chats/:contactId/messages", s.handleMessages)
	api.POST("/instances/:id/messages", s.handleSend)

	api.GET("/events", s.handleSSE)
	api.GET("/ws", s.handleWS)
}

// instanceView is an Instance annotated with its live state.
type instanceView struct {
	models.Instance
	Active bool `json:"active"`
}

type createInstanceRequest struct {
	Name     string `json:"name" binding:"required"`
	Platform string `json:"platform"`
}

type sendRequest struct {
	ContactID string `json:"contactId" binding:"required"`
	Content   string `json:"content" binding:"required"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"active": len(s.orch.ListActive()),
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleCreateInstance(c *gin.Context) {
	var req createInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Platform == "" {
		// The mock platform is only a default where it is actually served.
		if s.platforms != nil && !s.platforms[connection.MockPlatform] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "platform is required (" + strings.Join(s.platformNames(), ", ") + ")"})
			return
		}
		req.Platform = connection.MockPlatform
	}
	if s.platforms != nil && !s.platforms[req.Platform] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported platform: " + req.Platform})
		return
	}

	inst := &models.Instance{
		Name:     req.Name,
		Platform: req.Platform,
		Status:   models.StatusCreated,
	}
	if err := s.store.CreateInstance(c.Request.Context(), inst); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, instanceView{Instance: *inst})
}

func (s *Server) handleListInstances(c *gin.Context) {
	var statuses []models.InstanceStatus
	if st := c.Query("status"); st != "" {
		statuses = append(statuses, models.InstanceStatus(st))
	}
	instances, err := s.store.ListInstances(c.Request.Context(), statuses...)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]instanceView, 0, len(instances))
	for _, inst := range instances {
		out = append(out, instanceView{Instance: inst, Active: s.orch.IsActive(inst.ID)})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleListActive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instances": s.orch.ListActive()})
}

func (s *Server) handleInstanceStatus(c *gin.Context) {
	inst, err := s.store.GetInstance(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	body := gin.H{
		"id":     inst.ID,
		"status": inst.Status,
		"active": s.orch.IsActive(inst.ID),
	}
	if inst.PhoneNumber != "" {
		body["phoneNumber"] = inst.PhoneNumber
	}
	if inst.LastConnectedAt != nil {
		body["lastConnectedAt"] = inst.LastConnectedAt
	}
	if inst.LastPairingPayload != nil {
		body["pairingCode"] = *inst.LastPairingPayload
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleStart(c *gin.Context) {
	id := c.Param("id")
	if err := s.orch.Start(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "active": true})
}

func (s *Server) handleStop(c *gin.Context) {
	id := c.Param("id")
	if err := s.orch.Stop(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "active": false})
}

func (s *Server) handleContacts(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.GetInstance(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	contacts, err := s.store.ListContacts(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if contacts == nil {
		contacts = []models.Contact{}
	}
	c.JSON(http.StatusOK, contacts)
}

func (s *Server) handleMessages(c *gin.Context) {
	limit, ok := queryInt(c, "limit", defaultPageSize)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	msgs, err := s.store.ListMessages(c.Request.Context(), c.Param("id"), c.Param("contactId"), limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "limit": limit, "offset": offset})
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := s.orch.Send(c.Request.Context(), c.Param("id"), req.ContactID, req.Content)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// queryInt reads a non-negative integer query parameter. On a bad value it
// writes a 400 and returns false.
func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return n, true
}

func (s *Server) platformNames() []string {
	names := make([]string, 0, len(s.platforms))
	for p := range s.platforms {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}
