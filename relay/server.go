// Package relay provides the reference transport for collabkit
// documents: an HTTP relay that stores each document's broadcast
// transactions in an append-only log plus an optional saved-state blob,
// and a polling Provider that connects a live Document to it.
//
// The relay never inspects the bytes it carries. Delivery is
// at-least-once: clients poll with a cursor, and the runtime's causal
// buffer absorbs duplicates and reorderings.
package relay

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

// docLog is the relay-side record of one document.
type docLog struct {
	updates [][]byte
	state   []byte
}

// Server holds all relayed documents in memory. Persistence is the
// deployment's problem; the runtime's Save/Load carries the durable
// state.
type Server struct {
	mu   sync.RWMutex
	docs map[string]*docLog
}

// NewServer creates an empty relay.
func NewServer() *Server {
	return &Server{docs: make(map[string]*docLog)}
}

// Register mounts all routes on r.
func (s *Server) Register(r *gin.Engine) {
	docs := r.Group("/docs")
	docs.POST("/:doc/updates", s.AppendUpdate)
	docs.GET("/:doc/updates", s.ListUpdates)
	docs.PUT("/:doc/state", s.PutState)
	docs.GET("/:doc/state", s.GetState)
}

func (s *Server) doc(name string) *docLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[name]
	if !ok {
		d = &docLog{}
		s.docs[name] = d
	}
	return d
}

// AppendUpdate handles POST /docs/:doc/updates
// Body: {"data": "<base64 transaction bytes>"}
func (s *Server) AppendUpdate(c *gin.Context) {
	var body struct {
		Data []byte `json:"data" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d := s.doc(c.Param("doc"))
	s.mu.Lock()
	d.updates = append(d.updates, body.Data)
	seq := len(d.updates)
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"seq": seq})
}

// ListUpdates handles GET /docs/:doc/updates?since=N
// Returns every update appended after position N and the next cursor.
func (s *Server) ListUpdates(c *gin.Context) {
	var query struct {
		Since int `form:"since"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d := s.doc(c.Param("doc"))
	s.mu.RLock()
	var updates [][]byte
	if query.Since < len(d.updates) {
		updates = append(updates, d.updates[query.Since:]...)
	}
	next := len(d.updates)
	s.mu.RUnlock()

	c.JSON(http.StatusOK, gin.H{"updates": updates, "next": next})
}

// PutState handles PUT /docs/:doc/state
// Stores a saved-state blob so late joiners can skip the log prefix.
func (s *Server) PutState(c *gin.Context) {
	var body struct {
		Data []byte `json:"data" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d := s.doc(c.Param("doc"))
	s.mu.Lock()
	d.state = body.Data
	s.mu.Unlock()

	c.Status(http.StatusNoContent)
}

// GetState handles GET /docs/:doc/state
func (s *Server) GetState(c *gin.Context) {
	d := s.doc(c.Param("doc"))
	s.mu.RLock()
	state := d.state
	s.mu.RUnlock()

	if state == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no saved state"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": state})
}
