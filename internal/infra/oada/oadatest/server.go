// Package oadatest provides an in-memory resource store for tests.
package oadatest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"trellis-signer/internal/domain"

	"github.com/gin-gonic/gin"
)

type Put struct {
	Path        string
	ContentType string
	Body        json.RawMessage
}

type Server struct {
	*httptest.Server

	mu       sync.Mutex
	tokens   map[string]struct{}
	docs     map[string]domain.Document
	puts     []Put
	gets     int
	failPuts int
	rev      int
}

// New starts a store that accepts the given bearer tokens. With no tokens
// every request is accepted.
func New(tokens ...string) *Server {
	gin.SetMode(gin.TestMode)
	s := &Server{
		tokens: make(map[string]struct{}, len(tokens)),
		docs:   make(map[string]domain.Document),
	}
	for _, t := range tokens {
		s.tokens[t] = struct{}{}
	}
	r := gin.New()
	r.Use(s.auth)
	r.GET("/*path", s.get)
	r.PUT("/*path", s.put)
	s.Server = httptest.NewServer(r)
	return s
}

// SetDocument stores raw JSON at path, replacing what was there.
func (s *Server) SetDocument(path, raw string) {
	doc, err := domain.ParseDocument([]byte(raw))
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[clean(path)] = doc
}

func (s *Server) Document(path string) (domain.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[clean(path)]
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

func (s *Server) Puts() []Put {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Put(nil), s.puts...)
}

func (s *Server) Gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

// FailPuts makes every PUT answer with status until reset with 0.
func (s *Server) FailPuts(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPuts = status
}

func (s *Server) auth(c *gin.Context) {
	if len(s.tokens) == 0 {
		c.Next()
		return
	}
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if _, ok := s.tokens[token]; !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (s *Server) get(c *gin.Context) {
	path := clean(c.Param("path"))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if doc, ok := s.docs[path]; ok {
		c.JSON(http.StatusOK, doc)
		return
	}
	parent, field := split(path)
	if doc, ok := s.docs[parent]; ok {
		if value, ok := doc[field]; ok {
			c.Data(http.StatusOK, "application/json", value)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
}

// put merges a document body into path, or sets a single field when path
// names a key of an existing document. Every write bumps _rev.
func (s *Server) put(c *gin.Context) {
	path := clean(c.Param("path"))
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPuts != 0 {
		c.JSON(s.failPuts, gin.H{"error": "put failed"})
		return
	}
	s.puts = append(s.puts, Put{Path: path, ContentType: c.ContentType(), Body: body})
	s.rev++
	rev := json.RawMessage(strconv.Itoa(s.rev))

	parent, field := split(path)
	if doc, ok := s.docs[parent]; ok && parent != path {
		if _, isDoc := s.docs[path]; !isDoc {
			doc[field] = json.RawMessage(body)
			doc["_rev"] = rev
			c.Status(http.StatusNoContent)
			return
		}
	}
	update, err := domain.ParseDocument(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	doc, ok := s.docs[path]
	if !ok {
		doc = domain.Document{}
		s.docs[path] = doc
	}
	for k, v := range update {
		doc[k] = v
	}
	doc["_rev"] = rev
	c.Status(http.StatusNoContent)
}

func clean(path string) string {
	path = "/" + strings.Trim(path, "/")
	return path
}

func split(path string) (string, string) {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return path, ""
	}
	return path[:i], path[i+1:]
}
