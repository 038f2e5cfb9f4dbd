package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/becomeliminal/runeai/core"
	"github.com/becomeliminal/runeai/service"
)

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"Hello": "RuneAI Backend", "Status": "Running"})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	if err := s.svc.Ping(c.Request.Context()); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Database not ready: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true, "db": "connected"})
}

// email returns the request's user email: the body value when set, else
// the user_email query parameter. The service applies the default.
func email(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return c.Query("user_email")
}

// intQuery parses an optional integer query parameter.
func intQuery(c *gin.Context, name string) (int, error) {
	v := c.Query(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return n, nil
}

type submitLinkRequest struct {
	URL       string `json:"url" binding:"required"`
	UserEmail string `json:"user_email"`
}

func (s *Server) handleSubmitLink(c *gin.Context) {
	var req submitLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.svc.SubmitLink(c.Request.Context(), email(c, req.UserEmail), req.URL)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleGetLink(c *gin.Context) {
	link, err := s.svc.GetLink(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, link)
}

func (s *Server) handleLinkLogs(c *gin.Context) {
	logs, err := s.svc.LinkLogs(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (s *Server) handleListLinks(c *gin.Context) {
	links, err := s.svc.ListLinks(c.Request.Context(), email(c, ""))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, links)
}

type pushRequest struct {
	Changes   []core.ChangeItem `json:"changes"`
	UserEmail string            `json:"user_email"`
}

func (s *Server) handlePush(c *gin.Context) {
	var req pushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.svc.PushChanges(c.Request.Context(), email(c, req.UserEmail), req.Changes)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handlePull(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.PullChanges(c.Request.Context()))
}

func (s *Server) handleUpload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		badRequest(c, err)
		return
	}
	f, err := header.Open()
	if err != nil {
		fail(c, err)
		return
	}
	defer f.Close()

	res, err := s.svc.Upload(c.Request.Context(), header.Filename, header.Header.Get("Content-Type"), f)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleCreateConversation(c *gin.Context) {
	conv, err := s.svc.CreateConversation(c.Request.Context(), email(c, ""), c.Query("title"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) handleListConversations(c *gin.Context) {
	convs, err := s.svc.ListConversations(c.Request.Context(), email(c, ""))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, convs)
}

func (s *Server) handleListMessages(c *gin.Context) {
	msgs, err := s.svc.ListMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var in core.ChatInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.svc.SendMessage(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleSaveRune(c *gin.Context) {
	var in service.SaveRuneInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	ref, err := s.svc.SaveRune(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ref)
}

type createRuneRequest struct {
	Title       string            `form:"title" json:"title"`
	Content     string            `form:"content" json:"content"`
	UserEmail   string            `form:"user_email" json:"user_email"`
	Attachments []core.Attachment `form:"-" json:"attachments"`
}

// handleCreateRune accepts query parameters or a JSON body.
func (s *Server) handleCreateRune(c *gin.Context) {
	var req createRuneRequest
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Content == "" {
		badRequest(c, errors.New("content is required"))
		return
	}
	ref, err := s.svc.CreateRune(c.Request.Context(), email(c, req.UserEmail), service.CreateRuneInput{
		Title:       req.Title,
		Content:     req.Content,
		Attachments: req.Attachments,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ref)
}

func (s *Server) handleListRunes(c *gin.Context) {
	limit, err := intQuery(c, "limit")
	if err != nil {
		badRequest(c, err)
		return
	}
	runes, err := s.svc.ListRunes(c.Request.Context(), email(c, ""), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, runes)
}

func (s *Server) handleSearchRunes(c *gin.Context) {
	query := c.Query("query")
	if query == "" {
		badRequest(c, errors.New("query is required"))
		return
	}
	topK, err := intQuery(c, "top_k")
	if err != nil {
		badRequest(c, err)
		return
	}
	hits, err := s.svc.SearchRunes(c.Request.Context(), email(c, ""), query, topK)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, hits)
}

func (s *Server) handleListMemories(c *gin.Context) {
	mems, err := s.svc.ListMemories(c.Request.Context(), email(c, ""))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, mems)
}

func (s *Server) handleConsolidate(c *gin.Context) {
	res, err := s.svc.Consolidate(c.Request.Context(), email(c, ""))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
