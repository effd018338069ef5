package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Longshot123/collabREate/internal/auth"
	"github.com/Longshot123/collabREate/internal/collab"
	"github.com/Longshot123/collabREate/internal/perms"
	"github.com/Longshot123/collabREate/internal/project"
	"github.com/Longshot123/collabREate/internal/session"
	"github.com/Longshot123/collabREate/internal/updatelog"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const sessionContextKey = "collab_session"

var (
	errMissingAuthService   = errors.New("auth service dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingCoordinator   = errors.New("coordinator dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// AuthService is the CHAP surface the router consumes.
type AuthService interface {
	IssueChallenge() (auth.Challenge, error)
	Authenticate(ctx context.Context, challengeID, username string, response []byte) (auth.Account, error)
}

// TokenManager binds bearer tokens to session ids.
type TokenManager interface {
	IssueSessionToken(sessionID, username string) (string, int64, error)
	ValidateToken(token string) (string, error)
	TokenTTL() time.Duration
}

// Dependencies wires the HTTP surface to the collaboration core.
type Dependencies struct {
	Auth        AuthService
	Tokens      TokenManager
	Coordinator *collab.Coordinator
	Logger      *zap.Logger
	Clock       func() time.Time
}

// NewHTTPHandler builds the gin router exposing the session surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Auth == nil {
		return nil, errMissingAuthService
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	// Sessions whose token lifetime lapses without an explicit leave
	// are disconnected the same way a leave would.
	handler := &httpHandler{
		auth:        deps.Auth,
		tokens:      deps.Tokens,
		coordinator: deps.Coordinator,
		sessions:    newSessionStore(deps.Tokens.TokenTTL(), deps.Clock, deps.Coordinator.Disconnect),
		logger:      logger,
	}

	router.POST("/auth/challenge", handler.handleChallenge)
	router.POST("/auth/verify", handler.handleVerify)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/projects", handler.handleListProjects)
	protected.GET("/projects/:pid", handler.handleProjectInfo)
	protected.POST("/projects", handler.handleCreateProject)
	protected.POST("/projects/:pid/join", handler.handleJoin)
	protected.GET("/updates", handler.handleReplay)
	protected.POST("/updates", handler.handlePost)
	protected.POST("/fork", handler.handleFork)
	protected.POST("/snapshot", handler.handleSnapshot)
	protected.POST("/snapfork", handler.handleSnapshotFork)
	protected.POST("/permissions", handler.handlePermissions)
	protected.POST("/leave", handler.handleLeave)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	auth        AuthService
	tokens      TokenManager
	coordinator *collab.Coordinator
	sessions    *sessionStore
	logger      *zap.Logger
}

type challengeResponsePayload struct {
	ChallengeID string `json:"challenge_id"`
	Challenge   string `json:"challenge"`
}

func (h *httpHandler) handleChallenge(c *gin.Context) {
	challenge, err := h.auth.IssueChallenge()
	if err != nil {
		h.logger.Error("failed to issue challenge", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "challenge_failed"})
		return
	}
	c.JSON(http.StatusOK, challengeResponsePayload{
		ChallengeID: challenge.ID,
		Challenge:   hex.EncodeToString(challenge.Nonce),
	})
}

type verifyRequestPayload struct {
	ChallengeID   string `json:"challenge_id"`
	Username      string `json:"username"`
	Response      string `json:"response"`
	PublishMask   string `json:"publish_mask"`
	SubscribeMask string `json:"subscribe_mask"`
}

type verifyResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	Username    string `json:"username"`
}

func (h *httpHandler) handleVerify(c *gin.Context) {
	var request verifyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Username) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	response, err := hex.DecodeString(request.Response)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_response_encoding"})
		return
	}
	reqPub, err := parseMask(request.PublishMask, perms.Full)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_publish_mask"})
		return
	}
	reqSub, err := parseMask(request.SubscribeMask, perms.Full)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_subscribe_mask"})
		return
	}

	account, err := h.auth.Authenticate(c.Request.Context(), request.ChallengeID, request.Username, response)
	if err != nil {
		if errors.Is(err, auth.ErrAuthFailed) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("authentication failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "auth_failed"})
		return
	}

	sess := session.New(account.UserID, account.Username,
		account.PublishMask, account.SubscribeMask, reqPub, reqSub)
	h.sessions.add(sess)

	token, expiresIn, err := h.tokens.IssueSessionToken(sess.ID, sess.Username)
	if err != nil {
		h.sessions.remove(sess.ID)
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, verifyResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		Username:    sess.Username,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	sessionID, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	sess, ok := h.sessions.get(sessionID)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown_session"})
		return
	}
	c.Set(sessionContextKey, sess)
	c.Next()
}

func (h *httpHandler) currentSession(c *gin.Context) *session.Session {
	value, ok := c.Get(sessionContextKey)
	if !ok {
		return nil
	}
	sess, _ := value.(*session.Session)
	return sess
}

type projectPayload struct {
	LocalID           uint64 `json:"pid"`
	GlobalID          string `json:"gpid"`
	ContentHash       string `json:"hash"`
	Description       string `json:"description"`
	Owner             string `json:"owner"`
	PublishMask       string `json:"publish_mask"`
	SubscribeMask     string `json:"subscribe_mask"`
	SnapshotUpdateID  uint64 `json:"snapshot_update_id,omitempty"`
	ParentID          uint64 `json:"parent,omitempty"`
	ParentDescription string `json:"parent_description,omitempty"`
	ConnectedPeers    int    `json:"connected,omitempty"`
}

func renderProject(record project.Project) projectPayload {
	return projectPayload{
		LocalID:          record.LocalID,
		GlobalID:         record.GlobalID,
		ContentHash:      record.ContentHash,
		Description:      record.Description,
		Owner:            record.Owner,
		PublishMask:      formatMask(record.PublishMask),
		SubscribeMask:    formatMask(record.SubscribeMask),
		SnapshotUpdateID: record.SnapshotUpdateID,
	}
}

func renderInfo(info project.Info) projectPayload {
	payload := renderProject(info.Project)
	payload.ParentID = info.ParentID
	payload.ParentDescription = info.ParentDescription
	payload.ConnectedPeers = info.ConnectedPeers
	return payload
}

func (h *httpHandler) handleListProjects(c *gin.Context) {
	contentHash := strings.TrimSpace(c.Query("hash"))
	if contentHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hash_required"})
		return
	}
	infos, err := h.coordinator.ListProjects(c.Request.Context(), contentHash)
	if err != nil {
		h.logger.Error("project listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payloads := make([]projectPayload, 0, len(infos))
	for _, info := range infos {
		payloads = append(payloads, renderInfo(info))
	}
	c.JSON(http.StatusOK, gin.H{"projects": payloads})
}

func (h *httpHandler) handleProjectInfo(c *gin.Context) {
	localID, err := strconv.ParseUint(c.Param("pid"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_pid"})
		return
	}
	info, err := h.coordinator.ProjectInfo(c.Request.Context(), localID)
	if err != nil {
		h.renderCollabError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderInfo(info))
}

type createProjectPayload struct {
	ContentHash   string `json:"hash"`
	Description   string `json:"description"`
	PublishMask   string `json:"publish_mask"`
	SubscribeMask string `json:"subscribe_mask"`
}

func (h *httpHandler) handleCreateProject(c *gin.Context) {
	sess := h.currentSession(c)
	var request createProjectPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ContentHash) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	pub, err := parseMask(request.PublishMask, perms.Full)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_publish_mask"})
		return
	}
	sub, err := parseMask(request.SubscribeMask, perms.Full)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_subscribe_mask"})
		return
	}
	record, err := h.coordinator.CreateProject(c.Request.Context(), sess, request.ContentHash, request.Description, pub, sub)
	if err != nil {
		h.logger.Error("project creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusOK, renderProject(record))
}

func (h *httpHandler) handleJoin(c *gin.Context) {
	sess := h.currentSession(c)
	localID, err := strconv.ParseUint(c.Param("pid"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_pid"})
		return
	}
	result, err := h.coordinator.Join(c.Request.Context(), sess, localID)
	if err != nil {
		h.renderCollabError(c, err)
		return
	}
	effPub, effSub := sess.Effective()
	c.JSON(http.StatusOK, gin.H{
		"project":        renderProject(result.Project),
		"peers":          result.Peers,
		"publish_mask":   formatMask(effPub),
		"subscribe_mask": formatMask(effSub),
	})
}

type updatePayload struct {
	UpdateID uint64          `json:"updateid"`
	Author   string          `json:"author"`
	Command  string          `json:"cmd"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func renderUpdates(records []updatelog.Update) []updatePayload {
	payloads := make([]updatePayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, updatePayload{
			UpdateID: record.UpdateID,
			Author:   record.Author,
			Command:  record.Command,
			Payload:  json.RawMessage(record.Payload),
		})
	}
	return payloads
}

func (h *httpHandler) handleReplay(c *gin.Context) {
	sess := h.currentSession(c)
	lastSeen := uint64(0)
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		lastSeen = parsed
	}
	records, err := h.coordinator.Replay(c.Request.Context(), sess, lastSeen)
	if err != nil {
		h.renderCollabError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updates": renderUpdates(records)})
}

type postRequestPayload struct {
	Command  string          `json:"cmd"`
	Category string          `json:"category"`
	Payload  json.RawMessage `json:"payload"`
}

func (h *httpHandler) handlePost(c *gin.Context) {
	sess := h.currentSession(c)
	var request postRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Command) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	category, err := parseMask(request.Category, perms.None)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_category"})
		return
	}
	record, err := h.coordinator.Post(c.Request.Context(), sess, request.Command, category, datatypes.JSON(request.Payload))
	if err != nil {
		h.renderCollabError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updateid": record.UpdateID})
}

type forkRequestPayload struct {
	Cutoff      uint64 `json:"cutoff"`
	Description string `json:"description"`
}

func (h *httpHandler) handleFork(c *gin.Context) {
	sess := h.currentSession(c)
	var request forkRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	child, err := h.coordinator.Fork(c.Request.Context(), sess, request.Cutoff, request.Description)
	if err != nil {
		h.renderCollabError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderProject(child))
}

func (h *httpHandler) handleSnapshot(c *gin.Context) {
	sess := h.currentSession(c)
	var request forkRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	snapshot, err := h.coordinator.Snapshot(c.Request.Context(), sess, request.Cutoff, request.Description)
	if err != nil {
		h.renderCollabError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderProject(snapshot))
}

type snapshotForkRequestPayload struct {
	SnapshotID    uint64 `json:"snapshot_pid"`
	Description   string `json:"description"`
	PublishMask   string `json:"publish_mask"`
	SubscribeMask string `json:"subscribe_mask"`
}

func (h *httpHandler) handleSnapshotFork(c *gin.Context) {
	sess := h.currentSession(c)
	var request snapshotForkRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	pub, err := parseMask(request.PublishMask, perms.Full)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_publish_mask"})
		return
	}
	sub, err := parseMask(request.SubscribeMask, perms.Full)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_subscribe_mask"})
		return
	}
	child, err := h.coordinator.SnapshotFork(c.Request.Context(), sess, request.SnapshotID, request.Description, pub, sub)
	if err != nil {
		h.renderCollabError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderProject(child))
}

type permissionsRequestPayload struct {
	PublishMask   string `json:"publish_mask"`
	SubscribeMask string `json:"subscribe_mask"`
}

func (h *httpHandler) handlePermissions(c *gin.Context) {
	sess := h.currentSession(c)
	var request permissionsRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	pub, err := parseMask(request.PublishMask, perms.None)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_publish_mask"})
		return
	}
	sub, err := parseMask(request.SubscribeMask, perms.None)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_subscribe_mask"})
		return
	}
	if err := h.coordinator.UpdatePermissions(c.Request.Context(), sess, pub, sub); err != nil {
		h.renderCollabError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleLeave(c *gin.Context) {
	sess := h.currentSession(c)
	h.coordinator.Disconnect(sess)
	h.sessions.remove(sess.ID)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) renderCollabError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, collab.ErrNoSuchProject):
		c.JSON(http.StatusNotFound, gin.H{"error": "no_such_project"})
	case errors.Is(err, collab.ErrCannotJoinSnapshot):
		c.JSON(http.StatusConflict, gin.H{"error": "cannot_join_snapshot"})
	case errors.Is(err, collab.ErrNotASnapshot):
		c.JSON(http.StatusConflict, gin.H{"error": "not_a_snapshot"})
	case errors.Is(err, collab.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
	case errors.Is(err, collab.ErrNotJoined):
		c.JSON(http.StatusBadRequest, gin.H{"error": "not_joined"})
	case errors.Is(err, collab.ErrForkFailed):
		h.logger.Error("fork failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fork_failed"})
	default:
		h.logger.Error("operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func parseMask(value string, fallback perms.Mask) (perms.Mask, error) {
	trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return perms.None, err
	}
	return perms.Mask(parsed), nil
}

func formatMask(mask perms.Mask) string {
	return strconv.FormatUint(uint64(mask), 16)
}
