package identity

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hrportal/hrportal/internal/audit"
	"github.com/hrportal/hrportal/internal/auth"
	apperrors "github.com/hrportal/hrportal/internal/common/errors"
	"github.com/hrportal/hrportal/internal/common/validation"
)

// Handler serves the /api/auth endpoints
type Handler struct {
	service *Service
	audit   *audit.Service
	logger  *zap.Logger
}

// NewHandler creates the HTTP handler. auditSvc may be nil, which leaves the
// audit listing unmounted.
func NewHandler(service *Service, auditSvc *audit.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, audit: auditSvc, logger: logger}
}

// RegisterRoutes mounts the endpoints on router, usually the /api/auth group.
// loginGuard, when set, runs before every login endpoint.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup, rbac *auth.RBACMiddleware, loginGuard gin.HandlerFunc) {
	login := router.Group("")
	if loginGuard != nil {
		login.Use(loginGuard)
	}
	login.POST("/email/login", h.handleEmailLogin)
	login.POST("/ldap/login", h.handleLDAPLogin)
	login.POST("/sso/:provider/login", h.handleSSOCallback)

	router.GET("/sso/providers", h.handleSSOProviders)
	router.GET("/sso/:provider/login", h.handleSSOBegin)
	router.POST("/refresh", h.handleRefresh)

	authed := router.Group("", rbac.Authenticate())
	authed.POST("/logout", h.handleLogout)
	authed.GET("/profile", h.handleGetProfile)
	authed.PUT("/profile", h.handleUpdateProfile)
	authed.POST("/change-password", h.handleChangePassword)
	authed.POST("/2fa/enable", h.handleEnableTwoFactor)
	authed.POST("/2fa/verify", h.handleVerifyTwoFactor)
	authed.POST("/2fa/disable", h.handleDisableTwoFactor)
	authed.GET("/permissions", h.handlePermissions)
	authed.POST("/check-permission", h.handleCheckPermission)
	authed.POST("/session/extend", h.handleExtendSession)

	admin := authed.Group("", rbac.RequirePermission("users", "manage", auth.ScopeAll))
	admin.GET("/permissions/matrix", h.handleMatrix)
	admin.POST("/users/:id/permissions", h.handleGrantPermission)
	admin.DELETE("/users/:id/permissions/:permissionId", h.handleRevokePermission)

	if h.audit != nil {
		audit.RegisterRoutes(authed, h.audit, rbac.RequirePermission("audit", "read", auth.ScopeAll))
	}
}

func clientInfo(c *gin.Context) ClientInfo {
	return ClientInfo{IPAddress: c.ClientIP(), UserAgent: c.Request.UserAgent()}
}

func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		apperrors.HandleError(c, apperrors.ValidationError(validation.FromBindingError(err).Error()))
		return false
	}
	return true
}

func currentUser(c *gin.Context) (*auth.User, bool) {
	user, err := auth.GetCurrentUser(c)
	if err != nil {
		apperrors.HandleError(c, apperrors.Unauthorized(auth.ReasonUnauthenticated))
		return nil, false
	}
	return user, true
}

func (h *Handler) handleEmailLogin(c *gin.Context) {
	var req EmailLoginRequest
	if !bindJSON(c, &req) {
		return
	}
	resp, err := h.service.EmailLogin(c.Request.Context(), req, clientInfo(c))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	if resp.RequiresTwoFactor {
		apperrors.OK(c, resp, "Code de vérification requis")
		return
	}
	apperrors.OK(c, resp, "Connexion email réussie")
}

func (h *Handler) handleLDAPLogin(c *gin.Context) {
	var req LDAPLoginRequest
	if !bindJSON(c, &req) {
		return
	}
	resp, err := h.service.LDAPLogin(c.Request.Context(), req, clientInfo(c))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	apperrors.OK(c, resp, "Connexion LDAP réussie")
}

func (h *Handler) handleSSOProviders(c *gin.Context) {
	apperrors.OK(c, gin.H{"providers": h.service.SSOProviders()}, "")
}

func (h *Handler) handleSSOBegin(c *gin.Context) {
	req, err := h.service.SSOBegin(c.Request.Context(), c.Param("provider"))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	apperrors.OK(c, req, "")
}

func (h *Handler) handleSSOCallback(c *gin.Context) {
	var req SSOCallbackRequest
	if !bindJSON(c, &req) {
		return
	}
	resp, err := h.service.SSOLogin(c.Request.Context(), c.Param("provider"), req, clientInfo(c))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	apperrors.OK(c, resp, "Connexion SSO réussie")
}

func (h *Handler) handleRefresh(c *gin.Context) {
	var req RefreshRequest
	if !bindJSON(c, &req) {
		return
	}
	resp, err := h.service.Refresh(c.Request.Context(), req.RefreshToken, clientInfo(c))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	apperrors.OK(c, resp, "Token rafraîchi")
}

func (h *Handler) handleLogout(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var req LogoutRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	err := h.service.Logout(c.Request.Context(), user,
		auth.GetAccessTokenFromContext(c), req.RefreshToken, auth.GetSessionIDFromContext(c), clientInfo(c))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	apperrors.OK(c, nil, "Déconnexion réussie")
}

func (h *Handler) handleGetProfile(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	profile, err := h.service.Profile(c.Request.Context(), user.ID)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	apperrors.OK(c, profile, "Profil récupéré")
}

func (h *Handler) handleUpdateProfile(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var req ProfileUpdate
	if !bindJSON(c, &req) {
		return
	}
	profile, err := h.service.UpdateProfile(c.Request.Context(), user.ID, auth.GetSessionIDFromContext(c), req, clientInfo(c))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	apperrors.OK(c, profile, "Profil mis à jour")
}

func (h *Handler) handleChangePassword(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var req ChangePasswordRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.service.ChangePassword(c.Request.Context(), user.ID, auth.GetSessionIDFromContext(c), req, clientInfo(c)); err != nil {
		apperrors.HandleError(c, err)
		return
	}
	apperrors.OK(c, nil, "Mot de passe modifié")
}

func (h *Handler) handleEnableTwoFactor(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	enrollment, err := h.service.EnableTwoFactor(c.Request.Context(), user)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	apperrors.OK(c, enrollment, "Scannez le code avec votre application")
}

func (h *Handler) handleVerifyTwoFactor(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var req TwoFactorCodeRequest
	if !bindJSON(c, &req) {
		return
	}
	status, err := h.service.VerifyTwoFactor(c.Request.Context(), user, auth.GetSessionIDFromContext(c), req.Code, clientInfo(c))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	apperrors.OK(c, status, "Code vérifié")
}

func (h *Handler) handleDisableTwoFactor(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var req TwoFactorCodeRequest
	if !bindJSON(c, &req) {
		return
	}
	status, err := h.service.DisableTwoFactor(c.Request.Context(), user, req.Code, clientInfo(c))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	apperrors.OK(c, status, "Double authentification désactivée")
}

func (h *Handler) handlePermissions(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	apperrors.OK(c, h.service.Permissions(user), "Permissions récupérées")
}

func (h *Handler) handleCheckPermission(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var req auth.PermissionCheck
	if !bindJSON(c, &req) {
		return
	}
	resp, err := h.service.CheckPermission(c.Request.Context(), user, req, clientInfo(c))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	apperrors.OK(c, resp, "Permission vérifiée")
}

func (h *Handler) handleExtendSession(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	resp, err := h.service.ExtendSession(c.Request.Context(), user, auth.GetSessionIDFromContext(c), clientInfo(c))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	apperrors.OK(c, resp, "Session prolongée")
}

func (h *Handler) handleMatrix(c *gin.Context) {
	apperrors.OK(c, h.service.Matrix(), "")
}

func (h *Handler) handleGrantPermission(c *gin.Context) {
	actor, ok := currentUser(c)
	if !ok {
		return
	}
	userID := c.Param("id")
	if _, err := uuid.Parse(userID); err != nil {
		apperrors.HandleError(c, apperrors.UserNotFound(userID))
		return
	}
	var req GrantRequest
	if !bindJSON(c, &req) {
		return
	}

	p, err := h.service.GrantPermission(c.Request.Context(), actor, userID, req, clientInfo(c))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, apperrors.Response{Success: true, Data: p, Message: "Permission accordée"})
}

func (h *Handler) handleRevokePermission(c *gin.Context) {
	actor, ok := currentUser(c)
	if !ok {
		return
	}
	userID, permissionID := c.Param("id"), c.Param("permissionId")
	if _, err := uuid.Parse(userID); err != nil {
		apperrors.HandleError(c, apperrors.UserNotFound(userID))
		return
	}
	if _, err := uuid.Parse(permissionID); err != nil {
		apperrors.HandleError(c, apperrors.PermissionNotFound(permissionID))
		return
	}

	if err := h.service.RevokePermission(c.Request.Context(), actor, userID, permissionID, clientInfo(c)); err != nil {
		apperrors.HandleError(c, err)
		return
	}
	apperrors.OK(c, nil, "Permission révoquée")
}
