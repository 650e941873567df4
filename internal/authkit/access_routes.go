package authkit

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MountAccessRoutes exposes the role matrix behind RequireBearer. Reads need PermissionRead.
// Mutations are restricted to RoleAdmin so no other role can widen its own grants.
func MountAccessRoutes(router gin.IRouter, authenticator *RequestAuthenticator, access *AccessControl, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	group := router.Group("/api/roles", authenticator.RequireBearer())
	group.GET("", authenticator.RequirePermissionHandler(PermissionRead), func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"roles": access.Matrix()})
	})
	group.PUT("/:role/permissions/:permission", authenticator.RequireRoleHandler(RoleAdmin), func(contextGin *gin.Context) {
		role, permission, ok := roleAndPermissionFromPath(contextGin)
		if !ok {
			return
		}
		access.Grant(role, permission)
		logMatrixChange(logger, contextGin, "auth.roles.grant", role, permission)
		contextGin.JSON(http.StatusOK, gin.H{"role": role, "permissions": access.PermissionsFor(role)})
	})
	group.DELETE("/:role/permissions/:permission", authenticator.RequireRoleHandler(RoleAdmin), func(contextGin *gin.Context) {
		role, permission, ok := roleAndPermissionFromPath(contextGin)
		if !ok {
			return
		}
		access.Revoke(role, permission)
		logMatrixChange(logger, contextGin, "auth.roles.revoke", role, permission)
		contextGin.JSON(http.StatusOK, gin.H{"role": role, "permissions": access.PermissionsFor(role)})
	})
}

func roleAndPermissionFromPath(contextGin *gin.Context) (Role, Permission, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(contextGin.Param("role"))))
	permission := Permission(strings.ToLower(strings.TrimSpace(contextGin.Param("permission"))))
	if role == "" || permission == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_path"})
		return "", "", false
	}
	return role, permission, true
}

func logMatrixChange(logger *zap.Logger, contextGin *gin.Context, code string, role Role, permission Permission) {
	principal, _ := PrincipalFromContext(contextGin)
	logger.Info("role matrix changed",
		zap.String("code", code),
		zap.String("subject_id", principal.SubjectID),
		zap.String("role", string(role)),
		zap.String("permission", string(permission)))
}
