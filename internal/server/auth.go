package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/entitlements/internal/authorization"
	obscontext "github.com/smallbiznis/entitlements/internal/observability/context"
	"github.com/smallbiznis/entitlements/internal/tenantcontext"
)

const (
	HeaderServiceKey = "X-Service-Key"

	contextAuthRoleKey = "auth_role"
)

// tenantClaims is the tenant session token issued by the identity provider.
type tenantClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenantId"`
}

func hashServiceKeys(keys []string) [][sha256.Size]byte {
	hashes := make([][sha256.Size]byte, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		hashes = append(hashes, sha256.Sum256([]byte(key)))
	}
	return hashes
}

// ServiceKeyRequired admits internal callers presenting a configured service key.
func (s *Server) ServiceKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authenticateService(c); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// TenantTokenRequired admits callers with a valid tenant bearer token.
func (s *Server) TenantTokenRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authenticateTenant(c); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// ServiceOrTenantRequired prefers the service key when the header is present.
func (s *Server) ServiceOrTenantRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		var err error
		if strings.TrimSpace(c.GetHeader(HeaderServiceKey)) != "" {
			err = s.authenticateService(c)
		} else {
			err = s.authenticateTenant(c)
		}
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func (s *Server) authenticateService(c *gin.Context) error {
	raw := strings.TrimSpace(c.GetHeader(HeaderServiceKey))
	if raw == "" || !s.validServiceKey(raw) {
		return ErrUnauthorized
	}

	ctx := tenantcontext.WithCaller(c.Request.Context(), tenantcontext.CallerService)
	ctx = obscontext.WithActor(ctx, tenantcontext.CallerService, "internal")
	c.Request = c.Request.WithContext(ctx)
	c.Set(contextAuthRoleKey, authorization.RoleService)
	return nil
}

func (s *Server) validServiceKey(raw string) bool {
	sum := sha256.Sum256([]byte(raw))
	matched := 0
	for _, hash := range s.serviceKeyHashes {
		matched |= subtle.ConstantTimeCompare(sum[:], hash[:])
	}
	return matched == 1
}

func (s *Server) authenticateTenant(c *gin.Context) error {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ErrUnauthorized
	}

	tenantID, err := s.parseTenantToken(parts[1])
	if err != nil {
		return ErrUnauthorized
	}

	ctx := tenantcontext.WithCaller(c.Request.Context(), tenantcontext.CallerTenant)
	ctx = tenantcontext.WithTenantID(ctx, tenantID)
	ctx = obscontext.WithTenantID(ctx, tenantID)
	ctx = obscontext.WithActor(ctx, tenantcontext.CallerTenant, tenantID)
	c.Request = c.Request.WithContext(ctx)
	c.Set(contextAuthRoleKey, authorization.RoleTenant)
	return nil
}

func (s *Server) parseTenantToken(raw string) (string, error) {
	if len(s.jwtSecret) == 0 {
		return "", errors.New("jwt secret not configured")
	}

	claims := &tenantClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}

	tenantID := strings.TrimSpace(claims.TenantID)
	if tenantID == "" {
		return "", errors.New("missing tenantId claim")
	}
	return tenantID, nil
}

// ensureTenantScope rejects tenant callers acting on another tenant.
// Service callers may address any tenant.
func ensureTenantScope(c *gin.Context, tenantID string) error {
	ctx := c.Request.Context()
	if tenantcontext.CallerFromContext(ctx) != tenantcontext.CallerTenant {
		return nil
	}
	claimed, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return ErrUnauthorized
	}
	if claimed != strings.TrimSpace(tenantID) {
		return ErrTenantMismatch
	}
	return nil
}

func (s *Server) authorize(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(contextAuthRoleKey)
		if role == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), role, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}
