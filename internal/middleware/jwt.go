package middleware

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/vetting-api/internal/utils"
)

// Claims is the token payload issued by the marketplace auth service. Applicant
// tokens carry applicant_id, reviewer tokens reviewer_id; sub is the fallback.
type Claims struct {
	ApplicantID uint   `json:"applicant_id,omitempty"`
	ReviewerID  uint   `json:"reviewer_id,omitempty"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

// JWTConfig configures token validation.
type JWTConfig struct {
	Secret string
	// Issuer is enforced when set.
	Issuer string
}

// JWTProtected returns a middleware that validates bearer tokens and stores the
// caller's id and canonical role in the user_id and user_role locals.
func JWTProtected(cfg JWTConfig) fiber.Handler {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer := strings.TrimSpace(cfg.Issuer); issuer != "" {
		options = append(options, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(options...)
	secret := []byte(cfg.Secret)

	return func(c *fiber.Ctx) error {
		authorization := c.Get(fiber.HeaderAuthorization)
		if authorization == "" {
			return utils.SendErrorCode(c, fiber.StatusUnauthorized, "token_missing", "authorization header missing")
		}

		const bearer = "bearer "
		if len(authorization) <= len(bearer) || !strings.EqualFold(authorization[:len(bearer)], bearer) {
			return utils.SendErrorCode(c, fiber.StatusUnauthorized, "token_invalid", "invalid authorization header")
		}

		var claims Claims
		token, err := parser.ParseWithClaims(strings.TrimSpace(authorization[len(bearer):]), &claims, func(*jwt.Token) (interface{}, error) {
			return secret, nil
		})
		if err != nil || !token.Valid {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return utils.SendErrorCode(c, fiber.StatusUnauthorized, "token_expired", "token expired")
			}
			return utils.SendErrorCode(c, fiber.StatusUnauthorized, "token_invalid", "invalid token")
		}

		role := CanonicalRole(claims.Role)
		userID, ok := claims.subjectID(role)
		if role == "" || !ok {
			return utils.SendErrorCode(c, fiber.StatusUnauthorized, "token_invalid", "token carries no subject")
		}

		c.Locals("user_id", userID)
		c.Locals("user_role", role)
		return c.Next()
	}
}

// subjectID picks the id matching the role, falling back to a numeric sub.
func (c Claims) subjectID(role string) (uint, bool) {
	switch {
	case role == RoleFreelancer && c.ApplicantID > 0:
		return c.ApplicantID, true
	case roleSatisfies(role, RoleReviewer) && c.ReviewerID > 0:
		return c.ReviewerID, true
	}

	parsed, err := strconv.ParseUint(strings.TrimSpace(c.Subject), 10, 64)
	if err != nil || parsed == 0 {
		return 0, false
	}
	return uint(parsed), true
}
