package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/vetting-api/internal/utils"
)

// Roles known to the vetting API.
const (
	RoleFreelancer = "freelancer"
	RoleReviewer   = "reviewer"
	RoleAdmin      = "admin"
)

// roleAliases maps role names issued by other marketplace services onto ours.
var roleAliases = map[string]string{
	"applicant":  RoleFreelancer,
	"talent":     RoleFreelancer,
	"vetter":     RoleReviewer,
	"moderator":  RoleReviewer,
	"superadmin": RoleAdmin,
}

// CanonicalRole normalises a role claim or local into one of the known roles.
// Unknown roles are returned lower-cased so they never match by accident.
func CanonicalRole(value interface{}) string {
	role := normalizeRoleValue(value)
	if alias, ok := roleAliases[role]; ok {
		return alias
	}
	return role
}

// roleSatisfies reports whether current may act as wanted. Admins act as reviewers.
func roleSatisfies(current, wanted string) bool {
	if current == wanted {
		return true
	}
	return wanted == RoleReviewer && current == RoleAdmin
}

// RequireRole ensures that the authenticated user possesses one of the allowed roles.
func RequireRole(roles ...string) fiber.Handler {
	allowed := make([]string, 0, len(roles))
	for _, role := range roles {
		if normalized := CanonicalRole(role); normalized != "" {
			allowed = append(allowed, normalized)
		}
	}

	return func(c *fiber.Ctx) error {
		current := CanonicalRole(c.Locals("user_role"))
		for _, role := range allowed {
			if roleSatisfies(current, role) {
				return c.Next()
			}
		}
		return utils.SendErrorCode(c, fiber.StatusForbidden, "insufficient_role", "insufficient permissions")
	}
}

func normalizeRoleValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case fmt.Stringer:
		return strings.ToLower(strings.TrimSpace(v.String()))
	default:
		if value == nil {
			return ""
		}
		return strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", value)))
	}
}
