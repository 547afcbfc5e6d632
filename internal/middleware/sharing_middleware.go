package middleware

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/sharexpress/sharexpress/internal/models"
	"github.com/sharexpress/sharexpress/internal/transfer"
)

// SessionStore looks up active sharing sessions.
type SessionStore interface {
	FindActiveByToken(ctx context.Context, token string) (models.SharingSession, error)
}

// SharingAuth verifies the x-sharing-token cookie and resolves the
// caller's session identity. Claims: sub is the sharing token, type must
// be "sharing", pid/pkind identify the calling party. The caller must be
// a party to the session.
func SharingAuth(secret string, sessions SessionStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString := c.Cookies("x-sharing-token")
		if tokenString == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "sharing token not found"})
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token claims"})
		}
		if tokenType, _ := claims["type"].(string); tokenType != "sharing" {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "invalid token type"})
		}

		sharingToken, _ := claims["sub"].(string)
		partyID, _ := claims["pid"].(string)
		partyKind, _ := claims["pkind"].(string)
		if sharingToken == "" || partyID == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token payload"})
		}

		session, err := sessions.FindActiveByToken(c.Context(), sharingToken)
		if err != nil {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "invalid or expired sharing session"})
		}

		isSender := session.SenderID == partyID && session.SenderKind == partyKind
		isReceiver := session.ReceiverID == partyID && session.ReceiverKind == partyKind
		if !isSender && !isReceiver {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "not authorized for this session"})
		}

		c.Locals("identity", transfer.Identity{
			SenderID:   partyID,
			SenderKind: partyKind,
			SessionID:  session.SessionID,
		})
		c.Locals("can_download", session.CanDownload)

		return c.Next()
	}
}

// IdentityFrom extracts the resolved identity from the request context.
func IdentityFrom(c *fiber.Ctx) (transfer.Identity, bool) {
	id, ok := c.Locals("identity").(transfer.Identity)
	return id, ok
}
