package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer = "pairchat-service"
	tokenTTL    = 72 * time.Hour
)

var errNoAnonID = errors.New("token carries no anon_id")

// generateJWT генерує JWT з анонімним ID
func generateJWT(secret []byte, anonID string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"anon_id": anonID,
		"exp":     now.Add(tokenTTL).Unix(),
		"iat":     now.Unix(),
		"iss":     tokenIssuer,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// parseAnonID checks a ticket issued by GetAnonID and returns its id.
func parseAnonID(secret []byte, tokenString string) (string, error) {
	keyFunc := func(*jwt.Token) (any, error) { return secret, nil }
	token, err := jwt.Parse(tokenString, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errNoAnonID
	}
	anonID, _ := claims["anon_id"].(string)
	if anonID == "" {
		return "", errNoAnonID
	}
	return anonID, nil
}

// GetAnonID створює AnonID та повертає JWT
func (h *Handler) GetAnonID(c *gin.Context) {
	anonID := uuid.NewString()

	token, err := generateJWT(h.secret, anonID, time.Now())
	if err != nil {
		h.log.WithError(err).Error("failed to sign anon id")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "anon_id": anonID})
}
