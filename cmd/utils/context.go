package utils

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

type contextKey string

const UserIDKey contextKey = "userID"
const RoleKey contextKey = "role"

// Claims is what access tokens carry: the user id in Subject plus the
// role, so handlers can gate without a user lookup.
type Claims struct {
    jwt.RegisteredClaims
    Role string `json:"role"`
}


func GetUserIDFromContext(r *http.Request) (uint, error) {
    userID, ok := r.Context().Value(UserIDKey).(uint)
    if !ok {
        return 0, errors.New("user ID not found in context")
    }
    return userID, nil
}


func GetRoleFromContext(r *http.Request) (string, error) {
    role, ok := r.Context().Value(RoleKey).(string)
    if !ok {
        return "", errors.New("role not found in context")
    }
    return role, nil
}


func AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        // Get token from Authorization header
        authHeader := r.Header.Get("Authorization")
        if authHeader == "" {
            WriteError(w, "Authorization header required", http.StatusUnauthorized)
            return
        }

        // Extract the token
        tokenString := strings.Replace(authHeader, "Bearer ", "", 1)

        // Parse and validate the token
        claims := &Claims{}
        token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
            return []byte(os.Getenv("SECRET_KEY")), nil
        })

        if err != nil || !token.Valid {
            WriteError(w, "Invalid token", http.StatusUnauthorized)
            return
        }

        userID, err := strconv.ParseUint(claims.Subject, 10, 64)
        if err != nil {
            WriteError(w, "Invalid user ID in token", http.StatusUnauthorized)
            return
        }

        ctx := context.WithValue(r.Context(), UserIDKey, uint(userID))
        ctx = context.WithValue(ctx, RoleKey, claims.Role)
        next.ServeHTTP(w, r.WithContext(ctx))
    }
}


// RequireRoles wraps a handler already behind AuthMiddleware and lets
// only the listed roles through.
func RequireRoles(next http.HandlerFunc, roles ...string) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        role, err := GetRoleFromContext(r)
        if err != nil {
            WriteError(w, "Unauthorized", http.StatusUnauthorized)
            return
        }
        for _, allowed := range roles {
            if role == allowed {
                next(w, r)
                return
            }
        }
        WriteError(w, "Insufficient permissions", http.StatusForbidden)
    }
}
