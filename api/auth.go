package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/emicklei/go-restful/v3"
	"github.com/golang-jwt/jwt/v4"
)

// AuthFilter guards API routes with a JWT bearer token. The signing
// secret is base64url encoded in configuration.
type AuthFilter struct {
	JWTSecret string
}

func (af *AuthFilter) requireBearerToken(req *restful.Request, res *restful.Response, chain *restful.FilterChain) {
	authorization := req.HeaderParameter("Authorization")

	valid, err := af.validateHeaderToken(authorization)
	if err != nil {
		jsonError(res, http.StatusUnauthorized, err, "error while validating token")
		return
	}
	if !valid {
		serviceError := restful.ServiceError{Code: http.StatusUnauthorized, Message: "Unauthorized request"}
		res.WriteServiceError(http.StatusUnauthorized, serviceError)
		return
	}
	chain.ProcessFilter(req, res)
}

func (af *AuthFilter) validateHeaderToken(authToken string) (bool, error) {
	if len(authToken) > 6 && authToken[:7] == "Bearer " {
		return af.ValidateJWT(strings.TrimSpace(authToken[7:]))
	}
	return false, nil
}

// ValidateJWT checks the JWT for validity. An empty token returns false
// and a nil error.
func (af *AuthFilter) ValidateJWT(token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	secret, err := base64.URLEncoding.DecodeString(af.JWTSecret)
	if err != nil {
		apiLogger.InFunc("ValidateJWT").WithError(err).Debug("unable to base64 decode the jwt secret")
		return false, err
	}

	parsed, err := jwt.Parse(strings.TrimSpace(token), func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil {
		apiLogger.InFunc("ValidateJWT").WithError(err).Debug("unable to parse jwt token")
		return false, err
	}

	return parsed.Valid, nil
}

// CreateJWT issues a signed token for API access, typically handed to
// the CLI through its config file.
func CreateJWT(subject, jwtSecret string) (string, error) {
	secret, err := base64.URLEncoding.DecodeString(jwtSecret)
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Unix(),
	})

	return token.SignedString(secret)
}
