package collab

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Session is the local client identity, extracted from the workspace
// jwt. The token is verified by the hub; the client only needs the
// claims, so parsing here is unverified.
type Session struct {
	UserId    uuid.UUID
	Username  string
	AvatarUrl string
	ByJwt     string
}

func ParseSessionUnverified(byJwt string) (*Session, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	session := &Session{
		ByJwt: byJwt,
	}

	if userIdStr, ok := claims["user_id"].(string); ok {
		userId, err := uuid.Parse(userIdStr)
		if err != nil {
			return nil, err
		}
		session.UserId = userId
	} else {
		return nil, errors.New("jwt missing user_id claim")
	}
	if username, ok := claims["username"].(string); ok {
		session.Username = username
	}
	if avatarUrl, ok := claims["avatar_url"].(string); ok {
		session.AvatarUrl = avatarUrl
	}

	return session, nil
}
