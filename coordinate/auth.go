package coordinate

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the relay authenticates connections with a signed session token so that
// the server-side fan-out is partitioned per logical user session, the same
// way `userId` scopes messages client-side

type SessionToken struct {
	UserId string
	TabId  Id
}

func MintSessionToken(secret []byte, userId string, tabId Id, expire time.Duration) (string, error) {
	if userId == "" {
		return "", errors.New("userId is required")
	}
	claims := gojwt.MapClaims{
		"user_id": userId,
		"tab_id":  tabId.String(),
		"exp":     time.Now().Add(expire).Unix(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func ParseSessionToken(secret []byte, byJwt string) (*SessionToken, error) {
	token, err := gojwt.Parse(
		byJwt,
		func(token *gojwt.Token) (any, error) {
			if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		},
	)
	if err != nil {
		return nil, err
	}
	return sessionTokenFromClaims(token.Claims.(gojwt.MapClaims))
}

// claims without signature verification, for display and debugging only
func ParseSessionTokenUnverified(byJwt string) (*SessionToken, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	return sessionTokenFromClaims(token.Claims.(gojwt.MapClaims))
}

func sessionTokenFromClaims(claims gojwt.MapClaims) (*SessionToken, error) {
	sessionToken := &SessionToken{}

	userId, ok := claims["user_id"].(string)
	if !ok || userId == "" {
		return nil, errors.New("token missing user_id")
	}
	sessionToken.UserId = userId

	if tabIdStr, ok := claims["tab_id"].(string); ok {
		if tabId, err := ParseId(tabIdStr); err == nil {
			sessionToken.TabId = tabId
		}
	}

	return sessionToken, nil
}
