package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const tokenAudience = "blueprintsync"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(format string, args ...any) *authError {
	return &authError{status: 401, code: "unauthorized", message: fmt.Sprintf(format, args...)}
}

func forbidden(format string, args ...any) *authError {
	return &authError{status: 403, code: "forbidden", message: fmt.Sprintf(format, args...)}
}

// tokenClaims is the verified identity attached to a request.
type tokenClaims struct {
	SpaceID string
	Subject string
	Scopes  map[string]struct{}
	Exp     int64
}

func (c tokenClaims) hasScope(scope string) bool {
	_, ok := c.Scopes[scope]
	return ok
}

// tokenPayload is the raw claim set as it appears on the wire. Scopes stay
// raw because callers issue them as either an array or a space-separated
// string.
type tokenPayload struct {
	SpaceID string          `json:"space_id"`
	Subject string          `json:"subject"`
	Aud     string          `json:"aud"`
	Exp     json.Number     `json:"exp"`
	Scopes  json.RawMessage `json:"scopes"`
}

func authorizeBearer(authHeader, jwtSecret, spaceID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := verifyToken(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if spaceID != "" && claims.SpaceID != spaceID {
		return tokenClaims{}, forbidden("token is not valid for space %s", spaceID)
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return tokenClaims{}, forbidden("scope %s not granted", requiredScope)
	}
	return claims, nil
}

func verifyToken(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized("bearer token required")
	}
	header, payload, found := strings.Cut(strings.TrimSpace(token), ".")
	if !found {
		return tokenClaims{}, unauthorized("malformed token")
	}
	payload, signature, found := strings.Cut(payload, ".")
	if !found || strings.Contains(signature, ".") {
		return tokenClaims{}, unauthorized("malformed token")
	}

	if err := checkTokenHeader(header); err != nil {
		return tokenClaims{}, err
	}

	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return tokenClaims{}, unauthorized("malformed signature")
	}
	mac := hmac.New(sha256.New, []byte(jwtSecret))
	mac.Write([]byte(header))
	mac.Write([]byte("."))
	mac.Write([]byte(payload))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return tokenClaims{}, unauthorized("signature verification failed")
	}

	return checkTokenPayload(payload, now)
}

func checkTokenHeader(segment string) *authError {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return unauthorized("malformed token header")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return unauthorized("malformed token header")
	}
	if header.Alg != "HS256" {
		return unauthorized("token algorithm %s not accepted", header.Alg)
	}
	return nil
}

func checkTokenPayload(segment string, now time.Time) (tokenClaims, *authError) {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return tokenClaims{}, unauthorized("malformed claims")
	}
	var payload tokenPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return tokenClaims{}, unauthorized("malformed claims")
	}
	if payload.SpaceID == "" {
		return tokenClaims{}, unauthorized("space_id claim required")
	}
	if payload.Subject == "" {
		return tokenClaims{}, unauthorized("subject claim required")
	}
	exp, err := payload.Exp.Int64()
	if err != nil {
		return tokenClaims{}, unauthorized("exp claim required")
	}
	if now.Unix() >= exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	if payload.Aud != tokenAudience {
		return tokenClaims{}, unauthorized("aud claim must be %s", tokenAudience)
	}
	scopes := scopeSet(payload.Scopes)
	if len(scopes) == 0 {
		return tokenClaims{}, forbidden("token grants no scopes")
	}
	return tokenClaims{
		SpaceID: payload.SpaceID,
		Subject: payload.Subject,
		Scopes:  scopes,
		Exp:     exp,
	}, nil
}

func scopeSet(raw json.RawMessage) map[string]struct{} {
	out := map[string]struct{}{}
	var list []string
	if json.Unmarshal(raw, &list) != nil {
		// Some issuers pack scopes into a single space-separated string.
		var joined string
		if json.Unmarshal(raw, &joined) != nil {
			return out
		}
		list = strings.Fields(joined)
	}
	for _, scope := range list {
		if scope != "" {
			out[scope] = struct{}{}
		}
	}
	return out
}

func verifyInternalHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return unauthorized("internal signature headers required")
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return unauthorized("internal timestamp must be RFC 3339")
	}
	if skew := now.Sub(ts).Abs(); skew > maxSkew {
		return unauthorized("internal timestamp outside %s replay window", maxSkew)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write(body)
	want := []byte(hex.EncodeToString(mac.Sum(nil)))
	if !hmac.Equal(bytes.ToLower([]byte(signature)), want) {
		return unauthorized("internal signature verification failed")
	}
	return nil
}
