package bridge

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// tokenTTL bounds the bearer token's validity; reconnects mint a fresh one.
const tokenTTL = 5 * time.Minute

// maxSignatureSkew is how far a signature timestamp may drift from local
// time and still verify.
const maxSignatureSkew = 300 * time.Second

// signCall computes the HMAC-SHA256 hex signature over
// call_id || "." || timestamp with the shared secret.
func signCall(secret, callID, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(callID + "." + timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// bearerToken mints the short-lived HS256 JWT carried in the auth frame.
func bearerToken(secret, callID string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"call_id": callID,
		"iat":     now.Unix(),
		"exp":     now.Add(tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing bearer token: %w", err)
	}
	return signed, nil
}

// VerifySignature checks an HMAC call signature, rejecting timestamps more
// than maxSignatureSkew from now.
func VerifySignature(secret, callID, timestamp, signature string, now time.Time) bool {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSignatureSkew {
		return false
	}
	want := signCall(secret, callID, timestamp)
	return hmac.Equal([]byte(want), []byte(signature))
}
