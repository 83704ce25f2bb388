package oauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// StateSigner firma el state del challenge con HMAC. El state lleva el id del
// flujo y un nonce que tambien queda en una cookie del browser que inicio el
// challenge, asi un callback ajeno no se acepta.
type StateSigner struct {
	key []byte
}

func NewStateSigner(secret string) StateSigner {
	return StateSigner{key: []byte(secret)}
}

// NewNonce genera el valor que liga el state a la cookie.
func NewNonce() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Make devuelve flowID.nonce.firma.
func (s StateSigner) Make(flowID, nonce string) string {
	raw := flowID + "." + nonce
	return raw + "." + base64.RawURLEncoding.EncodeToString(s.sign(raw))
}

// Verify devuelve el id del flujo y el nonce si la firma es valida.
func (s StateSigner) Verify(got string) (flowID, nonce string, ok bool) {
	if len(s.key) == 0 {
		return "", "", false
	}
	i := strings.LastIndexByte(got, '.')
	if i <= 0 {
		return "", "", false
	}
	raw := got[:i]
	sig, err := base64.RawURLEncoding.DecodeString(got[i+1:])
	if err != nil {
		return "", "", false
	}
	if !hmac.Equal(s.sign(raw), sig) {
		return "", "", false
	}
	j := strings.LastIndexByte(raw, '.')
	if j <= 0 || j == len(raw)-1 {
		return "", "", false
	}
	return raw[:j], raw[j+1:], true
}

func (s StateSigner) sign(raw string) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(raw))
	return mac.Sum(nil)
}
