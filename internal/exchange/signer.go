package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// Signer produces the authentication headers for the exchange REST API.
// The API secret is base64-encoded; keys are held as byte slices so they
// can be wiped.
type Signer struct {
	key        []byte
	secret     []byte
	passphrase []byte
}

// NewSigner creates a signer. secret is the base64-encoded API secret.
func NewSigner(key, secret, passphrase string) (*Signer, error) {
	decoded, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, err
	}
	return &Signer{
		key:        []byte(key),
		secret:     decoded,
		passphrase: []byte(passphrase),
	}, nil
}

// Wipe clears the keys from memory.
func (s *Signer) Wipe() {
	if s == nil {
		return
	}
	wipe(s.key)
	wipe(s.secret)
	wipe(s.passphrase)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Headers returns the signed request headers for method + path + body.
func (s *Signer) Headers(method, requestPath, body string) map[string]string {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	return s.headersAt(timestamp, method, requestPath, body)
}

// SubscribeAuth returns the fields that authenticate a websocket
// subscribe request for private channels.
func (s *Signer) SubscribeAuth() (key, signature, timestamp, passphrase string) {
	timestamp = strconv.FormatInt(time.Now().Unix(), 10)
	signature = s.sign(timestamp, "GET", "/users/self/verify", "")
	return string(s.key), signature, timestamp, string(s.passphrase)
}

func (s *Signer) sign(timestamp, method, requestPath, body string) string {
	message := timestamp + method + requestPath + body
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (s *Signer) headersAt(timestamp, method, requestPath, body string) map[string]string {
	signature := s.sign(timestamp, method, requestPath, body)

	return map[string]string{
		"CB-ACCESS-KEY":        string(s.key),
		"CB-ACCESS-SIGN":       signature,
		"CB-ACCESS-TIMESTAMP":  timestamp,
		"CB-ACCESS-PASSPHRASE": string(s.passphrase),
		"Content-Type":         "application/json",
	}
}
