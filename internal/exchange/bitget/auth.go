package bitget

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitget-spot/internal/core"
)

const (
	headerKey         = "ACCESS-KEY"
	headerTimestamp   = "ACCESS-TIMESTAMP"
	headerPassphrase  = "ACCESS-PASSPHRASE"
	headerSign        = "ACCESS-SIGN"
	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"
)

type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

// Signer holds the account credentials and signs REST requests and the websocket login.
type Signer struct {
	creds Credentials
	now   func() time.Time
}

type LoginArg struct {
	APIKey     string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp"`
	Sign       string `json:"sign"`
}

type LoginRequest struct {
	Op   string     `json:"op"`
	Args []LoginArg `json:"args"`
}

// NewSigner fails when any credential is missing. now defaults to time.Now.
func NewSigner(creds Credentials, now func() time.Time) (*Signer, error) {
	creds.APIKey = strings.TrimSpace(creds.APIKey)
	creds.SecretKey = strings.TrimSpace(creds.SecretKey)
	creds.Passphrase = strings.TrimSpace(creds.Passphrase)
	if creds.APIKey == "" || creds.SecretKey == "" || creds.Passphrase == "" {
		return nil, core.ErrMissingCredentials
	}
	if now == nil {
		now = time.Now
	}
	return &Signer{creds: creds, now: now}, nil
}

func (s *Signer) APIKey() string { return s.creds.APIKey }

// Timestamp is the signer clock in milliseconds since epoch.
func (s *Signer) Timestamp() string {
	return strconv.FormatInt(s.now().UnixMilli(), 10)
}

// Sign returns base64(HMAC-SHA256(secret, timestamp + METHOD + path + body)).
func (s *Signer) Sign(timestamp, method, path, body string) string {
	msg := timestamp + strings.ToUpper(method) + path + body
	mac := hmac.New(sha256.New, []byte(s.creds.SecretKey))
	mac.Write([]byte(msg))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignREST builds the authenticated headers for one request. path includes the query string.
func (s *Signer) SignREST(method, path string, body []byte, timestamp string) http.Header {
	h := make(http.Header, 5)
	h.Set(headerKey, s.creds.APIKey)
	h.Set(headerTimestamp, timestamp)
	h.Set(headerPassphrase, s.creds.Passphrase)
	h.Set(headerSign, s.Sign(timestamp, method, path, string(body)))
	h.Set(headerContentType, contentTypeJSON)
	return h
}

func (s *Signer) RESTHeaders(method, path string, body []byte) http.Header {
	return s.SignREST(method, path, body, s.Timestamp())
}

func (s *Signer) SignWSLogin(timestamp string) LoginRequest {
	return LoginRequest{
		Op: "login",
		Args: []LoginArg{{
			APIKey:     s.creds.APIKey,
			Passphrase: s.creds.Passphrase,
			Timestamp:  timestamp,
			Sign:       s.Sign(timestamp, http.MethodGet, wsVerifyPath, ""),
		}},
	}
}

// Login signs the websocket login with the clock at call time.
func (s *Signer) Login() LoginRequest {
	return s.SignWSLogin(s.Timestamp())
}
