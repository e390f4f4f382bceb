package http

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
)

// HMACSigner signs requests the way the exchange verifies them: hex
// HMAC-SHA256 over the exact query string plus body, keyed by the API
// key, with the signature appended as the last parameter.
type HMACSigner struct {
	APIKey string
}

// NewHMACSigner creates a signer for the given API key.
func NewHMACSigner(apiKey string) *HMACSigner {
	return &HMACSigner{APIKey: apiKey}
}

// SignRequest appends the signature parameter and the API key header.
// The caller must already have included the timestamp parameter.
func (s *HMACSigner) SignRequest(req *http.Request) error {
	payload := req.URL.RawQuery

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("read body for signing: %w", err)
		}
		payload += string(body)
	}

	mac := hmac.New(sha256.New, []byte(s.APIKey))
	mac.Write([]byte(payload))
	sig := hex.EncodeToString(mac.Sum(nil))

	if len(body) > 0 {
		signed := append(body, []byte("&signature="+sig)...)
		req.Body = io.NopCloser(bytes.NewReader(signed))
		req.ContentLength = int64(len(signed))
	} else {
		if req.URL.RawQuery == "" {
			req.URL.RawQuery = "signature=" + sig
		} else {
			req.URL.RawQuery += "&signature=" + sig
		}
	}
	req.Header.Set("X-MBX-APIKEY", s.APIKey)
	return nil
}
