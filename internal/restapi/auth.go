package restapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	apperrors "virtual_exchange/pkg/errors"
)

// minValidTimestamp rejects obviously bogus request timestamps
// (2017-01-01 UTC, before the exchange format existed).
const minValidTimestamp = 1483228800000

// futureSkewMs is how far ahead of server time a timestamp may sit.
const futureSkewMs = 10_000

// authedRequest is a parsed and verified signed request.
type authedRequest struct {
	userID string
	apiKey string
	params url.Values
}

// parseParams merges query and form-body parameters and keeps the raw
// strings the signature was computed over. Binance signs the exact
// bytes sent, query string first then body.
func parseParams(r *http.Request) (url.Values, string, error) {
	rawQuery := r.URL.RawQuery
	rawBody := ""
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, "", fmt.Errorf("read body: %w", err)
		}
		rawBody = string(b)
	}

	params := url.Values{}
	for _, raw := range []string{rawQuery, rawBody} {
		if raw == "" {
			continue
		}
		vals, err := url.ParseQuery(raw)
		if err != nil {
			return nil, "", fmt.Errorf("%w: malformed parameters", apperrors.ErrInvalidOrderParameter)
		}
		for k, vs := range vals {
			for _, v := range vs {
				params.Add(k, v)
			}
		}
	}
	return params, rawQuery + rawBody, nil
}

// stripSignature removes the signature parameter from the signed
// payload and returns it separately.
func stripSignature(payload string) (string, string) {
	parts := strings.Split(payload, "&")
	kept := parts[:0]
	sig := ""
	for _, p := range parts {
		if strings.HasPrefix(p, "signature=") {
			sig = strings.TrimPrefix(p, "signature=")
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "&"), sig
}

// Sign computes the hex HMAC-SHA256 of the payload. The account API key
// doubles as the signing secret.
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// authenticate verifies a signed request: API key header, signature
// over the exact request bytes, and timestamp within the skew window.
func (s *Server) authenticate(r *http.Request) (*authedRequest, error) {
	apiKey := r.Header.Get("X-MBX-APIKEY")
	if apiKey == "" {
		return nil, apperrors.NewAPIError(apperrors.CodeBadAPIKeyFormat, "API-key format invalid.")
	}
	userID, ok := s.ve.Accounts.ResolveAPIKey(apiKey)
	if !ok {
		return nil, apperrors.NewAPIError(apperrors.CodeInvalidAPIKey,
			"Invalid API-key, IP, or permissions for action.")
	}

	params, payload, err := parseParams(r)
	if err != nil {
		return nil, err
	}

	toSign, sig := stripSignature(payload)
	if sig == "" {
		return nil, apperrors.NewAPIError(apperrors.CodeMandatoryParam,
			"Mandatory parameter 'signature' was not sent.")
	}
	expected := Sign(apiKey, toSign)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return nil, apperrors.NewAPIError(apperrors.CodeInvalidSignature,
			"Signature for this request is not valid.")
	}

	if err := s.checkTimestamp(params); err != nil {
		return nil, err
	}
	return &authedRequest{userID: userID, apiKey: apiKey, params: params}, nil
}

// checkTimestamp enforces the recvWindow contract against the exchange
// clock (virtual time in backtests).
func (s *Server) checkTimestamp(params url.Values) error {
	raw := params.Get("timestamp")
	if raw == "" {
		return apperrors.NewAPIError(apperrors.CodeMandatoryParam,
			"Mandatory parameter 'timestamp' was not sent.")
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ts < minValidTimestamp {
		return apperrors.NewAPIError(apperrors.CodeInvalidTimestamp,
			"Timestamp for this request was invalid.")
	}

	now := s.ve.Clock.NowMs()
	recvWindow := s.cfg.Exchange.TimestampSkewMs
	if raw := params.Get("recvWindow"); raw != "" {
		if w, err := strconv.ParseInt(raw, 10, 64); err == nil && w > 0 && w < recvWindow {
			recvWindow = w
		}
	}
	if ts > now+futureSkewMs || now-ts > recvWindow {
		return apperrors.NewAPIError(apperrors.CodeInvalidTimestamp,
			"Timestamp for this request is outside of the recvWindow.")
	}
	return nil
}
