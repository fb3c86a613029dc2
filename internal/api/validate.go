package api

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"Confluence/internal/access"
)

const (
	// maxAttributes bounds the attribute list of one send.
	maxAttributes = 32

	// maxAddressLen bounds network ids and receiver addresses.
	maxAddressLen = 256
)

var errEmptyBody = errors.New("empty body")

// readBody reads a bounded request body.
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("read body:\n%w", err)
	}

	if len(body) > maxBodySize {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodySize)
	}

	return body, nil
}

// decodeJSON strictly decodes body into out.
func decodeJSON(body []byte, out any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return errEmptyBody
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid json: %v", err)
	}

	return nil
}

// principal authenticates the signing headers of r against body.
func (s *Server) principal(r *http.Request, body []byte) (access.Principal, error) {
	return access.VerifyRequest(
		r.Method,
		r.URL.Path,
		r.Header.Get(access.HeaderKey),
		r.Header.Get(access.HeaderTimestamp),
		r.Header.Get(access.HeaderSignature),
		body,
		s.now(),
	)
}

// validateSend checks a send body and resolves the application sender.
// A signed request sends as its key; an unsigned one as the declared sender.
func validateSend(req *SendRequest, p access.Principal) (string, error) {
	if err := validateAddress("destination", req.Destination); err != nil {
		return "", err
	}

	if err := validateAddress("receiver", req.Receiver); err != nil {
		return "", err
	}

	if len(req.Attributes) > maxAttributes {
		return "", fmt.Errorf("too many attributes: %d (max %d)", len(req.Attributes), maxAttributes)
	}

	if len(p.Key) == 0 {
		return req.Sender, nil
	}

	signer := hex.EncodeToString(p.Key)
	if req.Sender != "" && req.Sender != signer {
		return "", fmt.Errorf("sender %q does not match the signing key", req.Sender)
	}

	return signer, nil
}

// validateAddress checks a network id or address field.
func validateAddress(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing %s", field)
	}

	if len(value) > maxAddressLen {
		return fmt.Errorf("%s exceeds %d bytes", field, maxAddressLen)
	}

	return nil
}
