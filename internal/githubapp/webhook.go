// Package githubapp verifies inbound GitHub webhook deliveries.
package githubapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Verifier checks the X-Hub-Signature-256 header against a configured
// secret. An empty secret disables verification entirely, matching the
// original system's posture for local/fast-mode deployments that never
// configured a webhook secret.
type Verifier struct {
	Secret string
}

// Verify reads and returns the request body, erroring if a configured
// secret doesn't match the signature header.
func (v Verifier) Verify(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()

	if strings.TrimSpace(v.Secret) == "" {
		return body, nil
	}

	sig := strings.TrimSpace(r.Header.Get("X-Hub-Signature-256"))
	if sig == "" {
		return nil, fmt.Errorf("missing webhook signature header")
	}
	if !strings.HasPrefix(sig, "sha256=") {
		return nil, fmt.Errorf("invalid signature header prefix")
	}
	wantHex := strings.TrimPrefix(sig, "sha256=")

	mac := hmac.New(sha256.New, []byte(v.Secret))
	mac.Write(body)
	gotHex := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(wantHex), []byte(gotHex)) {
		return nil, fmt.Errorf("invalid webhook signature")
	}
	return body, nil
}
