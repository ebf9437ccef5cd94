package githubapp

import "crypto/subtle"

// OperatorAuth checks the X-Operator-Token header against a configured
// token using a constant-time comparison. An empty expected token
// disables the check entirely (local/dev deployments).
func OperatorAuth(provided, expected string) bool {
	if expected == "" {
		return true
	}
	if provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
