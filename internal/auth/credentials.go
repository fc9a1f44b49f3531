package auth

import "crypto/subtle"

// CheckCredentials reports whether username/password match the
// configured JWT_GENERATOR_USERNAME/JWT_GENERATOR_PASSWORD pair. It is
// used only by the edge's token-issuance endpoint, never by the
// handshake itself.
func CheckCredentials(username, password, configuredUsername, configuredPassword string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(configuredUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(configuredPassword)) == 1
	return userOK && passOK
}
