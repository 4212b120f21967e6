package auth

// GenerateOpaqueToken creates a random hex token of the given byte length,
// used for registration tokens handed to a client between magic-code
// verification and username registration.
func GenerateOpaqueToken(length int) (string, error) {
	return generateSecureToken(length)
}

// HashOpaqueToken hashes an opaque token for storage, the same scheme used
// for refresh tokens.
func HashOpaqueToken(token string) string {
	return hashToken(token)
}
