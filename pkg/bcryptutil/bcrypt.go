// Package bcryptutil backs the dispatcher's operator endpoints: the
// OPS_PASSWORD_HASH env var holds a hash produced by Hash, and incoming
// basic-auth passwords are checked with Verify.
package bcryptutil

import "golang.org/x/crypto/bcrypt"

// Hash returns the bcrypt hash of the password at the default cost.
func Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify reports whether password matches the stored bcrypt hash.
func Verify(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
