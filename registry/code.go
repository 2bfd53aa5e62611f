package registry

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
)

// code prefixes
const (
	ReferralPrefix = "MLM"
	MemberPrefix   = "MBR"
)

// GenerateCode returns a code of the form {PREFIX}-{RANDOM}, RANDOM
// being 6 upper-case base32 characters, e.g. MLM-ABC234.
func GenerateCode(prefix string) (string, error) {
	// 4 random bytes give 7 base32 characters
	randomBytes := make([]byte, 4)
	_, err := rand.Read(randomBytes)
	if err != nil {
		return "", err
	}
	randomStr := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(randomBytes)
	randomStr = strings.ToUpper(randomStr[:6])
	return prefix + "-" + randomStr, nil
}
