package totp

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"image/png"

	"github.com/pquerna/otp"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultRecoveryCodeLength is the length of generated recovery codes.
	DefaultRecoveryCodeLength = 10
	// DefaultNumRecoveryCodes is the number of recovery codes to generate.
	DefaultNumRecoveryCodes = 10
)

// QRCodePNG renders the otpauth:// URI as PNG image bytes. The URI must be a
// well-formed totp otpauth URI carrying a secret; anything else is rejected
// before rendering.
func QRCodePNG(otpauthURI string) ([]byte, error) {
	key, err := otp.NewKeyFromURL(otpauthURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse otpauth uri: %w", err)
	}
	if key.Type() != "totp" || key.Secret() == "" {
		return nil, fmt.Errorf("not a totp otpauth uri: %q", otpauthURI)
	}
	img, err := key.Image(256, 256)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code image: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode QR code image: %w", err)
	}
	return buf.Bytes(), nil
}

// GenerateRecoveryCodes generates a set of unique recovery codes. It returns
// the plaintext codes (shown to the user exactly once) and their bcrypt
// hashes for storage.
func GenerateRecoveryCodes(count, length int) (plaintextCodes, hashedCodes []string, err error) {
	if count <= 0 {
		count = DefaultNumRecoveryCodes
	}
	if length <= 0 {
		length = DefaultRecoveryCodeLength
	}

	// Excludes easily confused characters (I, l, 1, O, 0).
	const charset = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	plaintextCodes = make([]string, count)
	hashedCodes = make([]string, count)
	seen := make(map[string]bool, count)

	for i := 0; i < count; i++ {
		for {
			b := make([]byte, length)
			if _, randErr := rand.Read(b); randErr != nil {
				return nil, nil, fmt.Errorf("failed to read random bytes for recovery code: %w", randErr)
			}
			for j := range b {
				b[j] = charset[int(b[j])%len(charset)]
			}
			code := string(b)
			if !seen[code] {
				plaintextCodes[i] = code
				seen[code] = true
				break
			}
		}

		hashed, hashErr := bcrypt.GenerateFromPassword([]byte(plaintextCodes[i]), bcrypt.DefaultCost)
		if hashErr != nil {
			return nil, nil, fmt.Errorf("failed to hash recovery code: %w", hashErr)
		}
		hashedCodes[i] = string(hashed)
	}
	return plaintextCodes, hashedCodes, nil
}
