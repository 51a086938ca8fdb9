package utils

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"strings"
)

func SHA256ofCert(cert *x509.Certificate) string {
	hasher := sha256.New()
	hasher.Write(cert.Raw)

	return strings.ToUpper(hex.EncodeToString(hasher.Sum(nil)))
}
