package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/username/cryptotaxcalc/backend/src/models"
)

// AttestationService issues and validates signed run attestation tokens:
// compact HS256 JWTs that embed a run's digest set, so an auditor can hold
// a portable, tamper-evident receipt of a calculation without access to
// the database.
type AttestationService struct {
	secret []byte
	expiry time.Duration
}

func NewAttestationService(secret string, expiry time.Duration) *AttestationService {
	return &AttestationService{secret: []byte(secret), expiry: expiry}
}

// IssueRunToken signs a token binding the run id to its three digests.
func (a *AttestationService) IssueRunToken(runID string, digests models.DigestSet) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":           runID,
		"input_hash":    digests.InputHash,
		"output_hash":   digests.OutputHash,
		"manifest_hash": digests.ManifestHash,
		"iat":           now.Unix(),
		"exp":           now.Add(a.expiry).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateRunToken checks the signature and expiry and returns the run id
// and digest set the token attests to.
func (a *AttestationService) ValidateRunToken(tokenString string) (string, models.DigestSet, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return "", models.DigestSet{}, fmt.Errorf("invalid attestation token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", models.DigestSet{}, errors.New("invalid attestation token claims")
	}

	runID, _ := claims["sub"].(string)
	digests := models.DigestSet{}
	digests.InputHash, _ = claims["input_hash"].(string)
	digests.OutputHash, _ = claims["output_hash"].(string)
	digests.ManifestHash, _ = claims["manifest_hash"].(string)
	if runID == "" || digests.ManifestHash == "" {
		return "", models.DigestSet{}, errors.New("attestation token missing required claims")
	}
	return runID, digests, nil
}
