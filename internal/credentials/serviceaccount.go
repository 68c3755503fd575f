// Package credentials mints and caches OAuth2 bearer tokens for FCM from a
// Google service-account key.
package credentials

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// ServiceAccount is the subset of a Google service-account JSON key we need.
type ServiceAccount struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`

	key *rsa.PrivateKey
}

// LoadServiceAccount reads and parses a key file from disk.
func LoadServiceAccount(path string) (*ServiceAccount, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, dispatch.WrapAuth(fmt.Errorf("read service account key %q: %w", path, err))
	}
	return ParseServiceAccount(raw)
}

// ParseServiceAccount parses the JSON key and its PEM encoded RSA key.
// Every failure is an auth error.
func ParseServiceAccount(raw []byte) (*ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(raw, &sa); err != nil {
		return nil, dispatch.WrapAuth(fmt.Errorf("parse service account json: %w", err))
	}
	if sa.Type != "" && sa.Type != "service_account" {
		return nil, dispatch.WrapAuth(fmt.Errorf("unsupported credential type %q", sa.Type))
	}
	if sa.ClientEmail == "" {
		return nil, dispatch.WrapAuth(errors.New("service account key has no client_email"))
	}

	key, err := parseRSAKey([]byte(sa.PrivateKey))
	if err != nil {
		return nil, dispatch.WrapAuth(err)
	}
	sa.key = key
	return &sa, nil
}

func parseRSAKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("private_key is not PEM encoded")
	}

	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private_key is not an RSA key")
		}
		return key, nil
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private_key: %w", err)
	}
	return key, nil
}
