package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/smallbiznis/agentkey/internal/access"
	"github.com/smallbiznis/agentkey/internal/keyring"
)

const signingKeySize = 48

// runKeygen prints fresh key material in the format config.Load expects.
func runKeygen(w io.Writer) error {
	data, err := keyring.Generate(rand.Reader, keyring.DataKeySize)
	if err != nil {
		return err
	}
	signing, err := keyring.Generate(rand.Reader, signingKeySize)
	if err != nil {
		return err
	}
	admin, err := access.GenerateKey(rand.Reader, access.TeamKeyPrefix)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "ENCRYPTION_KEYS=1:%s:%s\nSIGNING_KEYS=1:%s:%s\nBOOTSTRAP_ADMIN_KEY=%s\n",
		keyring.StatusActive, base64.StdEncoding.EncodeToString(data),
		keyring.StatusActive, base64.StdEncoding.EncodeToString(signing),
		admin,
	)
	return err
}
