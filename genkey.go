package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

const (
	apiKeyBytes = 32
	bcryptCost  = 10
)

func genRandomString() (string, error) {
	bytes := make([]byte, apiKeyBytes)

	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("[genRandomString] : %w", err)
	}

	return hex.EncodeToString(bytes), nil
}

func encrypt(plaintext string) (string, error) {
	cypherText, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("[encrypt] : %w", err)
	}

	return string(cypherText), nil
}

// GenAPIKey returns a fresh api key and the bcrypt hash that goes in apiKeyHash.
func GenAPIKey() (string, string, error) {
	apiKey, err := genRandomString()
	if err != nil {
		return "", "", err
	}

	hashed, err := encrypt(apiKey)
	if err != nil {
		return "", "", err
	}

	return apiKey, hashed, nil
}

func genKeyCmd(out io.Writer) int {
	apiKey, hashed, err := GenAPIKey()
	if err != nil {
		log.Error().Err(err).Send()

		return 1
	}

	fmt.Fprintln(out, "apikey:", apiKey)
	fmt.Fprintln(out, "apiKeyHash:", hashed)

	return 0
}
