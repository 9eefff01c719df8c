package main

import (
	"fmt"
	"io"
	"os"

	"govstream/internal/domain"
	"govstream/internal/infra/config"
)

// runEncrypt prints value encrypted for use as stream.token.
func runEncrypt(value string, stdout io.Writer) error {
	passphrase := os.Getenv("GOVSTREAM_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("%w: GOVSTREAM_CONFIG_KEY is not set", domain.ErrEncryption)
	}
	enc, err := config.EncryptValue(value, passphrase)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, config.EncPrefix+enc)
	return nil
}
