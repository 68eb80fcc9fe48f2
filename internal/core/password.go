package core

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/illarion/walletvault/internal/config"
	"github.com/illarion/walletvault/internal/crypto"
	"golang.org/x/term"
)

// PasswordEnv is the environment variable read by GetPasswordFromEnv.
const PasswordEnv = config.Prefix + "_PASSWORD"

// ReadPassword reads a password from the terminal without echoing
func ReadPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)

	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return password, nil
}

// ReadPasswordConfirm reads a password twice and ensures they match
func ReadPasswordConfirm() ([]byte, error) {
	password1, err := ReadPassword("Enter password: ")
	if err != nil {
		return nil, err
	}
	defer crypto.ClearBytes(password1)

	password2, err := ReadPassword("Confirm password: ")
	if err != nil {
		return nil, err
	}
	defer crypto.ClearBytes(password2)

	if !crypto.ConstantTimeCompare(password1, password2) {
		return nil, errors.New("passwords do not match")
	}
	if len(password1) == 0 {
		return nil, errors.New("password cannot be empty")
	}

	result := make([]byte, len(password1))
	copy(result, password1)
	return result, nil
}

// ReadMnemonic reads a seed phrase. A terminal gets a hidden prompt; piped
// input is read up to the first newline.
func ReadMnemonic(in io.Reader, prompt string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		phrase, err := ReadPassword(prompt)
		if err != nil {
			return "", err
		}
		defer crypto.ClearBytes(phrase)
		return strings.TrimSpace(string(phrase)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read seed phrase: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// GetPasswordFromEnv reads password from the WALLETVAULT_PASSWORD
// environment variable
func GetPasswordFromEnv() []byte {
	password := os.Getenv(PasswordEnv)
	if password == "" {
		return nil
	}
	return []byte(password)
}
