package app

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// PassphraseEnv overrides the interactive passphrase prompt.
const PassphraseEnv = "DEPOT_PASSPHRASE"

// Passphrase returns the key passphrase from DEPOT_PASSPHRASE, or prompts for
// it on the terminal without echo.
func Passphrase(prompt string) (string, error) {
	if p := os.Getenv(PassphraseEnv); p != "" {
		return p, nil
	}
	return ReadSecret(prompt, os.Stdin, os.Stderr)
}

// ReadSecret prints prompt to out and reads one line from in. Echo is
// disabled when in is a terminal.
func ReadSecret(prompt string, in *os.File, out io.Writer) (string, error) {
	fmt.Fprint(out, prompt)

	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ConfirmPassphrase prompts twice and fails when the entries differ. Used when
// a new key pair is created.
func ConfirmPassphrase() (string, error) {
	if p := os.Getenv(PassphraseEnv); p != "" {
		return p, nil
	}
	first, err := ReadSecret("New passphrase: ", os.Stdin, os.Stderr)
	if err != nil {
		return "", err
	}
	second, err := ReadSecret("Repeat passphrase: ", os.Stdin, os.Stderr)
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passphrases do not match")
	}
	return first, nil
}
