package app

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestPassphrase_FromEnv(t *testing.T) {
	t.Setenv(PassphraseEnv, "from-env")

	got, err := Passphrase("unused: ")
	if err != nil {
		t.Fatal(err)
	}
	if got != "from-env" {
		t.Errorf("Passphrase() = %q, want from-env", got)
	}
}

func TestReadSecret_NonTerminal(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "newline terminated", input: "hunter2\n", want: "hunter2"},
		{name: "crlf", input: "hunter2\r\n", want: "hunter2"},
		{name: "no trailing newline", input: "hunter2", want: "hunter2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "stdin")
			if err := os.WriteFile(path, []byte(tt.input), 0600); err != nil {
				t.Fatal(err)
			}
			in, err := os.Open(path)
			if err != nil {
				t.Fatal(err)
			}
			defer in.Close()

			var out bytes.Buffer
			got, err := ReadSecret("Passphrase: ", in, &out)
			if err != nil {
				t.Fatalf("ReadSecret() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ReadSecret() = %q, want %q", got, tt.want)
			}
			if out.String() != "Passphrase: " {
				t.Errorf("prompt = %q", out.String())
			}
		})
	}
}

func TestReadSecret_EmptyInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdin")
	os.WriteFile(path, nil, 0600)
	in, _ := os.Open(path)
	defer in.Close()

	if _, err := ReadSecret("Passphrase: ", in, &bytes.Buffer{}); err == nil {
		t.Error("ReadSecret() on empty input succeeded")
	}
}
