package encryption

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"

	"depot-go/internal/depot"
)

// testHeader opens every payload TestEncryptor writes.
var testHeader = []byte("DEPOT-TEST\n")

// testMask is XORed over the payload so a sealed user registry no longer
// reads as JSON or shows license keys.
const testMask = 0xa5

// TestEncryptor stands in for age in tests and `type = "test"` configs. Once
// Setup has run, Unlock accepts only the passphrase given to it.
type TestEncryptor struct {
	mu         sync.Mutex
	passphrase string
	keyed      bool
}

var _ depot.Encryptor = (*TestEncryptor)(nil)

func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("passphrase must not be empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.passphrase = passphrase
	e.keyed = true
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	if _, err := io.Copy(bw, maskReader{r}); err != nil {
		return fmt.Errorf("sealing data: %w", err)
	}
	return bw.Flush()
}

func (e *TestEncryptor) Unlock(passphrase string) (depot.DecryptionContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.keyed && passphrase != e.passphrase {
		return nil, ErrWrongPassphrase
	}
	return &TestDecryptionContext{}, nil
}

// IsConfigured is always true; the test encryptor has no key files.
func (e *TestEncryptor) IsConfigured() bool { return true }

// TestDecryptionContext reverses TestEncryptor.
type TestDecryptionContext struct{}

var _ depot.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return fmt.Errorf("not sealed by the test encryptor")
	}
	if _, err := io.Copy(w, maskReader{r}); err != nil {
		return fmt.Errorf("unsealing data: %w", err)
	}
	return nil
}

type maskReader struct {
	r io.Reader
}

func (m maskReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	for i := range p[:n] {
		p[i] ^= testMask
	}
	return n, err
}
