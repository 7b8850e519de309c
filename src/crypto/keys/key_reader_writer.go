package keys

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"sync"
)

// PemKey reads and writes a node's identity key in PEM format at a fixed
// path. Access is serialized because the run and keygen commands may race on
// first start.
type PemKey struct {
	l    sync.Mutex
	path string
}

// NewPemKey returns a PemKey bound to the given file path.
func NewPemKey(path string) *PemKey {
	return &PemKey{path: path}
}

// ReadKey reads the private key from the underlying file.
func (k *PemKey) ReadKey() (*ecdsa.PrivateKey, error) {
	k.l.Lock()
	defer k.l.Unlock()

	buf, err := ioutil.ReadFile(k.path)
	if err != nil {
		return nil, err
	}

	return k.ReadKeyFromBuf(buf)
}

// ReadKeyFromBuf parses a PEM-encoded private key from a byte slice.
func (k *PemKey) ReadKeyFromBuf(buf []byte) (*ecdsa.PrivateKey, error) {
	if len(buf) == 0 {
		return nil, nil
	}

	block, _ := pem.Decode(buf)
	if block == nil {
		return nil, fmt.Errorf("error decoding PEM block from data")
	}

	return x509.ParseECPrivateKey(block.Bytes)
}

// WriteKey writes the private key to the underlying file, creating parent
// directories as needed. It refuses to overwrite an existing key.
func (k *PemKey) WriteKey(key *ecdsa.PrivateKey) error {
	k.l.Lock()
	defer k.l.Unlock()

	if _, err := os.Stat(k.path); err == nil {
		return fmt.Errorf("another key already lives under %s", k.path)
	}

	data, err := k.toPem(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(path.Dir(k.path), 0700); err != nil {
		return err
	}

	return ioutil.WriteFile(k.path, data, 0600)
}

func (k *PemKey) toPem(key *ecdsa.PrivateKey) ([]byte, error) {
	b, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}

	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: b}), nil
}
