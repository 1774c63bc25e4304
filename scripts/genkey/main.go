// genkey creates the hub's credentials.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey [-dir data]
//
// Writes:
//
//	data/jwt_private.pem  (mode 0600, keep this secret)
//	data/jwt_public.pem   (mode 0600)
//
// and prints a fresh access key together with its Argon2id hash. Give the
// plaintext key to hosts, runners and peer hubs; configure the hash as
// HUB_ACCESS_KEY so the hub never stores the plaintext.
//
// The hub generates ephemeral signing keys when HUB_JWT_PRIVATE_KEY is unset,
// but then every session token dies with the process.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/swax/naisys-hub/internal/auth"
)

func main() {
	dir := flag.String("dir", "data", "directory for the PEM files")
	flag.Parse()

	if err := run(*dir); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(dir string) error {
	privPath := filepath.Join(dir, "jwt_private.pem")
	pubPath := filepath.Join(dir, "jwt_public.pem")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	// Refuse to overwrite existing keys: rotating them invalidates every
	// outstanding session token.
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, delete it first to rotate keys", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}

	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generate access key: %w", err)
	}
	key := base64.RawURLEncoding.EncodeToString(raw)
	hash, err := auth.HashAccessKey(key)
	if err != nil {
		return err
	}

	fmt.Printf("wrote %s\n", privPath)
	fmt.Printf("wrote %s\n", pubPath)
	fmt.Println()
	fmt.Printf("HUB_JWT_PRIVATE_KEY=%s\n", privPath)
	fmt.Printf("HUB_JWT_PUBLIC_KEY=%s\n", pubPath)
	fmt.Printf("HUB_ACCESS_KEY=%s\n", hash)
	fmt.Println()
	fmt.Printf("access key for clients: %s\n", key)
	return nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // path built from a flag the operator controls
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
