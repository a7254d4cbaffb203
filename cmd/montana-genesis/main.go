// Command montana-genesis generates a fresh node identity for bootstrapping
// a devnet, the way the teacher's cmd/gen-conformance-fixtures generates
// fixture data ahead of a test run: a one-shot offline tool, not something
// a running node ever invokes itself.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"montana.dev/node/crypto"
	"montana.dev/node/primitives"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type genesisOutput struct {
	NodeID     string `json:"node_id"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key_path"`
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("montana-genesis", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", "identity.key", "path to write the generated private key")
	force := fs.Bool("force", false, "overwrite an existing key file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if !*force {
		if _, err := os.Stat(*out); err == nil {
			_, _ = fmt.Fprintf(stderr, "%s already exists; pass -force to overwrite\n", *out)
			return 2
		}
	}

	result, err := generateIdentity(*out)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "generate identity failed: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		_, _ = fmt.Fprintf(stderr, "encode output failed: %v\n", err)
		return 1
	}
	return 0
}

func generateIdentity(path string) (genesisOutput, error) {
	provider := newProvider()
	priv, pub, err := provider.GenerateKey()
	if err != nil {
		return genesisOutput{}, err
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return genesisOutput{}, fmt.Errorf("write %s: %w", path, err)
	}
	return genesisOutput{
		NodeID:     addressHex(pub),
		PublicKey:  hex.EncodeToString(pub),
		PrivateKey: path,
	}, nil
}

func newProvider() crypto.Provider {
	return crypto.NewDevProvider()
}

func addressHex(pub []byte) string {
	addr := primitives.AddressFromPublicKey(pub)
	return hex.EncodeToString(addr.Bytes())
}
