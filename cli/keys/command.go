package keys

import (
	"fmt"
	"os"

	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/cyberfly-io/flynode/bridge"
	"github.com/cyberfly-io/flynode/node/storage"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "manage keys and database names",
		Long: `Manage keys and database names.

Nodes and database owners are identified by ed25519 key pairs, encoded as hex.
A database is owned by the key pair whose public key is the suffix of the
database name, and only writes signed by that key are accepted.

These commands run locally and never contact a node.

Examples:
  # Generate a new key pair.
  flynode keys generate

  # Get the database name for 'users' owned by a public key.
  flynode keys db-name users --public-key 1d3b...

  # Sign a write of key 'alice' to a database.
  flynode keys sign --secret-key 9a4f... --db users-1d3b... --key alice '{"age":30}'
`,
	}

	cmd.AddCommand(newGenerateCommand())
	cmd.AddCommand(newPeerIDCommand())
	cmd.AddCommand(newSignCommand())
	cmd.AddCommand(newVerifyCommand())
	cmd.AddCommand(newDbNameCommand())

	return cmd
}

func newGenerateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Args:  cobra.NoArgs,
		Short: "generate a key pair",
	}

	cmd.Run = func(_ *cobra.Command, _ []string) {
		kp, err := bridge.GenerateKeyPair()
		if err != nil {
			fmt.Printf("failed to generate key pair: %s\n", err.Error())
			os.Exit(1)
		}
		peerID, err := bridge.GeneratePeerIDFromSecretKey(kp.SecretKey)
		if err != nil {
			fmt.Printf("failed to generate peer id: %s\n", err.Error())
			os.Exit(1)
		}

		output(keyPairOutput{
			PublicKey: kp.PublicKey,
			SecretKey: kp.SecretKey,
			PeerID:    peerID,
		})
	}

	return cmd
}

type keyPairOutput struct {
	PublicKey string `json:"public_key"`
	SecretKey string `json:"secret_key"`
	PeerID    string `json:"peer_id"`
}

func newPeerIDCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer-id",
		Args:  cobra.NoArgs,
		Short: "get the node ID of a secret key",
		Long: `Get the node ID of a secret key.

The node ID is the peer ID derived from the node public key, which is the ID
other nodes know the node by.

Examples:
  flynode keys peer-id --secret-key 9a4f...
`,
	}

	var secretKey string
	cmd.Flags().StringVar(
		&secretKey,
		"secret-key",
		"",
		`
Hex encoded ed25519 secret key.`,
	)
	_ = cmd.MarkFlagRequired("secret-key")

	cmd.Run = func(_ *cobra.Command, _ []string) {
		peerID, err := bridge.GeneratePeerIDFromSecretKey(secretKey)
		if err != nil {
			fmt.Printf("invalid secret key: %s\n", err.Error())
			os.Exit(1)
		}
		fmt.Println(peerID)
	}

	return cmd
}

func newSignCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign [message]",
		Args:  cobra.ExactArgs(1),
		Short: "sign a message or database write",
		Long: `Sign a message or database write.

If '--db' and '--key' are set, the argument is the value to write and the
signed message is the database write message. Otherwise the argument is signed
as is.

Examples:
  # Sign a message.
  flynode keys sign --secret-key 9a4f... hello

  # Sign a database write.
  flynode keys sign --secret-key 9a4f... --db users-1d3b... --key alice '{"age":30}'
`,
	}

	var secretKey string
	cmd.Flags().StringVar(
		&secretKey,
		"secret-key",
		"",
		`
Hex encoded ed25519 secret key.`,
	)
	_ = cmd.MarkFlagRequired("secret-key")

	var dbName string
	cmd.Flags().StringVar(
		&dbName,
		"db",
		"",
		`
Database name of the write to sign.`,
	)

	var key string
	cmd.Flags().StringVar(
		&key,
		"key",
		"",
		`
Key of the write to sign.`,
	)

	cmd.Run = func(_ *cobra.Command, args []string) {
		message := []byte(args[0])
		if dbName != "" || key != "" {
			if dbName == "" || key == "" {
				fmt.Println("both --db and --key are required to sign a write")
				os.Exit(1)
			}
			message = storage.SignedMessage(dbName, key, message)
		}

		sig, err := bridge.SignMessageWithKey(secretKey, message)
		if err != nil {
			fmt.Printf("failed to sign: %s\n", err.Error())
			os.Exit(1)
		}
		fmt.Println(sig)
	}

	return cmd
}

func newVerifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [message]",
		Args:  cobra.ExactArgs(1),
		Short: "verify a message signature",
		Long: `Verify a message signature.

Exits with a non-zero status if the signature is invalid.

Examples:
  flynode keys verify --public-key 1d3b... --signature 5e0c... hello
`,
	}

	var publicKey string
	cmd.Flags().StringVar(
		&publicKey,
		"public-key",
		"",
		`
Hex encoded ed25519 public key.`,
	)
	_ = cmd.MarkFlagRequired("public-key")

	var signature string
	cmd.Flags().StringVar(
		&signature,
		"signature",
		"",
		`
Hex encoded signature.`,
	)
	_ = cmd.MarkFlagRequired("signature")

	cmd.Run = func(_ *cobra.Command, args []string) {
		if !bridge.VerifyMessageSignature(publicKey, []byte(args[0]), signature) {
			fmt.Println("invalid signature")
			os.Exit(1)
		}
		fmt.Println("ok")
	}

	return cmd
}

func newDbNameCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db-name [name]",
		Args:  cobra.ExactArgs(1),
		Short: "generate or inspect a database name",
		Long: `Generate or inspect a database name.

With '--public-key', outputs the name of database [name] owned by the public
key. With '--inspect', [name] is a full database name and the output is the
database name and whether it is well formed.

Examples:
  # Generate a database name.
  flynode keys db-name users --public-key 1d3b...

  # Inspect a database name.
  flynode keys db-name --inspect users-1d3b...

  # Check the owner of a database.
  flynode keys db-name --inspect users-1d3b... --public-key 1d3b...
`,
	}

	var publicKey string
	cmd.Flags().StringVar(
		&publicKey,
		"public-key",
		"",
		`
Hex encoded ed25519 public key of the database owner.`,
	)

	var inspect bool
	cmd.Flags().BoolVar(
		&inspect,
		"inspect",
		false,
		`
Inspect a full database name rather than generating one.`,
	)

	cmd.Run = func(_ *cobra.Command, args []string) {
		if inspect {
			inspectDbName(args[0], publicKey)
			return
		}

		if publicKey == "" {
			fmt.Println("missing --public-key")
			os.Exit(1)
		}
		dbName, err := bridge.GenerateDbName(args[0], publicKey)
		if err != nil {
			fmt.Printf("failed to generate db name: %s\n", err.Error())
			os.Exit(1)
		}
		fmt.Println(dbName)
	}

	return cmd
}

type dbNameOutput struct {
	Name  string `json:"name"`
	Owned *bool  `json:"owned,omitempty"`
}

func inspectDbName(dbName string, publicKey string) {
	name, err := bridge.ExtractNameFromDb(dbName)
	if err != nil {
		fmt.Printf("invalid db name: %s\n", err.Error())
		os.Exit(1)
	}

	out := dbNameOutput{
		Name: name,
	}
	if publicKey != "" {
		owned := bridge.VerifyDbName(dbName, publicKey)
		out.Owned = &owned
	}
	output(out)
}

func output(v any) {
	b, _ := yaml.Marshal(v)
	fmt.Print(string(b))
}
