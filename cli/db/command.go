package db

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/cyberfly-io/flynode/bridge"
	"github.com/cyberfly-io/flynode/client"
	"github.com/cyberfly-io/flynode/node"
	"github.com/cyberfly-io/flynode/node/storage"
	"github.com/cyberfly-io/flynode/pkg/identity"
)

const requestTimeout = time.Second * 30

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "read and write node databases",
		Long: `Read and write node databases.

Writes to a database must be signed by the database owner, and are replicated
to peers. Local writes are unsigned and never leave the node.

Examples:
  # Write key 'alice' to a database, signing with the owner secret key.
  flynode db put users-1d3b... alice '{"age":30}' --secret-key 9a4f...

  # Read key 'alice'.
  flynode db get users-1d3b... alice

  # List the entries in a database.
  flynode db entries users-1d3b...
`,
	}

	var conf client.Config
	conf.RegisterFlags(cmd.PersistentFlags())

	var c *client.Client
	cmd.PersistentPreRun = func(_ *cobra.Command, _ []string) {
		if err := conf.Validate(); err != nil {
			fmt.Printf("config: %s\n", err.Error())
			os.Exit(1)
		}
		opts, err := conf.Options()
		if err != nil {
			fmt.Printf("config: %s\n", err.Error())
			os.Exit(1)
		}
		c, err = client.New(opts...)
		if err != nil {
			fmt.Printf("client: %s\n", err.Error())
			os.Exit(1)
		}
	}
	apiClient := func() *client.Client {
		return c
	}

	cmd.AddCommand(newListCommand(apiClient))
	cmd.AddCommand(newKeysCommand(apiClient))
	cmd.AddCommand(newGetCommand(apiClient))
	cmd.AddCommand(newPutCommand(apiClient))
	cmd.AddCommand(newPutLocalCommand(apiClient))
	cmd.AddCommand(newDeleteCommand(apiClient))
	cmd.AddCommand(newEntriesCommand(apiClient))

	return cmd
}

func newListCommand(c func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Args:  cobra.NoArgs,
		Short: "list databases",
		Run: func(_ *cobra.Command, _ []string) {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			dbs, err := c().Databases(ctx)
			if err != nil {
				exit("failed to list databases", err)
			}
			for _, db := range dbs {
				fmt.Println(db)
			}
		},
	}
}

func newKeysCommand(c func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "keys [db]",
		Args:  cobra.ExactArgs(1),
		Short: "list the keys in a database",
		Run: func(_ *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			keys, err := c().Keys(ctx, args[0])
			if err != nil {
				exit("failed to list keys", err)
			}
			for _, key := range keys {
				fmt.Println(key)
			}
		},
	}
}

func newGetCommand(c func() *client.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [db] [key]",
		Args:  cobra.ExactArgs(2),
		Short: "read an entry",
		Long: `Read an entry.

Outputs the entry as YAML, or only the raw value with '--value'.

Examples:
  flynode db get users-1d3b... alice
  flynode db get users-1d3b... alice --value
`,
	}

	var valueOnly bool
	cmd.Flags().BoolVar(
		&valueOnly,
		"value",
		false,
		`
Output only the raw value.`,
	)

	cmd.Run = func(_ *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		entry, err := c().Get(ctx, args[0], args[1])
		if err != nil {
			exit("failed to get entry", err)
		}
		if valueOnly {
			_, _ = os.Stdout.Write(entry.Value)
			return
		}
		output(newEntryOutput(entry))
	}

	return cmd
}

func newPutCommand(c func() *client.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put [db] [key] [value]",
		Args:  cobra.RangeArgs(2, 3),
		Short: "write a signed entry",
		Long: `Write a signed entry.

The write is signed with '--secret-key', which must be the secret key of the
database owner. Alternatively pass a signature computed elsewhere with
'--public-key' and '--signature'.

If [value] is omitted the value is read from stdin.

Examples:
  # Sign and write a value.
  flynode db put users-1d3b... alice '{"age":30}' --secret-key 9a4f...

  # Write a value signed elsewhere.
  flynode db put users-1d3b... alice '{"age":30}' --public-key 1d3b... --signature 5e0c...
`,
	}

	var secretKey string
	cmd.Flags().StringVar(
		&secretKey,
		"secret-key",
		"",
		`
Hex encoded secret key of the database owner to sign the write with.`,
	)

	var publicKey string
	cmd.Flags().StringVar(
		&publicKey,
		"public-key",
		"",
		`
Hex encoded public key of the database owner, if using '--signature'.`,
	)

	var signature string
	cmd.Flags().StringVar(
		&signature,
		"signature",
		"",
		`
Hex encoded signature of the write.`,
	)

	cmd.Run = func(_ *cobra.Command, args []string) {
		value := readValue(args)
		dbName, key := args[0], args[1]

		if secretKey != "" {
			b, err := identity.ParseSecretKey(secretKey)
			if err != nil {
				exit("invalid secret key", err)
			}
			kp, err := identity.KeyPairFromSecretKey(b)
			if err != nil {
				exit("invalid secret key", err)
			}
			publicKey = kp.PublicKeyHex()
			signature = hex.EncodeToString(
				kp.Sign(storage.SignedMessage(dbName, key, value)),
			)
		}
		if publicKey == "" || signature == "" {
			fmt.Println("either --secret-key or --public-key and --signature are required")
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		applied, err := c().Store(ctx, node.StoreRequest{
			DbName:    dbName,
			Key:       key,
			Value:     value,
			PublicKey: publicKey,
			Signature: signature,
		})
		if err != nil {
			exit("failed to put entry", err)
		}
		if !applied {
			fmt.Println("not applied: a newer entry exists")
			return
		}
		fmt.Println("ok")
	}

	return cmd
}

func newPutLocalCommand(c func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "put-local [db] [key] [value]",
		Args:  cobra.RangeArgs(2, 3),
		Short: "write an unsigned local entry",
		Long: `Write an unsigned local entry.

Local entries are stored only on the node and never replicated to peers. If
[value] is omitted the value is read from stdin.

Examples:
  flynode db put-local cache session-1 '{"user":"alice"}'
`,
		Run: func(_ *cobra.Command, args []string) {
			value := readValue(args)

			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			if err := c().StoreLocal(ctx, args[0], args[1], value); err != nil {
				exit("failed to put entry", err)
			}
			fmt.Println("ok")
		},
	}
}

func newDeleteCommand(c func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [db] [key]",
		Args:  cobra.ExactArgs(2),
		Short: "delete an entry from the node",
		Long: `Delete an entry from the node.

The delete only applies to the node, peers keep their copy of the entry.`,
		Run: func(_ *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			if err := c().Delete(ctx, args[0], args[1]); err != nil {
				exit("failed to delete entry", err)
			}
			fmt.Println("ok")
		},
	}
}

func newEntriesCommand(c func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "entries [db]",
		Args:  cobra.MaximumNArgs(1),
		Short: "list entries",
		Long: `List entries.

Outputs each entry in the database as a JSON line, or the entries of every
database if [db] is omitted.

Examples:
  flynode db entries users-1d3b...
  flynode db entries | jq .key
`,
		Run: func(_ *cobra.Command, args []string) {
			var dbName string
			if len(args) == 1 {
				dbName = args[0]
			}

			enc := json.NewEncoder(os.Stdout)
			err := c().Entries(context.Background(), dbName, func(e bridge.DbEntry) error {
				return enc.Encode(e)
			})
			if err != nil {
				exit("failed to list entries", err)
			}
		},
	}
}

type entryOutput struct {
	DbName    string `json:"db_name"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	PublicKey string `json:"public_key,omitempty"`
	Signature string `json:"signature,omitempty"`
	Timestamp string `json:"timestamp"`
}

func newEntryOutput(e bridge.DbEntry) entryOutput {
	return entryOutput{
		DbName:    e.DbName,
		Key:       e.Key,
		Value:     string(e.Value),
		PublicKey: e.PublicKey,
		Signature: e.Signature,
		Timestamp: time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339Nano),
	}
}

func readValue(args []string) []byte {
	if len(args) == 3 {
		return []byte(args[2])
	}
	b, err := io.ReadAll(io.LimitReader(os.Stdin, storage.MaxValueSize+1))
	if err != nil {
		exit("failed to read value", err)
	}
	return b
}

func exit(msg string, err error) {
	fmt.Printf("%s: %s\n", msg, err.Error())
	os.Exit(1)
}

func output(v any) {
	b, _ := yaml.Marshal(v)
	fmt.Print(string(b))
}
