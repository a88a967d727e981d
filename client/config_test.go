package client

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberfly-io/flynode/pkg/testutil"
)

func TestConfig(t *testing.T) {
	t.Run("flags", func(t *testing.T) {
		fs := pflag.NewFlagSet("", pflag.PanicOnError)
		var conf Config
		conf.RegisterFlags(fs)

		require.NoError(t, fs.Parse([]string{
			"--api.url", "https://10.26.104.14:8101",
			"--api.token", "my-token",
		}))
		assert.NoError(t, conf.Validate())
		assert.Equal(t, "https://10.26.104.14:8101", conf.URL)
		assert.Equal(t, "my-token", conf.Token)

		opts, err := conf.Options()
		require.NoError(t, err)
		assert.Len(t, opts, 2)
	})

	t.Run("default", func(t *testing.T) {
		fs := pflag.NewFlagSet("", pflag.PanicOnError)
		var conf Config
		conf.RegisterFlags(fs)
		require.NoError(t, fs.Parse(nil))
		assert.NoError(t, conf.Validate())
		assert.Equal(t, defaultURL, conf.URL)
	})

	t.Run("invalid scheme", func(t *testing.T) {
		conf := Config{URL: "ws://localhost:8101"}
		assert.Error(t, conf.Validate())
	})

	t.Run("root cas", func(t *testing.T) {
		ca, err := testutil.NewLocalCA()
		require.NoError(t, err)
		path, err := ca.WriteCert(t.TempDir())
		require.NoError(t, err)

		conf := Config{URL: "https://localhost:8101", RootCAs: path}
		require.NoError(t, conf.Validate())
		opts, err := conf.Options()
		require.NoError(t, err)
		assert.Len(t, opts, 2)
	})

	t.Run("root cas invalid", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))

		conf := Config{URL: "https://localhost:8101", RootCAs: path}
		require.NoError(t, conf.Validate())
		_, err := conf.Options()
		assert.Error(t, err)
	})

	t.Run("root cas missing", func(t *testing.T) {
		conf := Config{
			URL:     "https://localhost:8101",
			RootCAs: filepath.Join(t.TempDir(), "missing.pem"),
		}
		_, err := conf.Options()
		assert.Error(t, err)
	})

	t.Run("root cas without tls", func(t *testing.T) {
		conf := Config{URL: "http://localhost:8101", RootCAs: "/ca.pem"}
		assert.Error(t, conf.Validate())
	})
}
