package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/f3rmion/aura/ids"
)

const device = `
[device]
device_id = "0101010101010101010101010101010101010101010101010101010101010101"
authority_id = "0202020202020202020202020202020202020202020202020202020202020202"
`

func TestDefaultsFillOmittedKeys(t *testing.T) {
	cfg, err := Decode(strings.NewReader(device + `
[bridge]
max_retries = 5
retry_backoff = "250ms"

[channels]
max_channels = 10
`))
	require.NoError(t, err)

	assert.Equal(t, ModeProduction, cfg.Device.Mode)
	assert.Equal(t, byte(1), cfg.Device.DeviceID[0])
	assert.Equal(t, byte(2), cfg.Device.AuthorityID[31])
	assert.EqualValues(t, 5, cfg.Bridge.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Bridge.RetryBackoff)
	assert.Equal(t, 30*time.Second, cfg.Bridge.CommandTimeout)
	assert.True(t, cfg.Bridge.AutoRetry)
	assert.Equal(t, 10, cfg.Channels.MaxChannels)
	assert.Equal(t, 3, cfg.Channels.MaxReconnectAttempts)
	assert.EqualValues(t, 50, cfg.Session.DKDTTLEpochs)
	assert.EqualValues(t, 10, cfg.Session.AwaitTimeoutEpochs)
	assert.Equal(t, BackendMemory, cfg.Ledger.Backend)

	opts := cfg.Channels.Options()
	assert.Equal(t, 10, opts.MaxChannels)
	assert.True(t, opts.Graceful)
	assert.Equal(t, 250*time.Millisecond, cfg.Bridge.Options().RetryBackoff)
}

func TestSimulationSeed(t *testing.T) {
	seed := strings.Repeat("a5", ids.Size)
	cfg, err := Decode(strings.NewReader(`
[device]
mode = "simulation"
seed = "` + seed + `"
`))
	require.NoError(t, err)
	b, err := cfg.Device.SeedBytes()
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xA5}, ids.Size), b)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	_, err := Decode(strings.NewReader(`
[device]
mode = "simulation"
seed = "zz"

[ledger]
backend = "badger"

[bridge]
command_buffer = 0

[logging]
format = "xml"
`))
	require.Error(t, err)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	var fields []string
	for _, e := range merr.Errors {
		var ve *ValidationError
		require.True(t, errors.As(e, &ve))
		fields = append(fields, ve.Field)
	}
	assert.Equal(t, []string{"device.seed", "ledger.dir", "bridge.command_buffer", "logging"}, fields)
}

func TestProductionNeedsIdentity(t *testing.T) {
	err := Default().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device.device_id")
	assert.Contains(t, err.Error(), "device.authority_id")
}

func TestUnknownKeysAreRejected(t *testing.T) {
	_, err := Decode(strings.NewReader(device + `
[bridge]
max_retry = 5
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridge.max_retry")
}

func TestLoadRoundTrip(t *testing.T) {
	cfg, err := Decode(strings.NewReader(device))
	require.NoError(t, err)
	cfg.Ledger = LedgerConfig{Backend: BackendBadger, Dir: t.TempDir()}

	var buf bytes.Buffer
	require.NoError(t, cfg.Encode(&buf))
	path := filepath.Join(t.TempDir(), "aura.toml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
