package main

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trajectory.recorder/internal/config"
	"github.com/banshee-data/trajectory.recorder/internal/kinematics"
	"github.com/banshee-data/trajectory.recorder/internal/serialmux"
	"github.com/banshee-data/trajectory.recorder/internal/version"
)

func parseTestFlags(t *testing.T, args ...string) *options {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(&bytes.Buffer{})
	o, err := parseFlags(fs, args)
	require.NoError(t, err)
	return o
}

func TestParseFlags_Defaults(t *testing.T) {
	o := parseTestFlags(t)

	assert.Equal(t, ":8080", o.listen)
	assert.Equal(t, "trajectory_recorder.db", o.dbPath)
	assert.Equal(t, serialmux.DefaultBaudRate, o.baud)
	assert.Equal(t, 9870, o.pcapPort)
	assert.Equal(t, 1.0, o.pcapSpeed)
	assert.False(t, o.mock)
	assert.False(t, o.disableInput)
	assert.Equal(t, config.EmptyRecorderConfig(), o.overrides, "unset flags must not override the config file")

	cfg, err := o.recorderConfig()
	require.NoError(t, err)
	assert.Equal(t, config.DefaultRecorderConfig(), cfg)
}

func TestParseFlags_UnknownFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(&bytes.Buffer{})
	_, err := parseFlags(fs, []string{"--no-such-flag"})
	assert.Error(t, err)
}

func TestRecorderConfig_Layering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recorder.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"veh_name": "fromfile",
		"FIfile": "/tmp/from-file",
		"fi_v_function_param": "Duty_fi_v_naive",
		"record_commands": false
	}`), 0644))

	o := parseTestFlags(t,
		"--config", path,
		"--veh-name", "fromflag",
		"--fi-theta-dot-function", "Duty_fi_theta_dot_naive",
		"--snapshot-interval", "0s",
	)
	cfg, err := o.recorderConfig()
	require.NoError(t, err)

	assert.Equal(t, "fromflag", cfg.GetVehName())
	assert.Equal(t, "/tmp/from-file", cfg.GetFIFile())
	assert.Equal(t, "Duty_fi_theta_dot_naive", cfg.GetThetaDotFunction())
	assert.Equal(t, "Duty_fi_v_naive", cfg.GetVFunction())
	assert.Equal(t, time.Duration(0), cfg.GetSnapshotInterval())
	assert.False(t, cfg.GetRecordCommands())
}

func TestRecorderConfig_UnknownBasisFails(t *testing.T) {
	o := parseTestFlags(t, "--fi-v-function", "Duty_fi_v_quadratic")
	_, err := o.recorderConfig()
	require.Error(t, err)
	assert.ErrorIs(t, err, kinematics.ErrUnknownBasis)
}

func TestRecorderConfig_MissingFile(t *testing.T) {
	o := parseTestFlags(t, "--config", filepath.Join(t.TempDir(), "missing.json"))
	_, err := o.recorderConfig()
	assert.Error(t, err)
}

func TestOpenInput(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "disabled", args: []string{"--disable-input"}},
		{name: "mock", args: []string{"--mock", "--mock-interval", "1ms"}},
		{name: "udp", args: []string{"--udp-listen", "127.0.0.1:0"}},
		{name: "conflicting sources", args: []string{"--mock", "--udp-listen", "127.0.0.1:0"}, wantErr: "only one of"},
		{name: "missing capture", args: []string{"--pcap", "/nonexistent/wheels.pcap"}, wantErr: "wheels.pcap"},
		{name: "empty port", args: []string{"--port", ""}, wantErr: "serial port is required"},
		{name: "bad baud", args: []string{"--baud", "12345"}, wantErr: "baud"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := parseTestFlags(t, tt.args...)
			input, err := o.openInput()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, input)
			assert.NoError(t, input.Close())
		})
	}
}

func TestPrintVersion(t *testing.T) {
	var buf bytes.Buffer
	printVersion(&buf)
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "trajectory-recorder "))
	assert.Contains(t, out, version.Version)
	assert.Contains(t, out, version.GitSHA)
}
