package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/trajectory.recorder/internal/kinematics"
)

// ExampleConfigPath is the path to the documented example configuration.
const ExampleConfigPath = "config/recorder.example.json"

const (
	DefaultVehName          = "megaman"
	DefaultFIFile           = "FIfile"
	DefaultSnapshotInterval = 10 * time.Second
)

// RecorderConfig is the startup configuration of the trajectory recording
// node. Keys match the parameter names used on the vehicle so existing launch
// configurations translate directly.
type RecorderConfig struct {
	VehName          *string `json:"veh_name,omitempty"`
	FIFile           *string `json:"FIfile,omitempty"`
	ThetaDotFunction *string `json:"fi_theta_dot_function_param,omitempty"`
	VFunction        *string `json:"fi_v_function_param,omitempty"`

	// SnapshotInterval is a duration string like "10s"; "0s" disables
	// periodic snapshots (the final one at shutdown is always taken).
	SnapshotInterval *string `json:"snapshot_interval,omitempty"`
	RecordCommands   *bool   `json:"record_commands,omitempty"`
}

// Param is one resolved configuration value, echoed at startup.
type Param struct {
	Name  string
	Value string
}

func ptrString(v string) *string { return &v }
func ptrBool(v bool) *bool       { return &v }

// EmptyRecorderConfig returns a RecorderConfig with all fields set to nil.
func EmptyRecorderConfig() *RecorderConfig {
	return &RecorderConfig{}
}

// DefaultRecorderConfig returns a RecorderConfig with every field set to its
// default value.
func DefaultRecorderConfig() *RecorderConfig {
	return &RecorderConfig{
		VehName:          ptrString(DefaultVehName),
		FIFile:           ptrString(DefaultFIFile),
		ThetaDotFunction: ptrString(kinematics.DefaultThetaDotBasis),
		VFunction:        ptrString(kinematics.DefaultVBasis),
		SnapshotInterval: ptrString(DefaultSnapshotInterval.String()),
		RecordCommands:   ptrBool(true),
	}
}

// LoadRecorderConfig loads a RecorderConfig from a JSON file.
// The file must have a .json extension and be at most 1MB. Omitted fields keep
// their defaults through the Get* accessors.
func LoadRecorderConfig(path string) (*RecorderConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyRecorderConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are usable. Basis function
// names are resolved here so an unknown name fails at startup.
func (c *RecorderConfig) Validate() error {
	if c.FIFile != nil && strings.TrimSpace(*c.FIFile) == "" {
		return fmt.Errorf("FIfile must not be empty")
	}
	if _, err := kinematics.ParseBasis(c.GetThetaDotFunction()); err != nil {
		return fmt.Errorf("fi_theta_dot_function_param: %w", err)
	}
	if _, err := kinematics.ParseBasis(c.GetVFunction()); err != nil {
		return fmt.Errorf("fi_v_function_param: %w", err)
	}
	if c.SnapshotInterval != nil && *c.SnapshotInterval != "" {
		d, err := time.ParseDuration(*c.SnapshotInterval)
		if err != nil {
			return fmt.Errorf("invalid snapshot_interval '%s': %w", *c.SnapshotInterval, err)
		}
		if d < 0 {
			return fmt.Errorf("snapshot_interval must be non-negative, got %s", d)
		}
	}
	return nil
}

// Merge copies every non-nil field of other over c.
func (c *RecorderConfig) Merge(other *RecorderConfig) {
	if other == nil {
		return
	}
	if other.VehName != nil {
		c.VehName = other.VehName
	}
	if other.FIFile != nil {
		c.FIFile = other.FIFile
	}
	if other.ThetaDotFunction != nil {
		c.ThetaDotFunction = other.ThetaDotFunction
	}
	if other.VFunction != nil {
		c.VFunction = other.VFunction
	}
	if other.SnapshotInterval != nil {
		c.SnapshotInterval = other.SnapshotInterval
	}
	if other.RecordCommands != nil {
		c.RecordCommands = other.RecordCommands
	}
}

// GetVehName returns the veh_name value or the default.
func (c *RecorderConfig) GetVehName() string {
	if c.VehName == nil {
		return DefaultVehName
	}
	return *c.VehName
}

// GetFIFile returns the FIfile value or the default.
func (c *RecorderConfig) GetFIFile() string {
	if c.FIFile == nil {
		return DefaultFIFile
	}
	return *c.FIFile
}

// GetThetaDotFunction returns the rotational-rate basis name or the default.
func (c *RecorderConfig) GetThetaDotFunction() string {
	if c.ThetaDotFunction == nil {
		return kinematics.DefaultThetaDotBasis
	}
	return *c.ThetaDotFunction
}

// GetVFunction returns the linear-velocity basis name or the default.
func (c *RecorderConfig) GetVFunction() string {
	if c.VFunction == nil {
		return kinematics.DefaultVBasis
	}
	return *c.VFunction
}

// GetSnapshotInterval parses and returns the SnapshotInterval.
func (c *RecorderConfig) GetSnapshotInterval() time.Duration {
	if c.SnapshotInterval == nil || *c.SnapshotInterval == "" {
		return DefaultSnapshotInterval
	}
	d, err := time.ParseDuration(*c.SnapshotInterval)
	if err != nil || d < 0 {
		return DefaultSnapshotInterval
	}
	return d
}

// GetRecordCommands returns the record_commands value or the default.
func (c *RecorderConfig) GetRecordCommands() bool {
	if c.RecordCommands == nil {
		return true
	}
	return *c.RecordCommands
}

// Params returns the resolved values in a stable order.
func (c *RecorderConfig) Params() []Param {
	return []Param{
		{Name: "veh_name", Value: c.GetVehName()},
		{Name: "FIfile", Value: c.GetFIFile()},
		{Name: "fi_theta_dot_function_param", Value: c.GetThetaDotFunction()},
		{Name: "fi_v_function_param", Value: c.GetVFunction()},
		{Name: "snapshot_interval", Value: c.GetSnapshotInterval().String()},
		{Name: "record_commands", Value: strconv.FormatBool(c.GetRecordCommands())},
	}
}
