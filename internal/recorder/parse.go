package recorder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/trajectory.recorder/internal/kinematics"
)

// stamp accepts either seconds as a number or a ROS time object
// {"secs": s, "nsecs": ns}.
type stamp struct {
	set   bool
	value float64
}

func (s *stamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '{' {
		var t struct {
			Secs  *int64 `json:"secs"`
			Nsecs int64  `json:"nsecs"`
		}
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if t.Secs == nil {
			return fmt.Errorf("stamp object missing secs")
		}
		s.set = true
		s.value = float64(*t.Secs) + float64(t.Nsecs)/1e9
		return nil
	}
	if err := json.Unmarshal(data, &s.value); err != nil {
		return err
	}
	s.set = true
	return nil
}

type wheelsCmdJSON struct {
	Stamp  stamp `json:"stamp"`
	Header *struct {
		Stamp stamp `json:"stamp"`
	} `json:"header"`
	VelLeft  *float64 `json:"vel_left"`
	VelRight *float64 `json:"vel_right"`
}

// ParseVelocityCommand decodes one input line into a velocity command. JSON
// objects carry stamp (or header.stamp), vel_left and vel_right; CSV rows are
// "stamp,vel_left,vel_right".
func ParseVelocityCommand(payload string) (kinematics.VelocityCommand, error) {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "{") {
		return parseJSONCommand(payload)
	}
	return parseCSVCommand(payload)
}

func parseJSONCommand(payload string) (kinematics.VelocityCommand, error) {
	var raw wheelsCmdJSON
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return kinematics.VelocityCommand{}, fmt.Errorf("failed to unmarshal wheels command: %w", err)
	}

	st := raw.Stamp
	if !st.set && raw.Header != nil {
		st = raw.Header.Stamp
	}
	switch {
	case !st.set:
		return kinematics.VelocityCommand{}, fmt.Errorf("wheels command missing stamp")
	case raw.VelLeft == nil:
		return kinematics.VelocityCommand{}, fmt.Errorf("wheels command missing vel_left")
	case raw.VelRight == nil:
		return kinematics.VelocityCommand{}, fmt.Errorf("wheels command missing vel_right")
	}

	return kinematics.VelocityCommand{
		Stamp:    st.value,
		VelLeft:  *raw.VelLeft,
		VelRight: *raw.VelRight,
	}, nil
}

func parseCSVCommand(payload string) (kinematics.VelocityCommand, error) {
	fields := strings.Split(payload, ",")
	if len(fields) != 3 {
		return kinematics.VelocityCommand{}, fmt.Errorf("expected 3 comma separated fields, got %d", len(fields))
	}
	var vals [3]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return kinematics.VelocityCommand{}, fmt.Errorf("failed to parse field %d: %w", i, err)
		}
		vals[i] = v
	}
	return kinematics.VelocityCommand{Stamp: vals[0], VelLeft: vals[1], VelRight: vals[2]}, nil
}
