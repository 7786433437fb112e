package serialmux

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockLine(t *testing.T) {
	line := mockLine(100, 3, 250*time.Millisecond, MockCommand{VelLeft: 0.2, VelRight: -0.5})
	assert.Equal(t, `{"stamp":100.750000,"vel_left":0.2,"vel_right":-0.5}`+"\n", line)
}

func TestNewMockSerialMux_EmitsMonotonicStamps(t *testing.T) {
	cmds := []MockCommand{{VelLeft: 0.1, VelRight: 0.1}, {VelLeft: 0.3, VelRight: 0.2}}
	mux := NewMockSerialMux(cmds, 5*time.Millisecond, nil)
	defer mux.Close()

	_, ch := mux.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	type cmd struct {
		Stamp    float64 `json:"stamp"`
		VelLeft  float64 `json:"vel_left"`
		VelRight float64 `json:"vel_right"`
	}
	var got []cmd
	timeout := time.After(2 * time.Second)
	for len(got) < 5 {
		select {
		case line := <-ch:
			assert.Equal(t, EventTypeWheelsCmd, ClassifyPayload(line))
			var c cmd
			require.NoError(t, json.Unmarshal([]byte(line), &c))
			got = append(got, c)
		case <-timeout:
			t.Fatalf("only %d lines received", len(got))
		}
	}

	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Stamp, got[i-1].Stamp, "stamps must increase")
		assert.InDelta(t, 0.005, got[i].Stamp-got[i-1].Stamp, 1e-6)
	}
	// commands cycle
	assert.Equal(t, cmds[0].VelLeft, got[0].VelLeft)
	assert.Equal(t, cmds[1].VelLeft, got[1].VelLeft)
	assert.Equal(t, cmds[0].VelLeft, got[2].VelLeft)
}

func TestMockSerialPort_CapturesWrites(t *testing.T) {
	mux := NewMockSerialMux(nil, time.Hour, nil)
	require.NoError(t, mux.SendCommand("gain=1.0"))
	assert.Equal(t, "gain=1.0\n", mux.port.Written())

	require.NoError(t, mux.Close())
	require.NoError(t, mux.port.Close(), "closing twice is safe")
}

func TestTestableSerialPort_ReadWrite(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData([]byte("test data"))

	buf := make([]byte, 100)
	n, err := port.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "test data", string(buf[:n]))
	assert.Equal(t, 1, port.ReadCalls)

	n, err = port.Write([]byte("write data"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "write data", string(port.GetWrittenData()))

	require.NoError(t, port.Close())
	_, err = port.Read(buf)
	assert.Error(t, err)
	_, err = port.Write([]byte("x"))
	assert.Error(t, err)
}
