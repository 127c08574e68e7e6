package klog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingRetainsWrittenBytesWithinCapacity(t *testing.T) {
	r := NewRing(16)
	n, err := r.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, []byte("hello"), r.Bytes())
}

func TestRingDropsOldestBytesOnOverflow(t *testing.T) {
	r := NewRing(8)
	_, err := r.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	_, err = r.Write([]byte("ijkl"))
	require.NoError(t, err)
	require.Equal(t, []byte("efghijkl"), r.Bytes())
}

func TestRingWriteLargerThanCapacityKeepsTail(t *testing.T) {
	r := NewRing(4)
	n, err := r.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	require.Equal(t, 8, n)
	require.Equal(t, []byte("efgh"), r.Bytes())
}

func TestRingWriteNeverReportsAnError(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 100; i++ {
		_, err := r.Write([]byte("xyzxyz"))
		require.NoError(t, err)
	}
}

func TestSinkEchoesToSerialPortWhenSet(t *testing.T) {
	orig := SerialPort
	defer func() { SerialPort = orig }()

	var captured []byte
	SerialPort = writerFunc(func(p []byte) (int, error) {
		captured = append(captured, p...)
		return len(p), nil
	})

	r := NewRing(64)
	s := sink{ring: r}
	_, err := s.Write([]byte("boot ok"))
	require.NoError(t, err)

	require.Equal(t, []byte("boot ok"), captured)
	require.Equal(t, []byte("boot ok"), r.Bytes())
}

func TestSinkWithNoSerialPortOnlyRetainsInRing(t *testing.T) {
	orig := SerialPort
	SerialPort = nil
	defer func() { SerialPort = orig }()

	r := NewRing(64)
	s := sink{ring: r}
	_, err := s.Write([]byte("quiet"))
	require.NoError(t, err)
	require.Equal(t, []byte("quiet"), r.Bytes())
}

func TestLogWritesThroughToRetainedRingBuffer(t *testing.T) {
	Init(4096, Log.GetLevel())
	Log.Info("process management initialized")
	require.Contains(t, string(Retained()), "process management initialized")
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
