// Wire codec: a compact positional, length-prefixed binary encoding
// for SystemCommand, CommandResponse, and ProcessMetrics. Fields are
// written and read in a fixed order; there is no schema negotiation.
package bus

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"ghost/internal/ghosterr"
	"ghost/internal/model"
)

func putString(buf []byte, s string) []byte {
	var lenBytes [4]byte
	binary.LittleEndian.PutUint32(lenBytes[:], uint32(len(s)))
	buf = append(buf, lenBytes[:]...)
	buf = append(buf, s...)

	return buf
}

func getString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, fmt.Errorf("%w: truncated string length", ghosterr.ErrMalformedMessage)
	}

	n := binary.LittleEndian.Uint32(b[:4])
	b = b[4:]

	if uint64(len(b)) < uint64(n) {
		return "", nil, fmt.Errorf("%w: truncated string body", ghosterr.ErrMalformedMessage)
	}

	return string(b[:n]), b[n:], nil
}

func putBytes(buf []byte, v []byte) []byte {
	var lenBytes [4]byte
	binary.LittleEndian.PutUint32(lenBytes[:], uint32(len(v)))
	buf = append(buf, lenBytes[:]...)
	buf = append(buf, v...)

	return buf
}

func getBytes(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("%w: truncated bytes length", ghosterr.ErrMalformedMessage)
	}

	n := binary.LittleEndian.Uint32(b[:4])
	b = b[4:]

	if uint64(len(b)) < uint64(n) {
		return nil, nil, fmt.Errorf("%w: truncated bytes body", ghosterr.ErrMalformedMessage)
	}

	out := make([]byte, n)
	copy(out, b[:n])

	return out, b[n:], nil
}

func putUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)

	return append(buf, b[:]...)
}

func getUint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("%w: truncated integer", ghosterr.ErrMalformedMessage)
	}

	return binary.LittleEndian.Uint64(b[:8]), b[8:], nil
}

func putBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}

	return append(buf, 0)
}

func getBool(b []byte) (bool, []byte, error) {
	if len(b) < 1 {
		return false, nil, fmt.Errorf("%w: truncated bool", ghosterr.ErrMalformedMessage)
	}

	return b[0] != 0, b[1:], nil
}

func putStringMap(buf []byte, m map[string]string) []byte {
	buf = putUint64(buf, uint64(len(m)))

	for k, v := range m {
		buf = putString(buf, k)
		buf = putString(buf, v)
	}

	return buf
}

func getStringMap(b []byte) (map[string]string, []byte, error) {
	n, rest, err := getUint64(b)
	if err != nil {
		return nil, nil, err
	}

	m := make(map[string]string, n)

	for i := uint64(0); i < n; i++ {
		var k, v string

		k, rest, err = getString(rest)
		if err != nil {
			return nil, nil, err
		}

		v, rest, err = getString(rest)
		if err != nil {
			return nil, nil, err
		}

		m[k] = v
	}

	return m, rest, nil
}

// EncodeCommand serializes a SystemCommand in field order
// (CommandId, CommandType, TargetProcessId, Parameters, Data).
func EncodeCommand(cmd model.SystemCommand) []byte {
	buf := make([]byte, 0, 64+len(cmd.Data))
	buf = putString(buf, cmd.CommandId)
	buf = putString(buf, cmd.CommandType)
	buf = putString(buf, cmd.TargetProcessId)
	buf = putStringMap(buf, cmd.Parameters)
	buf = putBytes(buf, cmd.Data)

	return buf
}

// DecodeCommand is the inverse of EncodeCommand.
func DecodeCommand(b []byte) (model.SystemCommand, error) {
	var (
		cmd model.SystemCommand
		err error
	)

	cmd.CommandId, b, err = getString(b)
	if err != nil {
		return model.SystemCommand{}, err
	}

	cmd.CommandType, b, err = getString(b)
	if err != nil {
		return model.SystemCommand{}, err
	}

	cmd.TargetProcessId, b, err = getString(b)
	if err != nil {
		return model.SystemCommand{}, err
	}

	cmd.Parameters, b, err = getStringMap(b)
	if err != nil {
		return model.SystemCommand{}, err
	}

	cmd.Data, _, err = getBytes(b)
	if err != nil {
		return model.SystemCommand{}, err
	}

	return cmd, nil
}

// EncodeResponse serializes a CommandResponse in field order
// (CommandId, Success, Error, Data, Timestamp).
func EncodeResponse(resp model.CommandResponse) []byte {
	buf := make([]byte, 0, 64+len(resp.Data))
	buf = putString(buf, resp.CommandId)
	buf = putBool(buf, resp.Success)
	buf = putString(buf, resp.Error)
	buf = putBytes(buf, resp.Data)
	buf = putUint64(buf, uint64(resp.Timestamp.UnixNano()))

	return buf
}

// DecodeResponse is the inverse of EncodeResponse.
func DecodeResponse(b []byte) (model.CommandResponse, error) {
	var (
		resp model.CommandResponse
		err  error
		ns   uint64
	)

	resp.CommandId, b, err = getString(b)
	if err != nil {
		return model.CommandResponse{}, err
	}

	resp.Success, b, err = getBool(b)
	if err != nil {
		return model.CommandResponse{}, err
	}

	resp.Error, b, err = getString(b)
	if err != nil {
		return model.CommandResponse{}, err
	}

	resp.Data, b, err = getBytes(b)
	if err != nil {
		return model.CommandResponse{}, err
	}

	ns, _, err = getUint64(b)
	if err != nil {
		return model.CommandResponse{}, err
	}

	resp.Timestamp = time.Unix(0, int64(ns)).UTC()

	return resp, nil
}

// EncodeMetrics serializes a ProcessMetrics in field order (CPUPercent,
// MemoryBytes, MemPercent, Threads, GCPauseNs, HandleCount, Timestamp).
// Floats are carried as their IEEE-754 bit pattern through the same
// fixed-width integer slot used for everything else.
func EncodeMetrics(m model.ProcessMetrics) []byte {
	buf := make([]byte, 0, 56)
	buf = putUint64(buf, math.Float64bits(m.CPUPercent))
	buf = putUint64(buf, m.MemoryBytes)
	buf = putUint64(buf, math.Float64bits(m.MemPercent))
	buf = putUint64(buf, uint64(m.Threads))
	buf = putUint64(buf, m.GCPauseNs)
	buf = putUint64(buf, uint64(m.HandleCount))
	buf = putUint64(buf, uint64(m.Timestamp.UnixNano()))

	return buf
}

// DecodeMetrics is the inverse of EncodeMetrics.
func DecodeMetrics(b []byte) (model.ProcessMetrics, error) {
	var (
		m   model.ProcessMetrics
		raw uint64
		err error
	)

	raw, b, err = getUint64(b)
	if err != nil {
		return model.ProcessMetrics{}, err
	}

	m.CPUPercent = math.Float64frombits(raw)

	m.MemoryBytes, b, err = getUint64(b)
	if err != nil {
		return model.ProcessMetrics{}, err
	}

	raw, b, err = getUint64(b)
	if err != nil {
		return model.ProcessMetrics{}, err
	}

	m.MemPercent = math.Float64frombits(raw)

	raw, b, err = getUint64(b)
	if err != nil {
		return model.ProcessMetrics{}, err
	}

	m.Threads = int(raw)

	m.GCPauseNs, b, err = getUint64(b)
	if err != nil {
		return model.ProcessMetrics{}, err
	}

	raw, b, err = getUint64(b)
	if err != nil {
		return model.ProcessMetrics{}, err
	}

	m.HandleCount = int(raw)

	raw, _, err = getUint64(b)
	if err != nil {
		return model.ProcessMetrics{}, err
	}

	m.Timestamp = time.Unix(0, int64(raw)).UTC()

	return m, nil
}
