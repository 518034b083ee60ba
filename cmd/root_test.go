package cmd

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/splice/transport"
)

func validConfig() Config {
	return Config{
		Timestamps:    "none",
		LogFile:       "console",
		BufferSize:    "32KiB",
		MaxConcurrent: 1,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "defaults", modify: func(*Config) {}},
		{name: "millisecond timestamps", modify: func(c *Config) { c.Timestamps = "MS" }},
		{name: "unknown timestamp style", modify: func(c *Config) { c.Timestamps = "minutes" }, wantErr: true},
		{name: "plain byte count", modify: func(c *Config) { c.BufferSize = "4096" }},
		{name: "buffer size with unit", modify: func(c *Config) { c.BufferSize = "1MiB" }},
		{name: "garbage buffer size", modify: func(c *Config) { c.BufferSize = "lots" }, wantErr: true},
		{name: "zero buffer size", modify: func(c *Config) { c.BufferSize = "0" }, wantErr: true},
		{name: "huge buffer size", modify: func(c *Config) { c.BufferSize = "2GiB" }, wantErr: true},
		{name: "no concurrent pairs", modify: func(c *Config) { c.MaxConcurrent = 0 }, wantErr: true},
		{name: "negative spawn rate", modify: func(c *Config) { c.SpawnRate = -1 }, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.modify(&cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRootCmd_RequiresTwoEndpoints(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"-"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	assert.Error(t, cmd.Execute())
}

func TestRootCmd_ConcurrentAndLoopAreExclusive(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"-c", "-l", "tcp://127.0.0.1:1", "tcp://127.0.0.1:2"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "concurrent loop")
}

func TestRootCmd_UnknownScheme(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"-q", "gopher://example.com:70", "-"})

	err := cmd.Execute()
	assert.ErrorIs(t, err, transport.ErrUnsupportedScheme)
}

func TestRootCmd_FlagsFromEnv(t *testing.T) {
	t.Setenv("SPLICE_BUFFER_SIZE", "64KiB")
	t.Setenv("SPLICE_LOOP", "true")
	t.Setenv("SPLICE_TIMESTAMPS", "ms")

	cmd := newRootCmd()
	flags := cmd.Flags()

	size, err := flags.GetString("buffer-size")
	require.NoError(t, err)
	assert.Equal(t, "64KiB", size)

	loop, err := flags.GetBool("loop")
	require.NoError(t, err)
	assert.True(t, loop)

	style, err := flags.GetString("timestamps")
	require.NoError(t, err)
	assert.Equal(t, "ms", style)

	// the command line wins over the environment
	require.NoError(t, flags.Parse([]string{"--buffer-size", "1KiB"}))
	size, err = flags.GetString("buffer-size")
	require.NoError(t, err)
	assert.Equal(t, "1KiB", size)
}

func TestRootCmd_RelaysOnePair(t *testing.T) {
	src, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer src.Close()

	dst, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer dst.Close()

	go func() {
		conn, err := src.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("ping"))
		_ = conn.(*net.TCPConn).CloseWrite()
		_, _ = io.Copy(io.Discard, conn)
	}()

	received := make(chan string, 1)
	go func() {
		conn, err := dst.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.(*net.TCPConn).CloseWrite()
		data, _ := io.ReadAll(conn)
		received <- string(data)
	}()

	cmd := newRootCmd()
	cmd.SetArgs([]string{"-q", "--buffer-size", "2", "tcp://" + src.Addr().String(), "tcp://" + dst.Addr().String()})

	done := make(chan error, 1)
	go func() {
		done <- cmd.Execute()
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("command did not finish")
	}

	select {
	case got := <-received:
		assert.Equal(t, "ping", got)
	case <-time.After(5 * time.Second):
		t.Fatal("nothing received")
	}
}

func TestSetVersionInfo(t *testing.T) {
	SetVersionInfo("1.2.3", "abc", "today", "go1.25")
	assert.Equal(t, "1.2.3", rootCmd.Version)
	assert.Equal(t, "abc", Commit)
}

func TestRootCmd_ExamplesAreValid(t *testing.T) {
	examples := strings.Split(strings.TrimSpace(newRootCmd().Example), "\n")
	require.NotEmpty(t, examples)

	for _, example := range examples {
		t.Run(strings.TrimSpace(example), func(t *testing.T) {
			fields := strings.Fields(example)
			require.Equal(t, "splice", fields[0])

			args := make([]string, 0, len(fields)-1)
			for _, f := range fields[1:] {
				args = append(args, strings.Trim(f, "'"))
			}

			cmd := newRootCmd()
			require.NoError(t, cmd.ParseFlags(args))
			require.NoError(t, cmd.ValidateFlagGroups())

			endpoints := cmd.Flags().Args()
			require.NoError(t, cmd.ValidateArgs(endpoints))
			for _, endpoint := range endpoints {
				_, err := transport.Parse(endpoint)
				assert.NoError(t, err, endpoint)
			}
		})
	}
}

func TestReportError_QuietStillPrints(t *testing.T) {
	logger := log.StandardLogger()
	out, level := logger.Out, logger.GetLevel()
	defer func() {
		logger.SetOutput(out)
		logger.SetLevel(level)
	}()

	logger.SetOutput(os.Stderr)
	logger.SetLevel(log.PanicLevel)

	var buf bytes.Buffer
	reportError(&buf, errors.New("connect left endpoint: refused"))
	assert.Equal(t, "Error: connect left endpoint: refused\n", buf.String())
}

func TestReportError_CopiesToLogFile(t *testing.T) {
	logger := log.StandardLogger()
	out, level := logger.Out, logger.GetLevel()
	defer func() {
		logger.SetOutput(out)
		logger.SetLevel(level)
	}()

	var logFile bytes.Buffer
	logger.SetOutput(&logFile)
	logger.SetLevel(log.ErrorLevel)

	var buf bytes.Buffer
	reportError(&buf, errors.New("relay: reset"))
	assert.Contains(t, buf.String(), "relay: reset")
	assert.Contains(t, logFile.String(), "relay: reset")
}
