package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/hypebeast/go-osc/osc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommand("9.9.9")
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func writeScript(t *testing.T, src string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "script.lua")
	require.NoError(t, os.WriteFile(p, []byte(src), 0o644))
	return p
}

func TestVersionCommand(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "seamstress version: 9.9.9\n", out)
}

func TestRun_ScriptQuitsFromInit(t *testing.T) {
	script := writeScript(t, `function init() seamstress.quit("done") end`)
	out, logs, err := execute(t, "-s", script, "-l", "0", "--no-input")
	require.NoError(t, err)
	assert.Equal(t, "SEAMSTRESS\nseamstress version: 9.9.9\nBye!\n", out)
	assert.Contains(t, logs, "shutdown complete")
	assert.Contains(t, logs, "starting device", "the device monitor runs by default")
}

func TestRun_NoDevices(t *testing.T) {
	script := writeScript(t, `function init() seamstress.quit() end`)
	_, logs, err := execute(t, "-s", script, "-l", "0", "--no-input", "--no-devices")
	require.NoError(t, err)
	assert.Contains(t, logs, "starting osc")
	assert.NotContains(t, logs, "starting device")
}

func TestRun_ExplicitSubcommandAndQuiet(t *testing.T) {
	script := writeScript(t, `function init() seamstress.quit() end`)
	out, _, err := execute(t, "run", "-q", "-s", script, "-l", "0", "--no-input")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRun_MissingScriptIsAnInitFailure(t *testing.T) {
	_, _, err := execute(t, "-s", filepath.Join(t.TempDir(), "missing.lua"), "-l", "0", "--no-input", "-q")
	require.Error(t, err)

	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, exitInit, ee.code)
}

func TestRun_InvalidConfigIsAUsageError(t *testing.T) {
	_, _, err := execute(t, "--log-level", "loud", "-q")
	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, exitUsage, ee.code)
}

func TestResolveConfig_Precedence(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "seamstress.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("script = \"file.lua\"\nlocal_port = 9000\nremote_port = 9001\n"), 0o644))
	t.Setenv("SEAMSTRESS_REMOTE_PORT", "9002")

	opts := &RunOptions{RootOptions: &RootOptions{ConfigPath: cfgPath}}
	runCmd := NewRunCommand(opts)
	require.NoError(t, runCmd.ParseFlags([]string{"-l", "9100"}))

	cfg, err := resolveConfig(runCmd, opts)
	require.NoError(t, err)
	assert.Equal(t, "file.lua", cfg.Script, "file beats default")
	assert.Equal(t, 9002, cfg.RemotePort, "env beats file")
	assert.Equal(t, 9100, cfg.LocalPort, "flag beats file")
}

func TestErrorLine(t *testing.T) {
	assert.Equal(t, "seamstress: init failed", errorLine(errors.New("seamstress: init failed")))
	assert.Equal(t, "seamstress: unknown flag: --nope",
		errorLine(&exitError{code: exitUsage, err: errors.New("unknown flag: --nope")}))
}

func TestParseArgs(t *testing.T) {
	assert.Equal(t, []any{int32(3), 1.5, true, "x", "False"},
		parseArgs([]string{"3", "1.5", "true", "x", "False"}))
}

func TestSend_SignalNeedsRedis(t *testing.T) {
	_, _, err := execute(t, "send", "--signal", "reload")
	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, exitUsage, ee.code)
}

func TestSend_BadAddress(t *testing.T) {
	_, _, err := execute(t, "send", "no-slash")
	assert.ErrorIs(t, err, errBadAddress)
}

func TestSend_UDP(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()
	port := conn.LocalAddr().(*net.UDPAddr).Port

	_, _, err = execute(t, "send", "--port", strconv.Itoa(port), "/grid/led", "3", "on")
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 512)
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)

	pkt, err := osc.ParsePacket(string(buf[:n]))
	require.NoError(t, err)
	msg, ok := pkt.(*osc.Message)
	require.True(t, ok)
	assert.Equal(t, "/grid/led", msg.Address)
	assert.Equal(t, []any{int32(3), "on"}, msg.Arguments)
}
