package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/procwatch/internal/config"
	"github.com/yairfalse/procwatch/internal/probe"
	"github.com/yairfalse/procwatch/internal/sink"
	"gopkg.in/yaml.v3"
)

func init() {
	color.NoColor = true
}

func writeEventLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	w, err := sink.OpenJSONL(path, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for _, rec := range []probe.Record{
		{PID: 200, PPID: 100, Kind: probe.KindExec},
		{PID: 100, PPID: 1, UID: 1000, KillTarget: 200, Kind: probe.KindKill},
		{PID: 200, PPID: 100, Kind: probe.KindExit},
	} {
		probe.SetComm(&rec.Comm, "bash")
		require.NoError(t, w.ConsumeRecord(ctx, rec))
	}
	require.NoError(t, w.Close())
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		killsJSON = false
		printConfig = false
		cfgFile = ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestKillsTable(t *testing.T) {
	out, err := execute(t, "kills", "--file", writeEventLog(t))
	require.NoError(t, err)

	assert.Contains(t, out, "TARGET")
	assert.Contains(t, out, "200")
	assert.Contains(t, out, "1 kill(s)")
}

func TestKillsTableColumnsAlignWithColor(t *testing.T) {
	color.NoColor = false
	t.Cleanup(func() { color.NoColor = true })

	target := uint32(4242)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	kills := []sink.Event{
		{Timestamp: ts, PID: 7, UID: 0, Comm: "sh", KillPID: &target},
		{Timestamp: ts, PID: 123456, UID: 1000, Comm: "systemd-logind", KillPID: &target},
	}

	var out bytes.Buffer
	require.NoError(t, writeKillsTable(&out, kills))
	assert.Contains(t, out.String(), "\x1b[", "expected coloured output")

	ansi := regexp.MustCompile(`\x1b\[[0-9;]*m`)
	lines := strings.Split(ansi.ReplaceAllString(out.String(), ""), "\n")
	require.GreaterOrEqual(t, len(lines), 3)

	heading := lines[0]
	for i, k := range kills {
		row := lines[i+1]
		assert.Equal(t, strings.Index(heading, "COMM"), strings.Index(row, k.Comm), row)
		assert.Equal(t, strings.Index(heading, "TARGET"), strings.Index(row, "4242"), row)
	}
}

func TestKillsJSON(t *testing.T) {
	out, err := execute(t, "kills", "--file", writeEventLog(t), "--json")
	require.NoError(t, err)

	var kills []sink.Event
	require.NoError(t, jsoniter.UnmarshalFromString(out, &kills))
	require.Len(t, kills, 1)
	require.NotNil(t, kills[0].KillPID)
	assert.Equal(t, uint32(200), *kills[0].KillPID)
}

func TestKillsMissingFile(t *testing.T) {
	_, err := execute(t, "kills", "--file", filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "procwatch dev")
}

func TestRunPrintConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("probe:\n  ring_buffer_size: 2048\n"), 0o600))

	out, err := execute(t, "run", "--config", path, "--print-config", "--bpf-object", "/opt/p.o", "--fallback")
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, 2048, cfg.Probe.RingBufferSize)
	assert.Equal(t, "/opt/p.o", cfg.Probe.BPFObject)
	assert.True(t, cfg.Probe.Fallback)
}

func TestBindRunFlags(t *testing.T) {
	v := viper.New()
	require.NoError(t, bindRunFlags(v, runCmd))
	require.NoError(t, runCmd.Flags().Set("nats-url", "nats://127.0.0.1:4222"))
	require.NoError(t, runCmd.Flags().Set("filter", "/etc/procwatch/filters.yaml"))
	t.Cleanup(func() {
		_ = runCmd.Flags().Set("nats-url", "")
		_ = runCmd.Flags().Set("filter", "")
	})

	assert.Equal(t, "nats://127.0.0.1:4222", v.GetString("nats.url"))
	assert.Equal(t, "/etc/procwatch/filters.yaml", v.GetString("output.filter_file"))
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		logger, err := newLogger(level)
		require.NoError(t, err, level)
		assert.NotNil(t, logger)
	}
	_, err := newLogger("loud")
	assert.Error(t, err)
}
