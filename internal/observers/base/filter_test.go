package base

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/procwatch/internal/probe"
	"go.uber.org/zap/zaptest"
)

func record(kind probe.Kind, pid, uid uint32, comm string) probe.Record {
	r := probe.Record{Kind: kind, PID: pid, PPID: 1, UID: uid}
	probe.SetComm(&r.Comm, comm)
	return r
}

func writeFilterFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestFilterManagerLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filters.yaml")
	writeFilterFile(t, path, `
version: "1"
allow:
  - name: kills-and-execs
    type: kind
    condition:
      kinds: [kill, exec]
deny:
  - name: no-root
    type: uid
    condition:
      uids: [0]
  - name: disabled
    type: comm
    enabled: false
    condition:
      comms: ["*"]
`)

	fm := NewFilterManager("test", zaptest.NewLogger(t))
	require.NoError(t, fm.LoadFromFile(path))

	stats := fm.GetStatistics()
	assert.Equal(t, 1, stats.AllowFilters)
	assert.Equal(t, 1, stats.DenyFilters)

	assert.True(t, fm.ShouldAllow(record(probe.KindExec, 10, 1000, "bash")))
	assert.False(t, fm.ShouldAllow(record(probe.KindExit, 10, 1000, "bash")))
	assert.False(t, fm.ShouldAllow(record(probe.KindKill, 10, 0, "bash")))

	stats = fm.GetStatistics()
	assert.Equal(t, int64(3), stats.EventsProcessed)
	assert.Equal(t, int64(1), stats.EventsAllowed)
	assert.Equal(t, int64(2), stats.EventsDenied)
}

func TestFilterManagerMissingFile(t *testing.T) {
	fm := NewFilterManager("test", zaptest.NewLogger(t))
	require.NoError(t, fm.LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml")))
	assert.True(t, fm.ShouldAllow(record(probe.KindExit, 1, 0, "init")))
}

func TestFilterManagerInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filters.yaml")
	writeFilterFile(t, path, "allow: [: nope")

	fm := NewFilterManager("test", zaptest.NewLogger(t))
	assert.Error(t, fm.LoadFromFile(path))
}

func TestFilterCompiler(t *testing.T) {
	fc := NewFilterCompiler(zaptest.NewLogger(t))

	kill := record(probe.KindKill, 100, 1000, "kill")
	kill.KillTarget = 4242

	tests := []struct {
		name    string
		rule    FilterRule
		match   probe.Record
		miss    probe.Record
		wantErr bool
	}{
		{
			name:  "comm glob",
			rule:  FilterRule{Name: "shells", Type: "comm", Condition: FilterCondition{Comms: []string{"ba*", "zsh"}}},
			match: record(probe.KindExec, 1, 0, "bash"),
			miss:  record(probe.KindExec, 1, 0, "python3"),
		},
		{
			name:  "regex",
			rule:  FilterRule{Name: "workers", Type: "regex", Condition: FilterCondition{Pattern: `^kworker/\d+`}},
			match: record(probe.KindExit, 1, 0, "kworker/3"),
			miss:  record(probe.KindExit, 1, 0, "worker"),
		},
		{
			name:  "pid",
			rule:  FilterRule{Name: "pid", Type: "pid", Condition: FilterCondition{PIDs: []uint32{100}}},
			match: record(probe.KindExec, 100, 0, "x"),
			miss:  record(probe.KindExec, 101, 0, "x"),
		},
		{
			name:  "kill target ignores other kinds",
			rule:  FilterRule{Name: "target", Type: "kill_target", Condition: FilterCondition{KillTargets: []uint32{4242}}},
			match: kill,
			miss:  record(probe.KindExec, 4242, 0, "x"),
		},
		{name: "unknown type", rule: FilterRule{Name: "x", Type: "namespace"}, wantErr: true},
		{name: "empty kinds", rule: FilterRule{Name: "x", Type: "kind"}, wantErr: true},
		{name: "bad regex", rule: FilterRule{Name: "x", Type: "regex", Condition: FilterCondition{Pattern: "("}}, wantErr: true},
		{name: "bad glob", rule: FilterRule{Name: "x", Type: "comm", Condition: FilterCondition{Comms: []string{"["}}}, wantErr: true},
		{name: "no uids", rule: FilterRule{Name: "x", Type: "uid"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter, err := fc.CompileRule(&tt.rule)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, filter(tt.match))
			assert.False(t, filter(tt.miss))
		})
	}

	_, err := fc.CompileRule(nil)
	assert.Error(t, err)
}

func TestFilterManagerRuntimeFilters(t *testing.T) {
	fm := NewFilterManager("test", zaptest.NewLogger(t))
	rec := record(probe.KindExec, 7, 0, "sshd")

	fm.AddDenyFilter("sshd", func(r probe.Record) bool { return r.Command() == "sshd" })
	assert.False(t, fm.ShouldAllow(rec))

	fm.RemoveFilter("sshd")
	assert.True(t, fm.ShouldAllow(rec))

	fm.AddAllowFilter("pid-1", func(r probe.Record) bool { return r.PID == 1 })
	assert.False(t, fm.ShouldAllow(rec))

	assert.Equal(t, int64(3), fm.GetStatistics().Version)
}

func TestFilterManagerWatchReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filters.yaml")
	writeFilterFile(t, path, "version: \"1\"\n")

	fm := NewFilterManager("test", zaptest.NewLogger(t))
	require.NoError(t, fm.WatchConfigFile(path))
	defer fm.Stop()

	rec := record(probe.KindExit, 5, 0, "cron")
	require.True(t, fm.ShouldAllow(rec))

	writeFilterFile(t, path, `
version: "2"
deny:
  - name: exits
    type: kind
    condition:
      kinds: [exit]
`)

	assert.Eventually(t, func() bool {
		return !fm.ShouldAllow(rec)
	}, 5*time.Second, 50*time.Millisecond)
}

func TestFilteredConsumer(t *testing.T) {
	fm := NewFilterManager("test", zaptest.NewLogger(t))
	fm.AddAllowFilter("kills", func(r probe.Record) bool { return r.Kind == probe.KindKill })

	inner := &countingConsumer{name: "counting"}
	fc := NewFilteredConsumer(inner, fm)

	assert.Equal(t, "counting", fc.Name())
	assert.True(t, fc.ShouldConsume(record(probe.KindKill, 1, 0, "kill")))
	assert.False(t, fc.ShouldConsume(record(probe.KindExec, 1, 0, "ls")))

	require.NoError(t, fc.ConsumeRecord(context.Background(), record(probe.KindKill, 1, 0, "kill")))
	assert.Equal(t, 1, inner.count())
}
