package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/relaysync/internal/config"
	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/remote"
	"github.com/roach88/relaysync/internal/remote/memstore"
	"github.com/roach88/relaysync/internal/setup"
	"github.com/roach88/relaysync/internal/store"
)

func testConfig(t *testing.T, deviceID string) *config.Config {
	t.Helper()
	t.Setenv("RELAYSYNC_DB_PATH", filepath.Join(t.TempDir(), deviceID+".db"))
	t.Setenv("RELAYSYNC_DEVICE_ID", deviceID)
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func openDB(t *testing.T, cfg *config.Config) *store.Store {
	t.Helper()
	db, err := store.Open(cfg.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func runRunCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRunInvalidConfig(t *testing.T) {
	t.Setenv("RELAYSYNC_REMOTE", "carrier-pigeon")

	out, err := runRunCmd(t)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E101]")
}

func TestRunWithoutTeam(t *testing.T) {
	testConfig(t, "lonely")

	out, err := runRunCmd(t)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E104]")
	assert.Contains(t, err.Error(), "--race")
}

func TestRunInvalidRaceFile(t *testing.T) {
	testConfig(t, "captain")

	out, err := runRunCmd(t, "--race", badVanRace)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Race file invalid")
}

func TestRunJoinAndRaceExclusive(t *testing.T) {
	testConfig(t, "captain")

	_, err := runRunCmd(t, "--race", cascadeRace, "--join", "ABC123")
	require.Error(t, err)
}

func TestDeviceID(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "")
	db := openDB(t, cfg)

	generated, err := deviceID(ctx, cfg, db)
	require.NoError(t, err)
	assert.Len(t, generated, 36)

	require.NoError(t, db.SaveIdentity(ctx, store.Identity{TeamID: "team-1", DeviceID: "phone-7"}))
	stored, err := deviceID(ctx, cfg, db)
	require.NoError(t, err)
	assert.Equal(t, "phone-7", stored)

	cfg.DeviceID = "configured"
	configured, err := deviceID(ctx, cfg, db)
	require.NoError(t, err)
	assert.Equal(t, "configured", configured)
}

func TestResolveIdentityFromConfig(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "phone-1")
	cfg.TeamID = "team-9"
	cfg.Role = remote.RoleMember
	db := openDB(t, cfg)

	id, err := resolveIdentity(ctx, cfg, db, nil, &RunOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "team-9", id.TeamID)
	assert.Equal(t, "phone-1", id.DeviceID)
	assert.Equal(t, remote.RoleMember, id.Role)
}

func TestCaptainAndMemberShareRace(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	server := memstore.NewServer(memstore.WithLogger(logger))
	r, err := setup.LoadFile(cascadeRace)
	require.NoError(t, err)

	capCfg := testConfig(t, "captain")
	capDB := openDB(t, capCfg)
	capLink := server.Link("captain")

	capID, err := resolveIdentity(ctx, capCfg, capDB, capLink,
		&RunOptions{RaceFile: cascadeRace, TeamName: "Road Warriors"}, r)
	require.NoError(t, err)
	assert.Equal(t, remote.RoleCaptain, capID.Role)
	assert.Equal(t, "Road Warriors", capID.TeamName)
	assert.Equal(t, r.Start, capID.StartTime)
	require.NotEmpty(t, capID.JoinCode)

	capSess, err := newSession(ctx, capCfg, capDB, capLink, capID, logger)
	require.NoError(t, err)
	require.NoError(t, capSess.load(ctx, capID, r))
	assert.Len(t, capSess.state.Get().Legs, 6)
	assert.Len(t, server.Records(race.TableLegs), 6)
	assert.Len(t, server.Records(race.TableRunners), 3)

	memCfg := testConfig(t, "member")
	memDB := openDB(t, memCfg)
	memLink := server.Link("member")

	memID, err := resolveIdentity(ctx, memCfg, memDB, memLink,
		&RunOptions{Join: strings.ToLower(capID.JoinCode)}, nil)
	require.NoError(t, err)
	assert.Equal(t, capID.TeamID, memID.TeamID)
	assert.Equal(t, remote.RoleMember, memID.Role)

	stored, err := memDB.LoadIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, memID, stored)

	memSess, err := newSession(ctx, memCfg, memDB, memLink, memID, logger)
	require.NoError(t, err)
	require.NoError(t, memSess.load(ctx, memID, nil))

	snap := memSess.state.Get()
	require.Len(t, snap.Legs, 6)
	assert.Equal(t, r.Start, snap.StartTime)
	leg, ok := snap.Leg(1)
	require.True(t, ok)
	assert.NotEmpty(t, leg.RemoteID)
	assert.Equal(t, "Ana", runnerNames(memSess.state)(1))
	assert.Equal(t, "", runnerNames(memSess.state)(99))
}

func TestJoinUnknownCode(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "member")
	db := openDB(t, cfg)
	link := memstore.NewServer().Link("member")

	_, err := resolveIdentity(ctx, cfg, db, link, &RunOptions{Join: "NOPE42"}, nil)
	require.ErrorIs(t, err, remote.ErrNotFound)

	_, err = db.LoadIdentity(ctx)
	assert.ErrorIs(t, err, store.ErrNoIdentity)
}

func TestSessionRunSavesSnapshot(t *testing.T) {
	logger := zaptest.NewLogger(t)
	r, err := setup.LoadFile(cascadeRace)
	require.NoError(t, err)

	cfg := testConfig(t, "captain")
	db := openDB(t, cfg)
	link := memstore.NewServer().Link("captain")

	ctx := context.Background()
	id, err := resolveIdentity(ctx, cfg, db, link, &RunOptions{RaceFile: cascadeRace}, r)
	require.NoError(t, err)
	assert.Equal(t, "Cascade Relay", id.TeamName)

	sess, err := newSession(ctx, cfg, db, link, id, logger)
	require.NoError(t, err)
	require.NoError(t, sess.load(ctx, id, r))

	stopped, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, sess.run(stopped, "127.0.0.1:0"))

	snap, ok, err := db.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, snap.Legs, 6)

	restored, err := newSession(ctx, cfg, db, link, id, logger)
	require.NoError(t, err)
	assert.True(t, restored.restored)
	require.NoError(t, restored.load(ctx, id, nil))
	assert.Len(t, restored.state.Get().Legs, 6)
}

func captainSession(t *testing.T) (*session, *config.Config, store.Identity) {
	t.Helper()
	r, err := setup.LoadFile(cascadeRace)
	require.NoError(t, err)
	cfg := testConfig(t, "captain")
	db := openDB(t, cfg)
	link := memstore.NewServer().Link("captain")

	ctx := context.Background()
	id, err := resolveIdentity(ctx, cfg, db, link, &RunOptions{RaceFile: cascadeRace}, r)
	require.NoError(t, err)
	sess, err := newSession(ctx, cfg, db, link, id, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, sess.load(ctx, id, r))
	return sess, cfg, id
}

func TestSessionCachesSnapshotWhileRunning(t *testing.T) {
	sess, _, _ := captainSession(t)
	db := sess.db
	sess.saveEvery = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.saveSnapshots(ctx) }()

	assert.Eventually(t, func() bool {
		snap, ok, err := db.LoadSnapshot(context.Background())
		return err == nil && ok && len(snap.Legs) == 6
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSessionRestoresOutOfOrderSnapshot(t *testing.T) {
	sess, cfg, id := captainSession(t)
	db := sess.db
	ctx := context.Background()

	snap := sess.state.Get()
	snap.Legs[0].ActualStart = race.TimePtr(snap.StartTime)
	snap.Legs[0].ActualFinish = race.TimePtr(snap.StartTime.Add(50 * time.Minute))
	snap.Legs[1].ActualStart = race.TimePtr(snap.StartTime.Add(40 * time.Minute))
	require.NoError(t, db.SaveSnapshot(ctx, snap, race.NowMillis(race.SystemClock{})))

	restored, err := newSession(ctx, cfg, db, sess.remote, id, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.True(t, restored.restored)

	leg2, ok := restored.state.Leg(2)
	require.True(t, ok)
	assert.Equal(t, snap.StartTime.Add(40*time.Minute), *leg2.ActualStart)
}
