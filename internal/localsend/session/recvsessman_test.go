package session

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/sonhoai27/localsend/internal/localsend/constants"
	lserrors "github.com/sonhoai27/localsend/internal/localsend/errors"
	"github.com/sonhoai27/localsend/internal/localsend/progress"
	"github.com/sonhoai27/localsend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	senderIP = "192.168.1.20"
	otherIP  = "192.168.1.99"
)

func testSender() models.SenderInfo {
	return models.SenderInfo{DeviceInfo: models.NewDeviceInfo("Nice Orange", "")}
}

func testFiles() models.FileMetas {
	return models.FileMetas{
		"f1": {Id: "f1", Filename: "a.txt", Size: 1000, FileMIME: "text/plain"},
		"f2": {Id: "f2", Filename: "b.txt", Size: 2000, FileMIME: "text/plain"},
	}
}

func newTestManager(t *testing.T) *RecvSessManager {
	t.Helper()
	return NewRecvSessManager(progress.NewTracker())
}

func TestNewSessionConflict(t *testing.T) {
	rsm := newTestManager(t)

	proposal, gate, err := rsm.NewSession(testSender(), senderIP, testFiles())
	require.NoError(t, err)
	require.NotNil(t, gate)
	assert.Len(t, proposal.Files, 2)
	assert.Equal(t, int64(3000), proposal.TotalSize())

	_, _, err = rsm.NewSession(testSender(), otherIP, testFiles())
	assert.ErrorIs(t, err, lserrors.ErrBlockedByOthers)

	info, ok := rsm.Current()
	require.True(t, ok)
	assert.Equal(t, StatusWaiting, info.Status)
	assert.True(t, info.Pending)
	for _, f := range info.Files {
		assert.Empty(t, f.Token, "no token before acceptance")
	}
}

func TestNewSessionReplacesTerminal(t *testing.T) {
	rsm := newTestManager(t)

	_, _, err := rsm.NewSession(testSender(), senderIP, testFiles())
	require.NoError(t, err)
	require.True(t, rsm.Cancel(senderIP, ""))

	_, _, err = rsm.NewSession(testSender(), otherIP, testFiles())
	require.NoError(t, err)

	info, ok := rsm.Current()
	require.True(t, ok)
	assert.Equal(t, otherIP, info.SenderIP)
	assert.Equal(t, StatusWaiting, info.Status)
}

func TestNewSessionValidation(t *testing.T) {
	tests := []struct {
		name  string
		files models.FileMetas
	}{
		{"empty", models.FileMetas{}},
		{"id mismatch", models.FileMetas{"f1": {Id: "other", Filename: "a.txt"}}},
		{"negative size", models.FileMetas{"f1": {Id: "f1", Filename: "a.txt", Size: -1}}},
		{"no name", models.FileMetas{"f1": {Id: "f1"}}},
		{"traversal", models.FileMetas{"f1": {Id: "f1", Filename: "../../etc/passwd"}}},
		{"absolute", models.FileMetas{"f1": {Id: "f1", Filename: "/etc/passwd"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rsm := newTestManager(t)
			_, _, err := rsm.NewSession(testSender(), senderIP, tt.files)
			assert.ErrorIs(t, err, lserrors.ErrInvalidBody)

			_, ok := rsm.Current()
			assert.False(t, ok)
		})
	}
}

func TestAcceptIssuesTokensForAcceptedFilesOnly(t *testing.T) {
	rsm := newTestManager(t)

	_, gate, err := rsm.NewSession(testSender(), senderIP, testFiles())
	require.NoError(t, err)

	tokens, err := rsm.Accept("", []string{"f1", "unknown"})
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.NotEmpty(t, tokens["f1"])

	decision, err := gate.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, decision.Accepted)
	assert.Equal(t, tokens, decision.Tokens)

	info, _ := rsm.Current()
	assert.False(t, info.Pending)
	for _, f := range info.Files {
		switch f.Meta.Id {
		case "f1":
			assert.Equal(t, tokens["f1"], f.Token)
		case "f2":
			assert.Empty(t, f.Token)
		}
	}

	// the gate is gone, a second decision changes nothing
	_, err = rsm.Accept("", []string{"f2"})
	assert.ErrorIs(t, err, lserrors.ErrNoPendingRequest)
	assert.ErrorIs(t, rsm.Decline(""), lserrors.ErrNoPendingRequest)

	info, _ = rsm.Current()
	for _, f := range info.Files {
		if f.Meta.Id == "f1" {
			assert.Equal(t, tokens["f1"], f.Token, "token must never be regenerated")
		}
	}
}

func TestAcceptTokensAreUnique(t *testing.T) {
	rsm := newTestManager(t)

	files := make(models.FileMetas)
	ids := make([]string, 0, 64)
	for i := 0; i < 64; i++ {
		id := string(rune('A'+i%26)) + string(rune('a'+i/26))
		files[id] = models.FileMeta{Id: id, Filename: id + ".bin", Size: 1}
		ids = append(ids, id)
	}

	_, _, err := rsm.NewSession(testSender(), senderIP, files)
	require.NoError(t, err)

	tokens, err := rsm.Accept("", ids)
	require.NoError(t, err)
	require.Len(t, tokens, len(ids))

	seen := make(map[string]bool)
	for _, tok := range tokens {
		assert.False(t, seen[tok], "duplicate token %s", tok)
		seen[tok] = true
	}
}

func TestAcceptNothingFinishes(t *testing.T) {
	rsm := newTestManager(t)

	_, _, err := rsm.NewSession(testSender(), senderIP, testFiles())
	require.NoError(t, err)

	tokens, err := rsm.Accept("", nil)
	require.NoError(t, err)
	assert.Empty(t, tokens)

	info, _ := rsm.Current()
	assert.Equal(t, StatusFinished, info.Status)
}

func TestDeclineDiscardsSession(t *testing.T) {
	rsm := newTestManager(t)

	_, gate, err := rsm.NewSession(testSender(), senderIP, testFiles())
	require.NoError(t, err)

	require.NoError(t, rsm.Decline(""))

	decision, err := gate.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, decision.Accepted)

	_, ok := rsm.Current()
	assert.False(t, ok)

	// no lingering conflict
	_, _, err = rsm.NewSession(testSender(), otherIP, testFiles())
	assert.NoError(t, err)
}

func TestDecisionForStaleSession(t *testing.T) {
	rsm := newTestManager(t)

	first, _, err := rsm.NewSession(testSender(), senderIP, testFiles())
	require.NoError(t, err)
	require.NoError(t, rsm.Decline(first.SessionID))

	second, gate, err := rsm.NewSession(testSender(), otherIP, testFiles())
	require.NoError(t, err)

	// a late answer to the first prompt must not touch the second session
	_, err = rsm.Accept(first.SessionID, []string{"f1"})
	assert.ErrorIs(t, err, lserrors.ErrNoPendingRequest)
	assert.ErrorIs(t, rsm.Decline(first.SessionID), lserrors.ErrNoPendingRequest)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = gate.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "second gate resolved by a stale decision")

	tokens, err := rsm.Accept(second.SessionID, []string{"f2"})
	require.NoError(t, err)
	assert.Contains(t, tokens, "f2")
}

func TestCancelBySender(t *testing.T) {
	rsm := newTestManager(t)

	_, gate, err := rsm.NewSession(testSender(), senderIP, testFiles())
	require.NoError(t, err)

	assert.False(t, rsm.Cancel(otherIP, ""))
	info, _ := rsm.Current()
	assert.Equal(t, StatusWaiting, info.Status)

	assert.False(t, rsm.Cancel(senderIP, "wrong-session"))

	assert.True(t, rsm.Cancel(senderIP, ""))
	info, _ = rsm.Current()
	assert.Equal(t, StatusCanceledBySender, info.Status)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	decision, err := gate.Wait(ctx)
	require.NoError(t, err, "cancel must resolve an outstanding gate")
	assert.False(t, decision.Accepted)

	// terminal states never go back
	assert.False(t, rsm.Cancel(senderIP, ""))
	assert.False(t, rsm.MarkFinishedIfComplete(info.ID))
	info, _ = rsm.Current()
	assert.Equal(t, StatusCanceledBySender, info.Status)
}

func TestCancelWithoutSession(t *testing.T) {
	rsm := newTestManager(t)
	assert.False(t, rsm.Cancel(senderIP, ""))
}

func TestCloseResolvesGate(t *testing.T) {
	rsm := newTestManager(t)

	_, gate, err := rsm.NewSession(testSender(), senderIP, testFiles())
	require.NoError(t, err)

	rsm.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	decision, err := gate.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, decision.Accepted)

	_, ok := rsm.Current()
	assert.False(t, ok)
}

func TestAuthorize(t *testing.T) {
	rsm := newTestManager(t)

	_, _, err := rsm.Authorize(UploadAuth{FileID: "f1", Token: "x", IP: senderIP})
	assert.ErrorIs(t, err, lserrors.ErrNoSession)

	_, _, err = rsm.NewSession(testSender(), senderIP, testFiles())
	require.NoError(t, err)

	// nothing is uploadable before acceptance
	_, _, err = rsm.Authorize(UploadAuth{FileID: "f1", Token: "", IP: senderIP})
	assert.ErrorIs(t, err, lserrors.ErrRejected)

	tokens, err := rsm.Accept("", []string{"f1"})
	require.NoError(t, err)
	info, _ := rsm.Current()

	tests := []struct {
		name string
		auth UploadAuth
		err  error
	}{
		{"ok", UploadAuth{FileID: "f1", Token: tokens["f1"], IP: senderIP}, nil},
		{"ok with session", UploadAuth{SessionID: info.ID, FileID: "f1", Token: tokens["f1"], IP: senderIP}, nil},
		{"wrong session", UploadAuth{SessionID: "nope", FileID: "f1", Token: tokens["f1"], IP: senderIP}, lserrors.ErrRejected},
		{"wrong address", UploadAuth{FileID: "f1", Token: tokens["f1"], IP: otherIP}, lserrors.ErrAddressMismatch},
		{"unknown file", UploadAuth{FileID: "f3", Token: tokens["f1"], IP: senderIP}, lserrors.ErrNotFound},
		{"wrong token", UploadAuth{FileID: "f1", Token: "forged", IP: senderIP}, lserrors.ErrRejected},
		{"declined file with accepted token", UploadAuth{FileID: "f2", Token: tokens["f1"], IP: senderIP}, lserrors.ErrRejected},
		{"declined file without token", UploadAuth{FileID: "f2", Token: "", IP: senderIP}, lserrors.ErrRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessionId, file, err := rsm.Authorize(tt.auth)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, info.ID, sessionId)
			assert.Equal(t, "a.txt", file.Meta.Filename)
		})
	}
}

func TestMarkFinishedIfComplete(t *testing.T) {
	rsm := newTestManager(t)
	tracker := rsm.Tracker()

	files := testFiles()
	files["f3"] = models.FileMeta{Id: "f3", Filename: "c.txt", Size: 10}

	_, _, err := rsm.NewSession(testSender(), senderIP, files)
	require.NoError(t, err)
	_, err = rsm.Accept("", []string{"f1", "f3"})
	require.NoError(t, err)
	info, _ := rsm.Current()

	tracker.Set("f1", 1)
	tracker.Set("f3", 0.5)
	assert.False(t, rsm.MarkFinishedIfComplete(info.ID))
	info, _ = rsm.Current()
	assert.Equal(t, StatusWaiting, info.Status)

	assert.False(t, rsm.MarkFinishedIfComplete("another-session"))

	// f2 was never accepted and is not waited for
	tracker.Set("f3", 1)
	assert.True(t, rsm.MarkFinishedIfComplete(info.ID))
	info, _ = rsm.Current()
	assert.Equal(t, StatusFinished, info.Status)

	_, _, err = rsm.Authorize(UploadAuth{FileID: "f1", Token: info.Files[0].Token, IP: senderIP})
	assert.ErrorIs(t, err, lserrors.ErrRejected)
}

func TestSetPath(t *testing.T) {
	rsm := newTestManager(t)

	_, _, err := rsm.NewSession(testSender(), senderIP, testFiles())
	require.NoError(t, err)
	info, _ := rsm.Current()

	rsm.SetPath("stale", "f1", "/tmp/ignored")
	rsm.SetPath(info.ID, "f1", "/tmp/a.txt")

	info, _ = rsm.Current()
	for _, f := range info.Files {
		if f.Meta.Id == "f1" {
			assert.Equal(t, "/tmp/a.txt", f.Path)
		} else {
			assert.Empty(t, f.Path)
		}
	}
}

func TestVacuum(t *testing.T) {
	rsm := newTestManager(t)

	assert.False(t, rsm.Vacuum(0))

	_, _, err := rsm.NewSession(testSender(), senderIP, testFiles())
	require.NoError(t, err)
	assert.False(t, rsm.Vacuum(0), "waiting sessions are kept")

	require.True(t, rsm.Cancel(senderIP, ""))
	assert.False(t, rsm.Vacuum(time.Hour))
	assert.True(t, rsm.Vacuum(0))

	_, ok := rsm.Current()
	assert.False(t, ok)
}

func TestNewSessionNormalizesDeviceType(t *testing.T) {
	rsm := newTestManager(t)

	sender := testSender()
	sender.DeviceType = "toaster"
	proposal, _, err := rsm.NewSession(sender, senderIP, testFiles())
	require.NoError(t, err)
	assert.Equal(t, constants.DeviceTypeDesktop, proposal.Sender.DeviceType)

	info, _ := rsm.Current()
	assert.Equal(t, constants.DeviceTypeDesktop, info.Sender.DeviceType)
}

func TestProgressOfReplacedSessionIsDropped(t *testing.T) {
	rsm := newTestManager(t)

	first, _, err := rsm.NewSession(testSender(), senderIP, testFiles())
	require.NoError(t, err)
	_, err = rsm.Accept(first.SessionID, []string{"f1"})
	require.NoError(t, err)
	stale := rsm.Progress(first.SessionID)
	stale.Set("f1", 0.5)
	assert.Equal(t, 0.5, stale.Get("f1"))

	require.True(t, rsm.Cancel(senderIP, first.SessionID))

	second, _, err := rsm.NewSession(testSender(), otherIP, testFiles())
	require.NoError(t, err)
	_, err = rsm.Accept(second.SessionID, []string{"f1", "f2"})
	require.NoError(t, err)

	// the upload of the canceled session completes after the new one started
	stale.Set("f1", 1)
	assert.Zero(t, stale.Get("f1"))
	assert.Zero(t, rsm.Tracker().Get("f1"))

	rsm.Progress(second.SessionID).Set("f2", 1)
	assert.False(t, rsm.MarkFinishedIfComplete(second.SessionID), "f1 of the new session was never uploaded")

	rsm.Progress(second.SessionID).Set("f1", 1)
	assert.True(t, rsm.MarkFinishedIfComplete(second.SessionID))
}

func TestStaleUploadDoesNotFinishNewSession(t *testing.T) {
	rsm := newTestManager(t)
	dir := t.TempDir()

	first, _, err := rsm.NewSession(testSender(), senderIP, testFiles())
	require.NoError(t, err)
	tokens, err := rsm.Accept(first.SessionID, []string{"f1"})
	require.NoError(t, err)
	_, file, err := rsm.Authorize(UploadAuth{SessionID: first.SessionID, FileID: "f1", Token: tokens["f1"], IP: senderIP})
	require.NoError(t, err)

	require.True(t, rsm.Cancel(senderIP, ""))
	second, _, err := rsm.NewSession(testSender(), otherIP, testFiles())
	require.NoError(t, err)
	tokens, err = rsm.Accept(second.SessionID, []string{"f1", "f2"})
	require.NoError(t, err)

	_, err = ReceiveFile(dir, file, bytes.NewReader(make([]byte, 1000)), rsm.Progress(first.SessionID), nil)
	require.NoError(t, err)

	_, f2, err := rsm.Authorize(UploadAuth{SessionID: second.SessionID, FileID: "f2", Token: tokens["f2"], IP: otherIP})
	require.NoError(t, err)
	_, err = ReceiveFile(dir, f2, bytes.NewReader(make([]byte, 2000)), rsm.Progress(second.SessionID), nil)
	require.NoError(t, err)

	assert.False(t, rsm.MarkFinishedIfComplete(second.SessionID))
	info, _ := rsm.Current()
	assert.Equal(t, StatusWaiting, info.Status)
}
