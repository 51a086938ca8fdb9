package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sonhoai27/localsend/internal/localsend/constants"
	lserrors "github.com/sonhoai27/localsend/internal/localsend/errors"
	"github.com/sonhoai27/localsend/internal/localsend/progress"
	"github.com/sonhoai27/localsend/internal/models"
)

// RecvSessManager owns the single receive session. Every read-modify-write
// of the session goes through mu; nothing blocks while holding it.
type RecvSessManager struct {
	mu      sync.Mutex
	session *RecvSession
	tracker *progress.Tracker
}

func NewRecvSessManager(tracker *progress.Tracker) *RecvSessManager {
	if tracker == nil {
		tracker = progress.NewTracker()
	}
	return &RecvSessManager{
		tracker: tracker,
	}
}

func (rsm *RecvSessManager) Tracker() *progress.Tracker {
	return rsm.tracker
}

// NewSession registers a proposal and returns the gate its request waits on.
// A session that is still waiting blocks new ones; a terminal one is replaced.
func (rsm *RecvSessManager) NewSession(sender models.SenderInfo, ip string, files models.FileMetas) (Proposal, *Gate, error) {
	metas, err := validateFiles(files)
	if err != nil {
		return Proposal{}, nil, err
	}

	rsm.mu.Lock()
	defer rsm.mu.Unlock()

	if rsm.session != nil && !rsm.session.Status.Terminal() {
		return Proposal{}, nil, lserrors.ErrBlockedByOthers
	}

	sender.DeviceType = constants.NormalizeDeviceType(sender.DeviceType)

	sess := newRecvSession(uuid.NewString(), sender, ip, metas)
	rsm.session = sess
	rsm.tracker.Reset()

	slog.Debug("New session", "session", sess.ID, "remote", ip, "files", len(metas))

	return sess.proposal(), sess.gate, nil
}

func validateFiles(files models.FileMetas) (models.FileMetas, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no files", lserrors.ErrInvalidBody)
	}

	res := make(models.FileMetas, len(files))
	for fileId, meta := range files {
		if meta.Id == "" {
			meta.Id = fileId
		}
		// unlikely, but check it anyway
		if fileId == "" || fileId != meta.Id {
			return nil, fmt.Errorf("%w: file id %q does not match key %q", lserrors.ErrInvalidBody, meta.Id, fileId)
		}
		if meta.Size < 0 {
			return nil, fmt.Errorf("%w: file %q", lserrors.ErrInvalidBody, fileId)
		}
		if _, err := CleanFileName(meta.Filename); err != nil {
			return nil, err
		}
		res[fileId] = meta
	}

	return res, nil
}

// pendingLocked returns the session still waiting for a decision. An empty
// sessionId matches whatever session is current.
func (rsm *RecvSessManager) pendingLocked(sessionId string) (*RecvSession, error) {
	sess := rsm.session
	if sess == nil || sess.gate == nil {
		return nil, lserrors.ErrNoPendingRequest
	}
	if sessionId != "" && sessionId != sess.ID {
		return nil, lserrors.ErrNoPendingRequest
	}
	return sess, nil
}

// Accept hands out a token to every listed file and wakes the proposal.
// Unknown ids are ignored. Accepting nothing finishes the session at once.
func (rsm *RecvSessManager) Accept(sessionId string, fileIds []string) (models.FileTokens, error) {
	rsm.mu.Lock()
	defer rsm.mu.Unlock()

	sess, err := rsm.pendingLocked(sessionId)
	if err != nil {
		return nil, err
	}

	used := make(map[string]struct{}, len(fileIds))
	tokens := make(models.FileTokens, len(fileIds))
	for _, fileId := range fileIds {
		file, ok := sess.files[fileId]
		if !ok || file.Token != "" {
			continue
		}

		token := newToken(used)
		used[token] = struct{}{}

		file.Token = token
		tokens[fileId] = token
	}

	if len(tokens) == 0 {
		sess.setStatus(StatusFinished)
	}

	sess.resolveGate(Decision{Accepted: true, Tokens: tokens})

	slog.Info("Accepted files", "session", sess.ID, "accepted", len(tokens), "proposed", len(sess.files))

	out := make(models.FileTokens, len(tokens))
	for k, v := range tokens {
		out[k] = v
	}
	return out, nil
}

func newToken(used map[string]struct{}) string {
	for {
		token := uuid.NewString()
		if _, dup := used[token]; !dup {
			return token
		}
	}
}

// Decline rejects the pending proposal and drops the session.
func (rsm *RecvSessManager) Decline(sessionId string) error {
	rsm.mu.Lock()
	defer rsm.mu.Unlock()

	sess, err := rsm.pendingLocked(sessionId)
	if err != nil {
		return err
	}

	sess.resolveGate(Decision{Accepted: false})
	rsm.session = nil

	slog.Info("Declined session", "session", sess.ID, "remote", sess.SenderIP)

	return nil
}

// Cancel marks the session as canceled when ip is its sender. sessionId is
// checked only when non-empty. It reports whether anything changed.
func (rsm *RecvSessManager) Cancel(ip string, sessionId string) bool {
	rsm.mu.Lock()
	defer rsm.mu.Unlock()

	sess := rsm.session
	if sess == nil || sess.SenderIP != ip {
		return false
	}
	if sessionId != "" && sessionId != sess.ID {
		return false
	}
	if sess.Status.Terminal() {
		return false
	}

	sess.setStatus(StatusCanceledBySender)
	sess.resolveGate(Decision{Accepted: false})

	slog.Info("Session canceled by sender", "session", sess.ID, "remote", ip)

	return true
}

// Close drops the session whatever its state.
func (rsm *RecvSessManager) Close() {
	rsm.mu.Lock()
	defer rsm.mu.Unlock()

	rsm.closeLocked()
}

func (rsm *RecvSessManager) closeLocked() {
	sess := rsm.session
	if sess == nil {
		return
	}

	sess.resolveGate(Decision{Accepted: false})
	rsm.session = nil

	slog.Debug("Session closed", "session", sess.ID, "status", sess.Status)
}

// UploadAuth carries what an upload request claims.
type UploadAuth struct {
	SessionID string // v2 only
	FileID    string
	Token     string
	IP        string
}

// Authorize checks an upload request against the session and returns a copy
// of the file it may write.
func (rsm *RecvSessManager) Authorize(auth UploadAuth) (string, ReceivingFile, error) {
	rsm.mu.Lock()
	defer rsm.mu.Unlock()

	sess := rsm.session
	if sess == nil {
		return "", ReceivingFile{}, lserrors.ErrNoSession
	}
	if sess.Status != StatusWaiting {
		return "", ReceivingFile{}, fmt.Errorf("%w: session is %s", lserrors.ErrRejected, sess.Status)
	}
	if sess.SenderIP != auth.IP {
		return "", ReceivingFile{}, lserrors.ErrAddressMismatch
	}
	if auth.SessionID != "" && auth.SessionID != sess.ID {
		return "", ReceivingFile{}, fmt.Errorf("%w: unknown session", lserrors.ErrRejected)
	}

	file, ok := sess.files[auth.FileID]
	if !ok {
		return "", ReceivingFile{}, lserrors.ErrNotFound
	}
	if !file.Accepted() || file.Token != auth.Token {
		return "", ReceivingFile{}, fmt.Errorf("%w: invalid token", lserrors.ErrRejected)
	}

	return sess.ID, *file, nil
}

// SetPath records where fileId is being written.
func (rsm *RecvSessManager) SetPath(sessionId string, fileId string, path string) {
	rsm.mu.Lock()
	defer rsm.mu.Unlock()

	sess := rsm.session
	if sess == nil || sess.ID != sessionId {
		return
	}
	if file, ok := sess.files[fileId]; ok {
		file.Path = path
	}
}

// Progress returns the sink uploads of sessionId report to. Once another
// session replaces sessionId its writes are dropped and it reads 0.
func (rsm *RecvSessManager) Progress(sessionId string) ProgressSink {
	return &sessionProgress{rsm: rsm, sessionId: sessionId}
}

type sessionProgress struct {
	rsm       *RecvSessManager
	sessionId string
}

func (sp *sessionProgress) current() bool {
	sess := sp.rsm.session
	return sess != nil && sess.ID == sp.sessionId
}

func (sp *sessionProgress) Get(fileId string) float64 {
	sp.rsm.mu.Lock()
	defer sp.rsm.mu.Unlock()

	if !sp.current() {
		return 0
	}
	return sp.rsm.tracker.Get(fileId)
}

func (sp *sessionProgress) Set(fileId string, fraction float64) {
	sp.rsm.mu.Lock()
	defer sp.rsm.mu.Unlock()

	if !sp.current() {
		return
	}
	sp.rsm.tracker.Set(fileId, fraction)
}

// MarkFinishedIfComplete finishes a waiting session once every accepted file
// reports full progress. Files never accepted are not expected.
func (rsm *RecvSessManager) MarkFinishedIfComplete(sessionId string) bool {
	rsm.mu.Lock()
	defer rsm.mu.Unlock()

	sess := rsm.session
	if sess == nil || sess.ID != sessionId || sess.Status != StatusWaiting {
		return false
	}

	for fileId, file := range sess.files {
		if !file.Accepted() {
			continue
		}
		if !rsm.tracker.Done(fileId) {
			return false
		}
	}

	sess.setStatus(StatusFinished)
	slog.Info("Session done", "session", sess.ID)

	return true
}

// Current returns a copy of the session, if any.
func (rsm *RecvSessManager) Current() (Info, bool) {
	rsm.mu.Lock()
	defer rsm.mu.Unlock()

	if rsm.session == nil {
		return Info{}, false
	}
	return rsm.session.info(), true
}

// Vacuum drops a session that has been terminal for longer than grace.
func (rsm *RecvSessManager) Vacuum(grace time.Duration) bool {
	rsm.mu.Lock()
	defer rsm.mu.Unlock()

	sess := rsm.session
	if sess == nil || !sess.Status.Terminal() {
		return false
	}
	if time.Since(sess.endedAt) < grace {
		return false
	}

	slog.Debug("Remove finished session", "remote", sess.SenderIP, "session", sess.ID, "status", sess.Status)
	rsm.closeLocked()

	return true
}
