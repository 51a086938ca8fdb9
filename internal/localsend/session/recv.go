package session

import (
	"sort"
	"time"

	"github.com/sonhoai27/localsend/internal/models"
)

type Status int

const (
	StatusWaiting Status = iota
	StatusFinished
	StatusCanceledBySender
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusFinished:
		return "finished"
	case StatusCanceledBySender:
		return "canceledBySender"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusCanceledBySender
}

// ReceivingFile is one proposed file. Token stays empty unless the operator
// accepted the file; Path is set once the upload starts writing.
type ReceivingFile struct {
	Meta  models.FileMeta
	Token string
	Path  string
}

// Accepted reports whether the file may be uploaded.
func (f ReceivingFile) Accepted() bool {
	return f.Token != ""
}

type RecvSession struct {
	ID       string
	Sender   models.SenderInfo
	SenderIP string
	Status   Status

	files   map[string]*ReceivingFile
	gate    *Gate
	endedAt time.Time
}

func newRecvSession(id string, sender models.SenderInfo, ip string, metas models.FileMetas) *RecvSession {
	files := make(map[string]*ReceivingFile, len(metas))
	for fileId, meta := range metas {
		files[fileId] = &ReceivingFile{Meta: meta}
	}

	return &RecvSession{
		ID:       id,
		Sender:   sender,
		SenderIP: ip,
		Status:   StatusWaiting,
		files:    files,
		gate:     NewGate(),
	}
}

func (sess *RecvSession) setStatus(status Status) {
	if sess.Status.Terminal() {
		return
	}
	sess.Status = status
	if status.Terminal() {
		sess.endedAt = time.Now()
	}
}

// resolveGate settles an outstanding gate and detaches it.
func (sess *RecvSession) resolveGate(d Decision) {
	if sess.gate == nil {
		return
	}
	sess.gate.Resolve(d)
	sess.gate = nil
}

func (sess *RecvSession) sortedFiles() []ReceivingFile {
	res := make([]ReceivingFile, 0, len(sess.files))
	for _, f := range sess.files {
		res = append(res, *f)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Meta.Filename == res[j].Meta.Filename {
			return res[i].Meta.Id < res[j].Meta.Id
		}
		return res[i].Meta.Filename < res[j].Meta.Filename
	})

	return res
}

// Proposal is what the presentation layer sees of a pending session.
type Proposal struct {
	SessionID string
	Sender    models.SenderInfo
	SenderIP  string
	Files     []models.FileMeta
}

// TotalSize sums the declared sizes of every proposed file.
func (p Proposal) TotalSize() int64 {
	var total int64
	for _, f := range p.Files {
		total += f.Size
	}
	return total
}

func (sess *RecvSession) proposal() Proposal {
	files := sess.sortedFiles()
	metas := make([]models.FileMeta, len(files))
	for i := range files {
		metas[i] = files[i].Meta
	}

	return Proposal{
		SessionID: sess.ID,
		Sender:    sess.Sender,
		SenderIP:  sess.SenderIP,
		Files:     metas,
	}
}

// Info is a point-in-time copy of the session for observers.
type Info struct {
	ID       string
	Sender   models.SenderInfo
	SenderIP string
	Status   Status
	Pending  bool // still waiting for a decision
	Files    []ReceivingFile
}

func (sess *RecvSession) info() Info {
	return Info{
		ID:       sess.ID,
		Sender:   sess.Sender,
		SenderIP: sess.SenderIP,
		Status:   sess.Status,
		Pending:  sess.gate != nil,
		Files:    sess.sortedFiles(),
	}
}
