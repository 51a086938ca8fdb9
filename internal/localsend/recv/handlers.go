package recv

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberutils "github.com/gofiber/fiber/v2/utils"
	"github.com/sonhoai27/localsend/internal/history"
	lserrors "github.com/sonhoai27/localsend/internal/localsend/errors"
	"github.com/sonhoai27/localsend/internal/localsend/session"
	"github.com/sonhoai27/localsend/internal/models"
	"github.com/valyala/fasthttp"
)

type apiVersion int

const (
	v1 apiVersion = 1
	v2 apiVersion = 2
)

func (v apiVersion) status(err error) int {
	if v == v1 {
		return lserrors.StatusV1(err)
	}
	return lserrors.Status(err)
}

// remoteAddr is the caller's address, read from the proxy header when one
// is configured.
func remoteAddr(c *fiber.Ctx) string {
	return fiberutils.CopyString(c.IP()) // strings in fiber are unsafe due to zero allocation
}

// bodyStream returns the upload body without buffering it when fasthttp
// streams it, the buffered body otherwise.
func bodyStream(ctx *fasthttp.RequestCtx) io.Reader {
	if s := ctx.RequestBodyStream(); s != nil {
		return s
	}
	return bytes.NewReader(ctx.Request.Body())
}

func (fr *FileReceiver) infoHandler(c *fiber.Ctx) error {
	identity := fr.Identity()
	return c.JSON(&identity)
}

func (fr *FileReceiver) sendRequestHandler(c *fiber.Ctx) error {
	return fr.handleProposal(c, v1)
}

func (fr *FileReceiver) preUploadHandler(c *fiber.Ctx) error {
	return fr.handleProposal(c, v2)
}

func (fr *FileReceiver) handleProposal(c *fiber.Ctx, version apiVersion) error {
	cfg := fr.settings()

	// check pin if it's set
	if cfg.pin != "" {
		pin := c.Query("pin")
		if pin != cfg.pin {
			return c.SendStatus(version.status(lserrors.ErrInvalidPIN))
		}
	}

	var metaReq models.PreUploadReq

	err := c.BodyParser(&metaReq)
	if err != nil || metaReq.Info == nil {
		return c.SendStatus(version.status(lserrors.ErrInvalidBody))
	}

	remote := remoteAddr(c)

	proposal, gate, err := fr.sessman.NewSession(*metaReq.Info, remote, metaReq.Files)
	if err != nil {
		slog.Warn("Refuse proposal", "remote", remote, "alias", metaReq.Info.Alias, "error", err)
		return c.SendStatus(version.status(err))
	}

	slog.Info("Incoming transfer", "remote", remote, "alias", proposal.Sender.Alias, "session", proposal.SessionID, "files", len(proposal.Files))

	if cfg.prompter != nil {
		go cfg.prompter.Prompt(proposal)
	}

	decision, err := fr.waitDecision(proposal.SessionID, gate, cfg.consentTimeout)
	if err != nil {
		return c.SendStatus(version.status(err))
	}

	if !decision.Accepted {
		slog.Info("Transfer declined", "remote", remote, "session", proposal.SessionID)
		return c.SendStatus(version.status(lserrors.ErrRejected))
	}

	if version == v1 {
		return c.JSON(decision.Tokens)
	}
	if len(decision.Tokens) == 0 {
		return c.SendStatus(version.status(lserrors.ErrFinished))
	}

	return c.JSON(models.NewPreUploadResp(proposal.SessionID, decision.Tokens))
}

// waitDecision blocks until the operator answers. A consent timeout counts
// as a decline.
func (fr *FileReceiver) waitDecision(sessionId string, gate *session.Gate, timeout time.Duration) (session.Decision, error) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	decision, err := gate.Wait(ctx)
	if err == nil {
		return decision, nil
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		return session.Decision{}, err
	}

	slog.Info("No answer in time, declining", "session", sessionId, "timeout", timeout)

	// losing the race to a real decision is fine, the gate holds whichever came first
	fr.sessman.Decline(sessionId)

	return gate.Wait(context.Background())
}

func (fr *FileReceiver) sendHandler(c *fiber.Ctx) error {
	return fr.handleUpload(c, v1)
}

func (fr *FileReceiver) uploadHandler(c *fiber.Ctx) error {
	return fr.handleUpload(c, v2)
}

func (fr *FileReceiver) handleUpload(c *fiber.Ctx, version apiVersion) error {
	sessionId := c.Query("sessionId")
	fileId := c.Query("fileId")
	token := c.Query("token")

	if fileId == "" || token == "" || (version == v2 && sessionId == "") {
		return c.SendStatus(version.status(lserrors.ErrInvalidBody))
	}

	remote := remoteAddr(c)

	sessId, file, err := fr.sessman.Authorize(session.UploadAuth{
		SessionID: fiberutils.CopyString(sessionId),
		FileID:    fiberutils.CopyString(fileId),
		Token:     fiberutils.CopyString(token),
		IP:        remote,
	})
	if err != nil {
		slog.Warn("Upload refused", "remote", remote, "session", sessionId, "file", fileId, "error", err)
		return c.SendStatus(version.status(err))
	}
	fileId = file.Meta.Id

	saveAs, err := session.ReceiveFile(fr.destination(), file, bodyStream(c.Context()), fr.sessman.Progress(sessId), func(path string) {
		fr.sessman.SetPath(sessId, fileId, path)
	})
	if err != nil {
		slog.Error("Upload error", "remote", remote, "session", sessId, "file", file.Meta.Filename, "error", err)
		return c.SendStatus(version.status(err))
	}

	rec := &history.Record{
		SessionID: sessId,
		FileID:    fileId,
		FileName:  file.Meta.Filename,
		SavedAs:   saveAs,
		Size:      file.Meta.Size,
		SenderIP:  remote,
	}
	if info, ok := fr.sessman.Current(); ok && info.ID == sessId {
		rec.Sender = info.Sender.Alias
	}
	fr.LogTransfer(rec)

	if fr.sessman.MarkFinishedIfComplete(sessId) {
		slog.Info("All files received", "remote", remote, "session", sessId)
	}

	return c.SendStatus(fiber.StatusOK)
}

func (fr *FileReceiver) cancelHandler(c *fiber.Ctx) error {
	remote := remoteAddr(c)
	sessionId := fiberutils.CopyString(c.Query("sessionId"))

	if fr.sessman.Cancel(remote, sessionId) {
		slog.Info("Transfer canceled by sender", "remote", remote, "session", sessionId)
	}

	return c.SendStatus(fiber.StatusOK)
}
