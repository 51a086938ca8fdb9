package recv

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sonhoai27/localsend/internal/crypto"
	"github.com/sonhoai27/localsend/internal/history"
	"github.com/sonhoai27/localsend/internal/localsend/constants"
	lserrors "github.com/sonhoai27/localsend/internal/localsend/errors"
	"github.com/sonhoai27/localsend/internal/localsend/progress"
	"github.com/sonhoai27/localsend/internal/localsend/session"
	lsutils "github.com/sonhoai27/localsend/internal/localsend/utils"
	"github.com/sonhoai27/localsend/internal/models"
	"github.com/sonhoai27/localsend/internal/utils"
)

const (
	gcInterval   = 5 * time.Second
	sessionGrace = 30 * time.Second // terminal sessions stay observable this long

	defaultProposalLimit = 30
)

// Prompter is told about every proposal that needs a decision. It must
// eventually answer through FileReceiver.Accept or FileReceiver.Decline.
type Prompter interface {
	Prompt(p session.Proposal)
}

// PromptFunc adapts a plain function to Prompter.
type PromptFunc func(p session.Proposal)

func (f PromptFunc) Prompt(p session.Proposal) {
	f(p)
}

// DirResolver returns the directory received files are saved to.
type DirResolver func() (string, error)

// StaticDir resolves to dir.
func StaticDir(dir string) DirResolver {
	return func() (string, error) {
		return dir, nil
	}
}

type FileReceiver struct {
	mu             sync.Mutex // guards everything but sessman and tracker
	cert           tls.Certificate
	identity       models.DeviceInfo
	webServer      *fiber.App
	listener       net.Listener
	supportHttps   bool
	certDir        string
	saveToDir      string
	resolveDir     DirResolver
	done           chan struct{}
	prompter       Prompter
	expectedPin    string
	consentTimeout time.Duration
	proxyHeader    string
	proposalLimit  int
	history        *history.Store

	sessman *session.RecvSessManager
	tracker *progress.Tracker
}

// handlerSettings is the part of the configuration a request reads.
type handlerSettings struct {
	pin            string
	prompter       Prompter
	consentTimeout time.Duration
}

func NewFileReceiver(resolveDir DirResolver, supportHttps bool) *FileReceiver {
	tracker := progress.NewTracker()
	return &FileReceiver{
		supportHttps:  supportHttps,
		certDir:       filepath.Join(os.TempDir(), "localsend"),
		resolveDir:    resolveDir,
		sessman:       session.NewRecvSessManager(tracker),
		tracker:       tracker,
		proposalLimit: defaultProposalLimit,
	}
}

func (fr *FileReceiver) SetPIN(pin string) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	fr.expectedPin = pin
}

func (fr *FileReceiver) SetPrompter(p Prompter) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	fr.prompter = p
}

// SetConsentTimeout bounds how long a proposal waits for a decision. Zero
// waits forever.
func (fr *FileReceiver) SetConsentTimeout(d time.Duration) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	fr.consentTimeout = d
}

// SetProxyHeader makes the receiver trust header for the caller's address.
// Takes effect on the next Start.
func (fr *FileReceiver) SetProxyHeader(header string) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	fr.proxyHeader = header
}

// SetProposalLimit caps proposals per caller and minute. Zero disables it.
// Takes effect on the next Start.
func (fr *FileReceiver) SetProposalLimit(max int) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	fr.proposalLimit = max
}

// SetCertDir sets where the https key pair is kept.
func (fr *FileReceiver) SetCertDir(dir string) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	fr.certDir = dir
}

func (fr *FileReceiver) settings() handlerSettings {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	return handlerSettings{
		pin:            fr.expectedPin,
		prompter:       fr.prompter,
		consentTimeout: fr.consentTimeout,
	}
}

// SetTransferLog records every received file into the sqlite database at
// path. An empty path turns it off.
func (fr *FileReceiver) SetTransferLog(path string) error {
	var store *history.Store
	if path != "" {
		var err error
		store, err = history.Open(path)
		if err != nil {
			return err
		}
	}

	fr.mu.Lock()
	old := fr.history
	fr.history = store
	fr.mu.Unlock()

	if old != nil {
		old.Close()
	}

	return nil
}

// TransferLog returns the history store, nil when logging is off.
func (fr *FileReceiver) TransferLog() *history.Store {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	return fr.history
}

// LogTransfer appends a received file to the transfer log, if there is one.
func (fr *FileReceiver) LogTransfer(rec *history.Record) {
	store := fr.TransferLog()
	if store == nil {
		return
	}
	if err := store.Add(rec); err != nil {
		slog.Warn("Fail to log transfer", "file", rec.FileName, "error", err)
	}
}

func (fr *FileReceiver) Progress() *progress.Tracker {
	return fr.tracker
}

// Session returns a copy of the current session, if any.
func (fr *FileReceiver) Session() (session.Info, bool) {
	return fr.sessman.Current()
}

// Accept issues tokens for fileIds of the pending proposal sessionId. An
// empty sessionId means whatever proposal is pending.
func (fr *FileReceiver) Accept(sessionId string, fileIds []string) (models.FileTokens, error) {
	return fr.sessman.Accept(sessionId, fileIds)
}

// Decline rejects the pending proposal sessionId.
func (fr *FileReceiver) Decline(sessionId string) error {
	return fr.sessman.Decline(sessionId)
}

// Identity is what the info route answers with.
func (fr *FileReceiver) Identity() models.DeviceInfo {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	return fr.identity
}

// Addr is the bound listener address, nil when not running.
func (fr *FileReceiver) Addr() net.Addr {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	if fr.listener == nil {
		return nil
	}
	return fr.listener.Addr()
}

func (fr *FileReceiver) Running() bool {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	return fr.webServer != nil
}

func (fr *FileReceiver) destination() string {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	return fr.saveToDir
}

// Start binds 0.0.0.0:port and serves in the background. An empty alias is
// replaced by a generated one, an invalid port by the default one.
func (fr *FileReceiver) Start(alias string, port int) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	if fr.webServer != nil {
		return lserrors.ErrAlreadyRunning
	}

	if alias == "" {
		alias = lsutils.GenAlias()
	}
	if !constants.ValidPort(port) {
		port = constants.DefaultPort
	}

	dir := "."
	if fr.resolveDir != nil {
		var err error
		dir, err = fr.resolveDir()
		if err != nil {
			return fmt.Errorf("%w: resolve destination: %v", lserrors.ErrStartup, err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", lserrors.ErrStartup, err)
	}

	identity := models.NewDeviceInfo(alias, "")
	if fr.supportHttps {
		slog.Info("Loading https certificate", "dir", fr.certDir)

		cert, err := crypto.LoadOrGenTLScert(filepath.Join(fr.certDir, "server.crt"), filepath.Join(fr.certDir, "server.key.pem"))
		if err != nil {
			return fmt.Errorf("%w: certificate: %v", lserrors.ErrStartup, err)
		}
		fr.cert = cert

		// See https://github.com/localsend/protocol section.2
		identity.Fingerprint = utils.SHA256ofCert(cert.Leaf)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return fmt.Errorf("%w: %v", lserrors.ErrStartup, err)
	}
	if fr.supportHttps {
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{fr.cert}})
	}

	app := lsutils.NewWebServer(fr.proxyHeader)
	fr.routes(app)

	fr.identity = identity
	fr.saveToDir = dir
	fr.webServer = app
	fr.listener = ln
	fr.done = make(chan struct{})

	go fr.gc(fr.done)
	go func() {
		if err := app.Listener(ln); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Error("Server stopped", "error", err)
		}
	}()

	slog.Info("Waitting for receiving files", "alias", alias, "addr", ln.Addr().String(), "dir", dir, "https", fr.supportHttps)

	return nil
}

func (fr *FileReceiver) routes(app *fiber.App) {
	app.Use(recover.New())

	propose := []fiber.Handler{}
	if fr.proposalLimit > 0 {
		propose = append(propose, limiter.New(limiter.Config{
			Max:        fr.proposalLimit,
			Expiration: time.Minute,
			LimitReached: func(c *fiber.Ctx) error {
				slog.Warn("Too many proposals", "remote", c.IP())
				return c.SendStatus(lserrors.Status(lserrors.ErrTooManyReq))
			},
		}))
	}

	app.Get(constants.InfoPathV1, fr.infoHandler)
	app.Post(constants.InfoPathV1, fr.infoHandler)
	app.Post(constants.SendRequestPathV1, append(propose, fr.sendRequestHandler)...)
	app.Post(constants.SendPathV1, fr.sendHandler)
	app.Post(constants.CancelPathV1, fr.cancelHandler)

	app.Get(constants.InfoPath, fr.infoHandler)
	app.Post(constants.InfoPath, fr.infoHandler)
	app.Post(constants.PreuploadPath, append(propose, fr.preUploadHandler)...)
	app.Post(constants.UploadPath, fr.uploadHandler)
	app.Post(constants.CancelPath, fr.cancelHandler)
}

// Stop declines whatever is pending, drops the session and closes the
// listener. In-flight requests are not waited for. The port is free again
// once Stop returns.
func (fr *FileReceiver) Stop() error {
	fr.mu.Lock()
	app, ln := fr.webServer, fr.listener
	if app == nil {
		fr.mu.Unlock()
		return nil
	}
	fr.webServer = nil
	fr.listener = nil
	close(fr.done)
	fr.mu.Unlock()

	slog.Info("Stop receiving")

	fr.sessman.Close()

	err := app.ShutdownWithTimeout(0)
	if errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}

	// the serving goroutine may not have handed ln to fasthttp yet
	if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = errors.Join(err, cerr)
	}

	return err
}

func (fr *FileReceiver) Restart(alias string, port int) error {
	if err := fr.Stop(); err != nil {
		return err
	}
	return fr.Start(alias, port)
}

// Close stops the server and releases the transfer log.
func (fr *FileReceiver) Close() error {
	err := fr.Stop()

	fr.mu.Lock()
	store := fr.history
	fr.history = nil
	fr.mu.Unlock()

	if store != nil {
		err = errors.Join(err, store.Close())
	}
	return err
}

func (fr *FileReceiver) gc(done <-chan struct{}) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		// drop sessions that ended a while ago
		case <-ticker.C:
			fr.sessman.Vacuum(sessionGrace)
		}
	}
}
