package tlsutil

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CertCallback is invoked after a change to either certificate file is
// detected. It receives both paths so the holder can reload the pair.
type CertCallback func(certFile, keyFile string)

// CertWatcher watches a served certificate pair for rotation. Detection
// combines fsnotify on the parent directories (sub-second reaction on real
// filesystems and editors doing atomic save-and-rename) with periodic
// content-hash polling (Kubernetes Secret volumes swap a "..data" symlink
// at the VFS layer, which often emits no inotify events).
type CertWatcher struct {
	certFile     string
	keyFile      string
	callback     CertCallback
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewCertWatcher creates a certificate pair watcher. Monitoring does not
// start until Start is called.
func NewCertWatcher(certFile, keyFile string, callback CertCallback, logger *slog.Logger) *CertWatcher {
	return &CertWatcher{
		certFile:     certFile,
		keyFile:      keyFile,
		callback:     callback,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// pollState tracks the content-hash and symlink-target state used by the
// polling fallback in CertWatcher.Start.
type pollState struct {
	dataLink   string
	lastCert   string
	lastKey    string
	lastTarget string
}

// changed reports whether either file's content has changed since the last
// snapshot, using the "..data" symlink target (fast) and then the content
// hashes (slow) as detection signals.
func (ps *pollState) changed(certFile, keyFile string) bool {
	if target := readlink(ps.dataLink); target != ps.lastTarget && target != "" {
		ps.lastTarget = target
		return true
	}
	return hashFile(certFile) != ps.lastCert || hashFile(keyFile) != ps.lastKey
}

// snapshot re-captures the current hashes and symlink target.
func (ps *pollState) snapshot(certFile, keyFile string) {
	ps.lastCert = hashFile(certFile)
	ps.lastKey = hashFile(keyFile)
	ps.lastTarget = readlink(ps.dataLink)
}

// Start begins watching the certificate files. Blocks until the context is
// canceled or Stop is called.
func (cw *CertWatcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	cw.mu.Lock()
	if cw.stopped {
		cw.mu.Unlock()
		cancel()
		return nil
	}
	cw.cancel = cancel
	cw.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	certDir := filepath.Dir(cw.certFile)
	if err := watcher.Add(certDir); err != nil {
		return err
	}
	if keyDir := filepath.Dir(cw.keyFile); keyDir != certDir {
		if err := watcher.Add(keyDir); err != nil {
			return err
		}
	}
	_ = watcher.Add(cw.certFile)
	_ = watcher.Add(cw.keyFile)

	cw.logger.Info("TLS cert watcher started", "cert", cw.certFile, "key", cw.keyFile)

	ps := &pollState{dataLink: filepath.Join(certDir, "..data")}
	ps.snapshot(cw.certFile, cw.keyFile)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	pollTicker := time.NewTicker(cw.pollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("TLS cert watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			debounceTimer, debounceCh = cw.handleFSEvent(event, watcher, debounceTimer)

		case <-debounceCh:
			debounceCh = nil
			cw.notify()
			ps.snapshot(cw.certFile, cw.keyFile)

		case <-pollTicker.C:
			if ps.changed(cw.certFile, cw.keyFile) {
				ps.snapshot(cw.certFile, cw.keyFile)
				cw.logger.Debug("certificate change detected via polling", "cert", cw.certFile)
				cw.notify()
			}

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			cw.logger.Error("TLS cert watcher error", "error", watchErr)
		}
	}
}

// handleFSEvent processes a single fsnotify event and returns the updated
// debounce timer and channel. Only write/create/rename events trigger a
// debounced reload.
func (cw *CertWatcher) handleFSEvent(
	event fsnotify.Event,
	watcher *fsnotify.Watcher,
	timer *time.Timer,
) (*time.Timer, <-chan time.Time) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		var ch <-chan time.Time
		if timer != nil {
			ch = timer.C
		}
		return timer, ch
	}

	if timer != nil {
		timer.Stop()
	}
	timer = time.NewTimer(cw.debounce)

	// Re-add the file paths after a rename/create; atomic writes (rename
	// temp → target) remove the old inode from the watch.
	if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
		_ = watcher.Add(cw.certFile)
		_ = watcher.Add(cw.keyFile)
	}

	return timer, timer.C
}

// notify invokes the rotation callback. The callback reloads the pair from
// the same paths, so duplicate notifications are harmless.
func (cw *CertWatcher) notify() {
	cw.logger.Info("TLS certificate change detected", "cert", cw.certFile)
	cw.callback(cw.certFile, cw.keyFile)
}

// Stop terminates the watcher goroutine.
func (cw *CertWatcher) Stop() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.stopped {
		return
	}
	cw.stopped = true
	if cw.cancel != nil {
		cw.cancel()
	}
}

// hashFile returns the SHA-256 digest of the file at path, or an empty
// string if the file cannot be read. The hash covers the resolved content
// (following symlinks), so a Kubernetes symlink swap changes it.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}

// readlink returns the target of a symlink, or "" if the path is not a
// symlink or cannot be read.
func readlink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}
