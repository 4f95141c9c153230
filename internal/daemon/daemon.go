// Copyright 2026 ShareFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon runs the shared-folder server behind a TCP transport.
// Each accepted connection gets its own session; packets are framed with
// a 4-byte big-endian length prefix and processed in order, so requests
// on one connection are serialized while connections run concurrently.
package daemon

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"sharefs/internal/localfs"
	"sharefs/internal/server"
	"sharefs/internal/session"
	"sharefs/internal/share"
	"sharefs/internal/util"
	"sharefs/internal/wire"
)

// frameHeaderSize is the length prefix preceding every packet on the
// wire.
const frameHeaderSize = 4

// Daemon is the long-running host process: single-instance lock, PID
// file, share registry, and the guest-facing listener.
type Daemon struct {
	// LogLevel overrides the settings file when non-empty.
	LogLevel string
	// ListenAddr overrides the settings file when non-empty. Tests use
	// "127.0.0.1:0".
	ListenAddr string

	settings *GlobalSettings
	lock     *flock.Flock
	listener net.Listener
	sessions *session.Manager
	srv      *server.Server

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
	connWG sync.WaitGroup

	stopCh   chan struct{}
	stopOnce sync.Once
	logFile  *os.File
}

// New creates a daemon with empty overrides.
func New() *Daemon {
	return &Daemon{
		conns:  make(map[net.Conn]struct{}),
		stopCh: make(chan struct{}),
	}
}

// Run starts the daemon and blocks until a stop signal arrives or Stop
// is called.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutdown signal received")
	case <-d.stopCh:
	}

	d.Stop()
	return nil
}

// Start brings the daemon up: config, lock, PID file, shares, listener,
// accept loop. It does not block.
func (d *Daemon) Start() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to ensure config dir: %w", err)
	}

	settings, err := LoadGlobalSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	d.settings = settings

	logLevel := d.LogLevel
	if logLevel == "" {
		logLevel = settings.LogLevel
	}
	if err := d.setupLogging(logLevel); err != nil {
		return err
	}

	// Single-instance guard. The lock is held for the daemon's lifetime;
	// a second daemon fails fast instead of fighting over the listener.
	d.lock = flock.New(LockPath())
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another daemon instance is already running (lock: %s)", LockPath())
	}

	if err := d.writePidFile(); err != nil {
		d.lock.Unlock()
		return err
	}

	registry, err := share.LoadFile(settings.SharesPath())
	if errors.Is(err, os.ErrNotExist) {
		registry = share.NewRegistry()
	} else if err != nil {
		d.cleanupStartFailure()
		return fmt.Errorf("failed to load shares: %w", err)
	}
	if registry.Len() == 0 {
		log.WithField("path", settings.SharesPath()).Warn("no shares configured; guests will see an empty root")
	}

	store := localfs.New(time.Duration(settings.AttrCacheTTL)*time.Second, settings.AttrCacheSize)
	d.srv = server.New(registry, store)
	d.sessions = session.NewManager()

	addr := d.ListenAddr
	if addr == "" {
		addr = settings.ListenAddr
	}

	// A daemon restarting right after its predecessor released the port
	// can transiently hit EADDRINUSE while the old socket lingers.
	listener, err := util.RetryWithResult(context.Background(), func() (net.Listener, error) {
		return net.Listen("tcp", addr)
	}, util.ListenRetryOptions(context.Background())...)
	if err != nil {
		d.cleanupStartFailure()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	d.listener = listener

	log.WithFields(log.Fields{
		"addr":   listener.Addr().String(),
		"shares": registry.Len(),
	}).Info("daemon started")

	go d.acceptLoop()
	return nil
}

// Addr returns the bound listener address. Valid after Start.
func (d *Daemon) Addr() net.Addr {
	return d.listener.Addr()
}

// Stop shuts the daemon down: listener first so no new connections
// arrive, then sessions, then the remaining connections. Idempotent.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)

		if d.listener != nil {
			d.listener.Close()
		}
		if d.sessions != nil {
			d.sessions.Shutdown()
		}

		d.connMu.Lock()
		for c := range d.conns {
			c.Close()
		}
		d.connMu.Unlock()
		d.connWG.Wait()

		d.removePidFile()
		if d.lock != nil {
			d.lock.Unlock()
		}
		log.Info("daemon stopped")
		if d.logFile != nil {
			d.logFile.Close()
		}
	})
}

func (d *Daemon) stopping() bool {
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

func (d *Daemon) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if d.stopping() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			log.WithError(err).Error("accept failed, stopping listener")
			return
		}

		d.connMu.Lock()
		d.conns[conn] = struct{}{}
		d.connMu.Unlock()
		d.connWG.Add(1)
		go d.serveConn(conn)
	}
}

func (d *Daemon) serveConn(conn net.Conn) {
	defer d.connWG.Done()
	defer func() {
		d.connMu.Lock()
		delete(d.conns, conn)
		d.connMu.Unlock()
		conn.Close()
	}()

	// Replies and lock-break notifications share the connection; the
	// mutex keeps frames from interleaving.
	var writeMu sync.Mutex
	send := func(packet []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return writeFrame(conn, packet)
	}

	sess := d.sessions.CreateSession(send)
	defer d.sessions.CloseSession(sess.ID)

	log.WithFields(log.Fields{
		"session": sess.ID,
		"remote":  conn.RemoteAddr().String(),
	}).Debug("connection accepted")

	go forwardLockBreaks(sess, send)

	for {
		packet, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !d.stopping() {
				log.WithError(err).WithField("session", sess.ID).Debug("connection read failed")
			}
			return
		}
		reply := d.srv.Handle(sess, packet)
		if err := send(reply); err != nil {
			log.WithError(err).WithField("session", sess.ID).Debug("connection write failed")
			return
		}
	}
}

// forwardLockBreaks turns granted-lock revocations into unsolicited
// packets. The channel closes when the session is torn down.
func forwardLockBreaks(sess *session.Session, send func([]byte) error) {
	for b := range sess.LockBreaks() {
		pkt := wire.PackLockBreakNotification(b.File, b.NewLock)
		if err := send(pkt); err != nil {
			return
		}
	}
}

// readFrame reads one length-prefixed packet.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > wire.MaxPacketSize {
		return nil, fmt.Errorf("invalid frame length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeFrame writes one length-prefixed packet.
func writeFrame(w io.Writer, packet []byte) error {
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(packet)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(packet)
	return err
}

func (d *Daemon) setupLogging(level string) error {
	switch strings.ToLower(level) {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	default:
		// Logging disabled.
		log.SetOutput(io.Discard)
		return nil
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	// Truncate on start; one daemon run per log file keeps the file
	// readable and bounded.
	f, err := os.OpenFile(LogPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	d.logFile = f
	log.SetOutput(f)
	return nil
}

func (d *Daemon) writePidFile() error {
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(PidPath(), []byte(pid), 0600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

func (d *Daemon) removePidFile() {
	os.Remove(PidPath())
}

func (d *Daemon) cleanupStartFailure() {
	d.removePidFile()
	if d.lock != nil {
		d.lock.Unlock()
	}
}

// GetPID reads the daemon PID file.
func GetPID() (int, error) {
	data, err := os.ReadFile(PidPath())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

// IsDaemonRunning reports whether a daemon process holds the PID file.
func IsDaemonRunning() bool {
	pid, err := GetPID()
	if err != nil {
		return false
	}
	return util.IsProcessRunning(pid)
}

// SignalStop asks a running daemon to shut down via SIGTERM.
func SignalStop() error {
	pid, err := GetPID()
	if err != nil {
		return fmt.Errorf("daemon not running: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}
