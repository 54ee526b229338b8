// Package certs supplies the TLS material presented to devices and reloads it
// when the files on disk are rotated.
package certs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ErrNotReady is returned while no valid certificate has been loaded.
var ErrNotReady = errors.New("certificate not ready")

// Source is the current CA, device certificate and key.
type Source interface {
	Certificate() (*tls.Certificate, error)
	CAPool() *x509.CertPool
	Ready() bool
}

// FileSource loads PEM files and swaps them in atomically on change.
type FileSource struct {
	certFile string
	keyFile  string
	caFile   string
	logger   zerolog.Logger

	mu     sync.RWMutex
	cert   *tls.Certificate
	caPool *x509.CertPool
	loaded time.Time
}

// NewFileSource creates a source and performs the initial load.
func NewFileSource(certFile, keyFile, caFile string, logger zerolog.Logger) (*FileSource, error) {
	s := &FileSource{
		certFile: certFile,
		keyFile:  keyFile,
		caFile:   caFile,
		logger:   logger.With().Str("component", "certs").Logger(),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload reads the files again. On error the previous material stays active.
func (s *FileSource) Reload() error {
	cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
	if err != nil {
		return fmt.Errorf("load key pair: %w", err)
	}

	var pool *x509.CertPool
	if s.caFile != "" {
		pem, err := os.ReadFile(s.caFile)
		if err != nil {
			return fmt.Errorf("read CA: %w", err)
		}
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return fmt.Errorf("no certificates in %s", s.caFile)
		}
	}

	s.mu.Lock()
	s.cert = &cert
	s.caPool = pool
	s.loaded = time.Now()
	s.mu.Unlock()
	return nil
}

// Certificate returns the current key pair.
func (s *FileSource) Certificate() (*tls.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cert == nil {
		return nil, ErrNotReady
	}
	return s.cert, nil
}

// CAPool returns the CA pool, or nil when no CA file is configured.
func (s *FileSource) CAPool() *x509.CertPool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.caPool
}

// Ready reports whether a certificate is loaded.
func (s *FileSource) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cert != nil
}

// LoadedAt returns when the active material was read.
func (s *FileSource) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Watch reloads the files whenever their directories change, until ctx ends.
// Bursts of events are coalesced.
func (s *FileSource) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	watched := make(map[string]bool)
	names := make(map[string]bool)
	for _, f := range []string{s.certFile, s.keyFile, s.caFile} {
		if f == "" {
			continue
		}
		abs, err := filepath.Abs(f)
		if err != nil {
			return err
		}
		names[abs] = true
		// Watch the directory so atomic rename-based rotations are seen.
		dir := filepath.Dir(abs)
		if watched[dir] {
			continue
		}
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		watched[dir] = true
	}

	const settle = 200 * time.Millisecond
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !names[filepath.Clean(ev.Name)] {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(settle)
			} else {
				timer.Reset(settle)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := s.Reload(); err != nil {
				s.logger.Warn().Err(err).Msg("Certificate reload failed, keeping previous")
				continue
			}
			s.logger.Info().Msg("Certificates reloaded")

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("Certificate watcher error")
		}
	}
}

// ServerConfig builds a TLS config that resolves the certificate on every
// handshake, so reloads apply to new connections without restarting the
// listener. When a CA is loaded, client certificates are verified if sent.
func ServerConfig(src Source) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
			cert, err := src.Certificate()
			if err != nil {
				return nil, err
			}
			cfg := &tls.Config{
				MinVersion:   tls.VersionTLS12,
				Certificates: []tls.Certificate{*cert},
			}
			if pool := src.CAPool(); pool != nil {
				cfg.ClientCAs = pool
				cfg.ClientAuth = tls.VerifyClientCertIfGiven
			}
			return cfg, nil
		},
	}
}
