package system

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

const DefaultResolvConfPath = "/etc/resolv.conf"

// ResolvConf is the part of resolv.conf needed to tell whether the system
// stub resolver can be used.
type ResolvConf struct {
	Nameservers  []string
	path         string
	lastModified time.Time
	mu           sync.RWMutex
}

func (r *ResolvConf) HasNameservers() bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.Nameservers) > 0
}

// Changed reports whether the file was modified since it was read.
func (r *ResolvConf) Changed() bool {
	r.mu.RLock()
	path, lastModified := r.path, r.lastModified
	r.mu.RUnlock()

	if path == "" {
		return false
	}
	stat, err := os.Stat(path)
	if err != nil {
		return true
	}
	return stat.ModTime().After(lastModified)
}

// Reload re-reads the file the config was loaded from.
func (r *ResolvConf) Reload() error {
	r.mu.RLock()
	path := r.path
	r.mu.RUnlock()

	newResolvConf, err := NewResolvConfFromPath(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.Nameservers = newResolvConf.Nameservers
	r.lastModified = newResolvConf.lastModified

	return nil
}

// Watch reloads the config whenever the file changes, checking every
// interval until ctx is done.
func (r *ResolvConf) Watch(ctx context.Context, interval time.Duration, log *slog.Logger) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !r.Changed() {
					continue
				}
				if err := r.Reload(); err != nil {
					log.Warn("failed to reload resolvconf", "path", r.path, "err", err)
					continue
				}
				log.Info("reloaded resolvconf", "path", r.path, "nameservers", r.HasNameservers())
			}
		}
	}()
}

func newResolvConfFromReader(reader io.Reader) (*ResolvConf, error) {
	resolvConf := ResolvConf{}
	scanner := bufio.NewScanner(reader)

	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexAny(line, "#;"); idx >= 0 {
			line = line[:idx]
		}
		words := strings.Fields(line)

		if len(words) >= 2 && words[0] == "nameserver" {
			resolvConf.Nameservers = append(resolvConf.Nameservers, words[1])
		}
	}

	return &resolvConf, scanner.Err()
}

func NewResolvConfFromPath(path string) (*ResolvConf, error) {

	conf, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer conf.Close()

	resolvConf, err := newResolvConfFromReader(conf)
	if err != nil {
		return resolvConf, err
	}

	if stat, _ := conf.Stat(); stat != nil {
		resolvConf.lastModified = stat.ModTime()
	}

	resolvConf.path = path

	return resolvConf, nil
}
