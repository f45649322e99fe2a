package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"

	convsync "github.com/teamhub/convsync"
)

// runtime bundles everything a command needs to talk to one backend.
type runtime struct {
	cfg       *Config
	client    *convsync.Client
	transport *convsync.WSTransport
	session   *convsync.Session
	registry  *prometheus.Registry
	closers   []io.Closer
}

// Close tears down the session, the socket and the storage in that order.
func (r *runtime) Close() {
	_ = r.session.Close()
	_ = r.transport.Close()
	for _, c := range r.closers {
		_ = c.Close()
	}
}

// mustRuntime builds a runtime from the config file, exiting on a missing
// token or user id.
func mustRuntime(offline bool) *runtime {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'convsync init <token>' first.")
		os.Exit(1)
	}
	if cfg.Default.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id. Run 'convsync config set default.user_id <id>' first.")
		os.Exit(1)
	}
	r, err := newRuntime(cfg, offline)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}
	return r
}

func newRuntime(cfg *Config, offline bool) (*runtime, error) {
	baseURL := valueOrDefault(cfg.Default.BaseURL, convsync.DefaultBaseURL)
	wsURL := valueOrDefault(cfg.Default.WSURL, baseURL)

	storage, closer, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	client := convsync.NewClient(cfg.Auth.Token,
		convsync.WithBaseURL(baseURL),
		convsync.WithLogger(logger))
	transport := convsync.NewWSTransport(wsURL, convsync.RealtimeConfig{
		Token:  cfg.Auth.Token,
		Logger: logger,
	})
	session := convsync.NewSession(convsync.Options{
		UserID:       cfg.Default.UserID,
		API:          client,
		Transport:    transport,
		Storage:      storage,
		Profiles:     convsync.NewProfileCache(client, logger),
		Logger:       logger,
		Metrics:      convsync.NewMetrics(reg),
		StartOffline: offline,
	})

	r := &runtime{cfg: cfg, client: client, transport: transport, session: session, registry: reg}
	if closer != nil {
		r.closers = append(r.closers, closer)
	}
	return r, nil
}

// openStorage picks the durable store named by the [storage] section.
func openStorage(cfg ConfigStorage) (convsync.Storage, io.Closer, error) {
	switch cfg.Driver {
	case "", "memory":
		return convsync.NewMemoryStorage(), nil, nil
	case "pebble":
		path := cfg.Path
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, nil, err
			}
			path = filepath.Join(dir, "data")
		}
		s, err := convsync.OpenPebbleStorage(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s, err := convsync.DialRedisStorage(ctx, valueOrDefault(cfg.RedisAddr, "localhost:6379"), os.Getenv("CONVSYNC_REDIS_PASSWORD"), 0, "convsync:")
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

func parseKey(s string) convsync.ConversationKey {
	k, err := convsync.ParseConversationKey(s)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return k
}

// formatMessage renders one timeline line.
func formatMessage(conv *convsync.Conversation, m convsync.Message) string {
	author := m.AuthorID
	if p, ok := conv.Author(m.AuthorID); ok && p.DisplayName != "" {
		author = p.DisplayName
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", humanize.Time(m.CreatedAt), author)
	if m.State != convsync.DeliveryConfirmed && m.State != "" {
		fmt.Fprintf(&b, " (%s)", m.State)
	}
	b.WriteString(": ")
	if m.ReplyPreview != nil {
		fmt.Fprintf(&b, "> %s | ", m.ReplyPreview.Text)
	}
	b.WriteString(m.Text)
	if m.ImageURL != "" {
		fmt.Fprintf(&b, " [image %s]", m.ImageURL)
	}
	if n := conv.ReadCountFor(m.ID); n > 0 {
		fmt.Fprintf(&b, " (read by %s)", humanize.Comma(int64(n)))
	}
	fmt.Fprintf(&b, "  #%s", m.ID)
	return b.String()
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskKey shows only the first and last few characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}
