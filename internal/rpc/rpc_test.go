package rpc

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, secret []byte, register func(*Server)) (string, func()) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "ctl.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)

	srv := NewServer(secret, zerolog.Nop())
	register(srv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx, ln)
		close(done)
	}()

	return sock, func() {
		cancel()
		<-done
	}
}

func TestCallRoundTrip(t *testing.T) {
	secret := []byte("sharedsecret")
	sock, stop := startServer(t, secret, func(s *Server) {
		s.Handle("echo", func(ctx context.Context, req Request) (interface{}, error) {
			return req.Args[0], nil
		})
	})
	defer stop()

	client := Client{Addr: sock, Secret: secret}
	raw, err := client.Call(context.Background(), "echo", []interface{}{"hello"}, nil)
	require.NoError(t, err)
	var got string
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "hello", got)
}

func TestCallUnknownFunctionReturnsError(t *testing.T) {
	secret := []byte("sharedsecret")
	sock, stop := startServer(t, secret, func(s *Server) {})
	defer stop()

	client := Client{Addr: sock, Secret: secret}
	_, err := client.Call(context.Background(), "nonexistent", nil, nil)
	assert.Error(t, err)
}

func TestCallHandlerErrorPropagates(t *testing.T) {
	secret := []byte("sharedsecret")
	sock, stop := startServer(t, secret, func(s *Server) {
		s.Handle("boom", func(ctx context.Context, req Request) (interface{}, error) {
			return nil, assert.AnError
		})
	})
	defer stop()

	client := Client{Addr: sock, Secret: secret}
	_, err := client.Call(context.Background(), "boom", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), assert.AnError.Error())
}

func TestCallWrongSecretFails(t *testing.T) {
	sock, stop := startServer(t, []byte("correct"), func(s *Server) {
		s.Handle("echo", func(ctx context.Context, req Request) (interface{}, error) {
			return "ok", nil
		})
	})
	defer stop()

	client := Client{Addr: sock, Secret: []byte("wrong"), DialTimeout: 2 * time.Second}
	_, err := client.Call(context.Background(), "echo", nil, nil)
	assert.Error(t, err)
}
