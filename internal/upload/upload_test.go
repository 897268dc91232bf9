package upload

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archbuild/forge/internal/artifact"
	"github.com/archbuild/forge/internal/rpc"
)

func startTestServer(t *testing.T, register func(*rpc.Server)) rpc.Client {
	t.Helper()
	secret := []byte("testsecret")
	sock := filepath.Join(t.TempDir(), "repod.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)

	srv := rpc.NewServer(secret, zerolog.Nop())
	register(srv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return rpc.Client{Addr: sock, Secret: secret, DialTimeout: 2 * time.Second}
}

func writeFixture(t *testing.T, dir, pkgname, verRel, arch string) artifact.Artifact {
	t.Helper()
	art, err := artifact.Parse(artifact.Format(pkgname, verRel, arch))
	require.NoError(t, err)
	full := filepath.Join(dir, art.Filename())
	require.NoError(t, os.WriteFile(full, []byte("package bytes"), 0644))
	require.NoError(t, os.WriteFile(full+".sig", []byte("sig bytes"), 0644))
	return art
}

func TestUploadHappyPath(t *testing.T) {
	recipeRoot := t.TempDir()
	dest := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(recipeRoot, "foo"), 0755))
	art := writeFixture(t, filepath.Join(recipeRoot, "foo"), "foo", "1.0-1", "x86_64")

	var doneArgs []interface{}
	client := startTestServer(t, func(s *rpc.Server) {
		s.Handle("push_start", func(ctx context.Context, req rpc.Request) (interface{}, error) {
			return map[string]interface{}{"busy": false, "timeouts": []float64{120}}, nil
		})
		s.Handle("push_done", func(ctx context.Context, req rpc.Request) (interface{}, error) {
			doneArgs = req.Args
			return map[string]interface{}{}, nil
		})
	})

	u := New(Config{
		RPC:             client,
		RecipeRoot:      recipeRoot,
		TransferCommand: []string{"cp"},
		RemoteDest:      dest,
	}, zerolog.Nop())

	require.NoError(t, u.Upload(context.Background(), "foo", []artifact.Artifact{art}))

	_, err := os.Stat(filepath.Join(dest, art.Filename()))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dest, art.SigFilename()))
	require.NoError(t, err)
	require.Len(t, doneArgs, 2)
}

func TestUploadRetriesBusyThenSucceeds(t *testing.T) {
	recipeRoot := t.TempDir()
	dest := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(recipeRoot, "foo"), 0755))
	art := writeFixture(t, filepath.Join(recipeRoot, "foo"), "foo", "1.0-1", "x86_64")

	calls := 0
	client := startTestServer(t, func(s *rpc.Server) {
		s.Handle("push_start", func(ctx context.Context, req rpc.Request) (interface{}, error) {
			calls++
			if calls < 3 {
				return map[string]interface{}{"busy": true}, nil
			}
			return map[string]interface{}{"busy": false, "timeouts": []float64{120}}, nil
		})
		s.Handle("push_done", func(ctx context.Context, req rpc.Request) (interface{}, error) {
			return map[string]interface{}{}, nil
		})
	})

	u := New(Config{
		RPC:             client,
		RecipeRoot:      recipeRoot,
		TransferCommand: []string{"cp"},
		RemoteDest:      dest,
		BusyBackoff:     5 * time.Millisecond,
	}, zerolog.Nop())

	require.NoError(t, u.Upload(context.Background(), "foo", []artifact.Artifact{art}))
	assert.Equal(t, 3, calls)
}

func TestUploadTransferFailureExhaustsRetriesAndCallsPushFail(t *testing.T) {
	recipeRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(recipeRoot, "foo"), 0755))
	art := writeFixture(t, filepath.Join(recipeRoot, "foo"), "foo", "1.0-1", "x86_64")

	var addTimeCalls, failCalls int
	client := startTestServer(t, func(s *rpc.Server) {
		s.Handle("push_start", func(ctx context.Context, req rpc.Request) (interface{}, error) {
			return map[string]interface{}{"busy": false, "timeouts": []float64{120}}, nil
		})
		s.Handle("push_add_time", func(ctx context.Context, req rpc.Request) (interface{}, error) {
			addTimeCalls++
			return map[string]interface{}{}, nil
		})
		s.Handle("push_fail", func(ctx context.Context, req rpc.Request) (interface{}, error) {
			failCalls++
			return map[string]interface{}{}, nil
		})
	})

	u := New(Config{
		RPC:                 client,
		RecipeRoot:          recipeRoot,
		TransferCommand:     []string{"/nonexistent-transfer-tool"},
		RemoteDest:          t.TempDir(),
		MaxTransferRetries:  2,
		TransferBackoffUnit: 1 * time.Millisecond,
	}, zerolog.Nop())

	err := u.Upload(context.Background(), "foo", []artifact.Artifact{art})
	require.Error(t, err)
	assert.Equal(t, 2, addTimeCalls)
	assert.Equal(t, 1, failCalls)
}

func TestPushDoneRetriesOnTransportErrorThenSucceeds(t *testing.T) {
	recipeRoot := t.TempDir()
	dest := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(recipeRoot, "foo"), 0755))
	art := writeFixture(t, filepath.Join(recipeRoot, "foo"), "foo", "1.0-1", "x86_64")

	doneCalls := 0
	client := startTestServer(t, func(s *rpc.Server) {
		s.Handle("push_start", func(ctx context.Context, req rpc.Request) (interface{}, error) {
			return map[string]interface{}{"busy": false, "timeouts": []float64{120}}, nil
		})
		s.Handle("push_done", func(ctx context.Context, req rpc.Request) (interface{}, error) {
			doneCalls++
			if doneCalls < 2 {
				return nil, assert.AnError
			}
			return map[string]interface{}{}, nil
		})
	})

	u := New(Config{
		RPC:             client,
		RecipeRoot:      recipeRoot,
		TransferCommand: []string{"cp"},
		RemoteDest:      dest,
		DoneBackoffUnit: 1 * time.Millisecond,
	}, zerolog.Nop())

	require.NoError(t, u.Upload(context.Background(), "foo", []artifact.Artifact{art}))
	assert.Equal(t, 2, doneCalls)
}
