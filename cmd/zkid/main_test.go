package main

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allsmog/zkid-go/pkg/api"
	"github.com/allsmog/zkid-go/pkg/biometric"
	"github.com/allsmog/zkid-go/pkg/config"
	"github.com/allsmog/zkid-go/pkg/crypto/curve"
	"github.com/allsmog/zkid-go/pkg/envelope"
	"github.com/allsmog/zkid-go/pkg/identity"
	"github.com/allsmog/zkid-go/pkg/jwt"
	"github.com/allsmog/zkid-go/pkg/ledger"
	"github.com/allsmog/zkid-go/pkg/replay"
)

type flakyPinger struct {
	failures int32
	calls    atomic.Int32
}

func (p *flakyPinger) Ping(ctx context.Context) error {
	if p.calls.Add(1) <= p.failures {
		return errors.New("not yet")
	}
	return nil
}

func TestWaitReady(t *testing.T) {
	p := &flakyPinger{failures: 2}
	err := waitReady(context.Background(), 10*time.Second, map[string]identity.Pinger{"svc": p})
	require.NoError(t, err)
	assert.Equal(t, int32(3), p.calls.Load())

	down := &flakyPinger{failures: 1 << 30}
	err = waitReady(context.Background(), 300*time.Millisecond, map[string]identity.Pinger{"svc": down})
	assert.ErrorContains(t, err, "svc unavailable")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = waitReady(ctx, 0, map[string]identity.Pinger{"svc": &flakyPinger{failures: 1 << 30}})
	assert.Error(t, err)
}

func TestEnsureSigningKey(t *testing.T) {
	dir := t.TempDir()
	tc := config.TokenConfig{
		Enabled:   true,
		Issuer:    "https://zkid.test",
		KeyID:     "k1",
		KeyFile:   filepath.Join(dir, "keys", "signing.pem"),
		KeyConfig: filepath.Join(dir, "keys", "config.json"),
	}
	require.NoError(t, ensureSigningKey(tc))

	signer, err := jwt.NewES256SignerFromFile(tc.KeyFile, tc.KeyConfig)
	require.NoError(t, err)
	assert.Equal(t, "https://zkid.test", signer.Issuer())

	// An existing key is kept.
	before, err := os.ReadFile(tc.KeyFile)
	require.NoError(t, err)
	require.NoError(t, ensureSigningKey(tc))
	after, err := os.ReadFile(tc.KeyFile)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	tc.Enabled = false
	tc.KeyFile = filepath.Join(dir, "never.pem")
	require.NoError(t, ensureSigningKey(tc))
	assert.NoFileExists(t, tc.KeyFile)
}

func TestOpenLedger(t *testing.T) {
	l, err := openLedger(config.LedgerConfig{Driver: config.LedgerMemory})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = openLedger(config.LedgerConfig{Driver: config.LedgerSQLite, Path: filepath.Join(t.TempDir(), "db", "ledger.db")})
	require.NoError(t, err)
	assert.NoError(t, l.Ping(context.Background()))
	require.NoError(t, l.Close())

	_, err = openLedger(config.LedgerConfig{Driver: "etcd"})
	assert.Error(t, err)
}

func TestNewBiometric(t *testing.T) {
	svc, err := newBiometric(config.BiometricConfig{URL: "http://127.0.0.1:8000", Timeout: time.Second})
	require.NoError(t, err)
	assert.IsType(t, &biometric.Client{}, svc)

	svc, err = newBiometric(config.BiometricConfig{URL: "http://127.0.0.1:8000", LocalCompare: true, Threshold: 0.6})
	require.NoError(t, err)
	cmp, err := svc.Compare(context.Background(), biometric.Embedding{1, 0}, biometric.Embedding{1, 0})
	require.NoError(t, err)
	assert.True(t, cmp.SamePerson, "local comparer is used")

	_, err = newBiometric(config.BiometricConfig{URL: "ftp://nope"})
	assert.Error(t, err)
}

type imageFaces map[string]biometric.Embedding

func (f imageFaces) Embed(ctx context.Context, image []byte) (biometric.Embedding, error) {
	if e, ok := f[string(image)]; ok {
		return e, nil
	}
	return nil, biometric.ErrRejected
}

func TestDemoAgainstServer(t *testing.T) {
	sealer, err := envelope.NewSealer(envelope.Params{Time: 1, MemoryKB: 1024, Threads: 1})
	require.NoError(t, err)
	key, err := jwt.GenerateES256KeyPair()
	require.NoError(t, err)
	signer, err := jwt.NewES256Signer(key, "demo", "https://zkid.test")
	require.NoError(t, err)

	svc, err := identity.NewService(identity.Dependencies{
		Curve:  curve.NewSecp256k1(),
		Ledger: ledger.NewMemoryLedger(),
		Biometric: biometric.Combine(imageFaces{
			"face-1": {0.9, 0.1, 0.3, 0.2},
			"face-2": {0.88, 0.12, 0.29, 0.21},
		}, biometric.NewCosineComparer(0)),
		Sealer: sealer,
		Replay: replay.NewMemoryStore(time.Minute, 0),
		Signer: signer,
		Config: identity.Config{TokenAudience: "zkid", TokenTTL: time.Minute},
	})
	require.NoError(t, err)
	router, _ := api.NewHandlers(svc, signer, api.Config{Issuer: "https://zkid.test", Audience: "zkid"}).Router()
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	reg := filepath.Join(dir, "reg.jpg")
	live := filepath.Join(dir, "live.jpg")
	require.NoError(t, os.WriteFile(reg, []byte("face-1"), 0o600))
	require.NoError(t, os.WriteFile(live, []byte("face-2"), 0o600))

	demoFlags.server = srv.URL
	demoFlags.nid = "555"
	demoFlags.password = "secret"
	demoFlags.registerImage = reg
	demoFlags.loginImage = live
	demoFlags.qrOut = filepath.Join(dir, "identity.png")
	demoFlags.skipRegister = false

	demoCmd.SetContext(context.Background())
	require.NoError(t, runDemo(demoCmd, nil))
	assert.FileExists(t, demoFlags.qrOut)

	// A second run reuses the saved envelope.
	demoFlags.skipRegister = true
	require.NoError(t, runDemo(demoCmd, nil))
}
