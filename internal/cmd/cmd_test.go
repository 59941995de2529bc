package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/X2k16/tracking-firmware/internal/config"
	"github.com/X2k16/tracking-firmware/internal/logging"
	"github.com/X2k16/tracking-firmware/internal/models"
	"github.com/X2k16/tracking-firmware/internal/reader"
	"github.com/X2k16/tracking-firmware/internal/readerstats"
)

func TestCommandsRegistered(t *testing.T) {
	expected := map[string]bool{"run": false, "ports": false, "config": false, "simulate": false, "stats": false}

	for _, c := range rootCmd.Commands() {
		name := strings.Fields(c.Use)[0]
		if _, ok := expected[name]; ok {
			expected[name] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("expected command '%s' to be registered with root command", name)
		}
	}

	if runCmd.Flags().Lookup("port") == nil {
		t.Error("run command should have a --port flag")
	}
	if rootCmd.PersistentFlags().Lookup("config") == nil {
		t.Error("root command should have a persistent --config flag")
	}
}

func TestConfigCommand_RedactsKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api:\n  key: supersecret\n  client_id: 12\n"), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "--config", path})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		cfgFile = ""
	})

	require.NoError(t, rootCmd.Execute())

	assert.NotContains(t, out.String(), "supersecret")
	assert.Contains(t, out.String(), "********")
	assert.Contains(t, out.String(), "client_id: 12")
	assert.Contains(t, out.String(), "baud_rate: 115200")
}

type trackingAPI struct {
	mu      sync.Mutex
	touches []models.Touch
}

func (a *trackingAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusOK)
			return
		}
		var touch models.Touch
		if err := json.NewDecoder(r.Body).Decode(&touch); err != nil {
			t.Errorf("decode touch: %v", err)
		}
		a.mu.Lock()
		a.touches = append(a.touches, touch)
		a.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
}

func (a *trackingAPI) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.touches)
}

func pipelineConfig(apiURL string) *config.Config {
	return &config.Config{
		API:      config.APIConfig{URL: apiURL, Key: "secret", ClientID: 5, Timeout: 2 * time.Second},
		Delivery: config.DeliveryConfig{Backoff: 10 * time.Millisecond, HeartbeatRetryDelay: 10 * time.Millisecond},
		Dedup:    config.DedupConfig{Mode: config.DedupPrevious},
		Serial:   config.SerialConfig{BaudRate: 115200, MaxLineBytes: 4096},
	}
}

// closeCounter records how often the pipeline closes its stream.
type closeCounter struct {
	io.ReadCloser
	closes atomic.Int32
}

func (c *closeCounter) Close() error {
	c.closes.Add(1)
	return c.ReadCloser.Close()
}

func TestRunPipeline_DeliversUntilCancelled(t *testing.T) {
	api := &trackingAPI{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	pr, pw := io.Pipe()
	stream := &closeCounter{ReadCloser: pr}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- runPipeline(ctx, pipelineConfig(srv.URL), logging.Discard(), "pipe", stream)
	}()

	lines := strings.Join([]string{
		`Master Init complete. MAC start.`,
		`{"type": "felica", "idm": "0123456789ABCDEF", "macaddress": "8102ABCD"}`,
		`{"type": "felica", "idm": "0123456789ABCDEF", "macaddress": "8102ABCD"}`,
		`{"type": "debug", "msg": "packet incoming"}`,
		`{"type": "felica", "idm": 1234567, "macaddress": "8102ABCD"}`,
	}, "\r\n") + "\r\n"
	_, err := pw.Write([]byte(lines))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return api.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	assert.Equal(t, int32(1), stream.closes.Load(), "shutdown closes the stream once to unblock the reader")

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, "0123456789ABCDEF", api.touches[0].CardID)
	assert.Equal(t, "1234567", api.touches[1].CardID)
	require.NotNil(t, api.touches[0].Client)
	assert.Equal(t, int64(5), *api.touches[0].Client)
}

func TestRunPipeline_StreamEOFIsFatal(t *testing.T) {
	api := &trackingAPI{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	stream := &closeCounter{ReadCloser: io.NopCloser(strings.NewReader(`{"type": "debug", "msg": "bye"}` + "\n"))}
	err := runPipeline(context.Background(), pipelineConfig(srv.URL), logging.Discard(), "pipe", stream)

	require.Error(t, err)
	assert.ErrorIs(t, err, reader.ErrStreamClosed)
	assert.Zero(t, stream.closes.Load(), "release is left to the caller")
}

func TestCollectStats(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	client := readerstats.NewClientFromRedis(rdb, "test")
	ctx := context.Background()
	for _, mac := range []string{"M2", "M1"} {
		b := readerstats.NewBatchUpdate(mac)
		b.Add("CARD", time.Now())
		require.NoError(t, client.FlushBatch(ctx, b))
	}

	stats, err := collectStats(ctx, client, nil)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "M1", stats[0].MAC)
	assert.Equal(t, "M2", stats[1].MAC)
	assert.Equal(t, int64(1), stats[0].TotalTouches)

	stats, err = collectStats(ctx, client, []string{"M2"})
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "M2", stats[0].MAC)
}
