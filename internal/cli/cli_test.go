package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aaronromeo/paywatch/internal/payment"
	"github.com/aaronromeo/paywatch/internal/probe"
	"github.com/aaronromeo/paywatch/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chimeHTML = "<p>Zam, you just received <b>$5.00</b> from John D. for <em>*coffee*</em>.</p>"

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func setIMAPEnv(t *testing.T, srv *testutil.Server, pass string) {
	t.Helper()
	creds := srv.Credentials()
	t.Setenv("PAYWATCH_IMAP_HOST", creds.Host)
	t.Setenv("PAYWATCH_IMAP_PORT", strconv.Itoa(creds.Port))
	t.Setenv("PAYWATCH_IMAP_USER", creds.Username)
	t.Setenv("PAYWATCH_IMAP_PASS", pass)
	t.Setenv("PAYWATCH_WEBHOOK_URL", "")
	t.Setenv(configEnvVar, "")
}

func clearIMAPEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"PAYWATCH_IMAP_HOST", "PAYWATCH_IMAP_PORT", "PAYWATCH_IMAP_USER", "PAYWATCH_IMAP_PASS", configEnvVar} {
		t.Setenv(key, "")
	}
}

func execute(ctx context.Context, stdout, stderr *syncBuffer, args ...string) error {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	return rootCmd.ExecuteContext(ctx)
}

func TestProbeCollectsPaymentEmails(t *testing.T) {
	srv := testutil.SetupIMAPServer(t,
		testutil.PlainMessage("Promo <promo@example.com>", "Sale", "You received $1.00 from us for *nothing*."),
		testutil.AlternativeMessage("Chime <alerts@account.chime.com>", "You received money", "plain fallback", chimeHTML),
	)
	setIMAPEnv(t, srv, testutil.DefaultPass)
	path := writeConfig(t, `
probe:
  collect_timeout: 1s
  settle_delay: 100ms
`)

	var stdout, stderr syncBuffer
	err := execute(context.Background(), &stdout, &stderr, "probe", "--config", path)
	require.NoError(t, err, stderr.String())

	var result probe.Result
	require.NoError(t, json.Unmarshal([]byte(stdout.String()), &result))
	assert.True(t, result.Success)
	require.Len(t, result.Events, 1)
	assert.Equal(t, "$5.00", result.Events[0].Amount)
	assert.Equal(t, "coffee", result.Events[0].Note)
}

func TestProbeFailsWithBadPassword(t *testing.T) {
	srv := testutil.SetupIMAPServer(t)
	setIMAPEnv(t, srv, "wrong")

	var stdout, stderr syncBuffer
	err := execute(context.Background(), &stdout, &stderr, "probe")
	require.ErrorIs(t, err, errProbeFailed)

	var result probe.Result
	require.NoError(t, json.Unmarshal([]byte(stdout.String()), &result))
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestProbeReportsMissingEnv(t *testing.T) {
	clearIMAPEnv(t)

	var stdout, stderr syncBuffer
	err := execute(context.Background(), &stdout, &stderr, "probe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAYWATCH_IMAP_HOST")

	var result probe.Result
	require.NoError(t, json.Unmarshal([]byte(stdout.String()), &result))
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "PAYWATCH_IMAP_PASS")
}

func TestWatchPrintsEvents(t *testing.T) {
	srv := testutil.SetupIMAPServer(t,
		testutil.PlainMessage("Promo <promo@example.com>", "Sale", "You received $1.00 from us for *nothing*."),
		testutil.AlternativeMessage("Chime <alerts@account.chime.com>", "You received money", "plain fallback", chimeHTML),
	)
	setIMAPEnv(t, srv, testutil.DefaultPass)
	path := writeConfig(t, "fetch_unseen_on_start: true\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stdout, stderr syncBuffer
	errCh := make(chan error, 1)
	go func() {
		errCh <- execute(ctx, &stdout, &stderr, "watch", "--config", path, "--verbose")
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "coffee")
	}, 5*time.Second, 20*time.Millisecond, stderr.String())
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}

	scanner := bufio.NewScanner(strings.NewReader(stdout.String()))
	var events []payment.Event
	for scanner.Scan() {
		var event payment.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
		events = append(events, event)
	}
	require.Len(t, events, 1)
	assert.Equal(t, "$5.00", events[0].Amount)
	assert.Equal(t, "alerts@account.chime.com", events[0].FromEmail)
}

func TestWatchFailsWhenWatcherErrors(t *testing.T) {
	previous := statusInterval
	statusInterval = 20 * time.Millisecond
	t.Cleanup(func() { statusInterval = previous })

	srv := testutil.SetupIMAPServer(t)
	setIMAPEnv(t, srv, "wrong")

	var stdout, stderr syncBuffer
	errCh := make(chan error, 1)
	go func() {
		errCh <- execute(context.Background(), &stdout, &stderr, "watch")
	}()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "watcher stopped")
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not fail after a login error")
	}
}

func TestWatchRequiresEnv(t *testing.T) {
	clearIMAPEnv(t)

	var stdout, stderr syncBuffer
	err := execute(context.Background(), &stdout, &stderr, "watch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAYWATCH_IMAP_USER")
}

func TestWatchRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "allowed_senders:\n  - not-an-address\n")

	var stdout, stderr syncBuffer
	err := execute(context.Background(), &stdout, &stderr, "watch", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an email address")
}

func TestValidatePrintsSummary(t *testing.T) {
	t.Setenv("PAYWATCH_WEBHOOK_URL", "")
	path := writeConfig(t, `
mailbox: Payments
allowed_senders:
  - alerts@account.chime.com
  - alerts@venmo.com
tls:
  insecure_skip_verify: false
`)

	var stdout, stderr syncBuffer
	require.NoError(t, execute(context.Background(), &stdout, &stderr, "validate", "--config", path))

	out := stdout.String()
	assert.Contains(t, out, "- mailbox: Payments")
	assert.Contains(t, out, "alerts@account.chime.com, alerts@venmo.com")
	assert.Contains(t, out, "- tls certificates: verified")
	assert.Contains(t, out, "- reporting webhook: disabled")
}

func TestConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, "mailbox: Payments\n")
	t.Setenv(configEnvVar, path)

	var stdout, stderr syncBuffer
	require.NoError(t, execute(context.Background(), &stdout, &stderr, "validate"))
	assert.Contains(t, stdout.String(), "- mailbox: Payments")
}

func TestMissingConfigFile(t *testing.T) {
	var stdout, stderr syncBuffer
	err := execute(context.Background(), &stdout, &stderr, "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
