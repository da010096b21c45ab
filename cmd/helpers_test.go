package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/slotrunner/internal/browser"
	"github.com/xkilldash9x/slotrunner/internal/browser/browsertest"
	"github.com/xkilldash9x/slotrunner/internal/config"
	"github.com/xkilldash9x/slotrunner/internal/observability"
	"github.com/xkilldash9x/slotrunner/internal/session"
	"github.com/xkilldash9x/slotrunner/internal/session/sessiontest"
)

// fakeBrowser stands in for browser.Manager.
type fakeBrowser struct {
	*browsertest.Factory

	mu        sync.Mutex
	shutdowns int
	opts      int
}

func (f *fakeBrowser) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

func (f *fakeBrowser) Shutdowns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdowns
}

// useFakeBrowser swaps the browser and session seams for the scripted
// portal for the duration of the test.
func useFakeBrowser(t *testing.T, newPage func(browser.Profile) *browsertest.Page) *fakeBrowser {
	t.Helper()
	fake := &fakeBrowser{Factory: &browsertest.Factory{New: newPage}}

	origLaunch, origOptions := launchBrowser, sessionOptions
	launchBrowser = func(_ context.Context, _ *config.Config, _ *zap.Logger, opts ...browser.ManagerOption) (browserFactory, error) {
		fake.opts = len(opts)
		return fake, nil
	}
	sessionOptions = func() []session.Option {
		return []session.Option{session.WithCatalog(sessiontest.Catalog())}
	}
	t.Cleanup(func() {
		launchBrowser, sessionOptions = origLaunch, origOptions
	})
	return fake
}

// resetLogger lets each test's PersistentPreRunE initialize logging afresh.
func resetLogger(t *testing.T) {
	t.Helper()
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)
}

// testWorkspace is a temp directory holding a fast config file and its
// output locations.
type testWorkspace struct {
	dir        string
	configPath string
}

func (w testWorkspace) path(name string) string { return filepath.Join(w.dir, name) }

const fastConfig = `
logger:
  level: error
  log_file: {{dir}}/slotrunner.log
site:
  base_url: ` + sessiontest.Base + `
account:
  email: agent@example.test
browser:
  profile_dir: {{dir}}/profiles
run:
  subjects_file: {{dir}}/subjects.csv
  discipline: parallel
  max_subjects: 5
  launch_rate: 0
  pacing_min: 1ms
  pacing_max: 2ms
  screenshot_dir: {{dir}}/shots
poll:
  window: 200ms
  interval: 10ms
  jitter: 0s
challenge:
  timeout: 30ms
  interval: 5ms
locator:
  timeout: 30ms
  poll_interval: 2ms
wizard:
  step_timeout: 40ms
  step_retries: 2
  step_backoff: 1ms
  step_pause: 0s
  field_retries: 1
  dropdown_timeout: 20ms
  dropdown_poll: 2ms
  settle_delay: -1ns
results:
  csv_path: {{dir}}/results.csv
  jsonl_path: {{dir}}/results.jsonl
  summary_dir: {{dir}}
`

func newTestWorkspace(t *testing.T) testWorkspace {
	t.Helper()
	w := testWorkspace{dir: t.TempDir()}
	w.configPath = w.path("config.yaml")
	body := strings.ReplaceAll(fastConfig, "{{dir}}", w.dir)
	require.NoError(t, os.WriteFile(w.configPath, []byte(body), 0o600))
	t.Setenv("SLOTRUNNER_ACCOUNT_PASSWORD", "s3cret")
	return w
}

func (w testWorkspace) writeSubjects(t *testing.T, rows ...string) {
	t.Helper()
	body := "First Name,Surname,Email,Passport,Center,Category\n" + strings.Join(rows, "\n") + "\n"
	require.NoError(t, os.WriteFile(w.path("subjects.csv"), []byte(body), 0o600))
}

// execute runs the command tree with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}
