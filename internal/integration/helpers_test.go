package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"duasync/internal/app"
	"duasync/internal/client"
	"duasync/internal/config"
	"duasync/internal/content"
	"duasync/pkg/types"
)

const waitFor = 3 * time.Second

// Seven ayahs so navigation has room to move
const fatihaArabic = `{
  "1": {"SurahTransliteratedName": "Al-Fatiha", "SurahArabicName": "الفاتحة",
        "Ayahs": {"1": {"Arabic": "a1"}, "2": {"Arabic": "a2"}, "3": {"Arabic": "a3"},
                  "4": {"Arabic": "a4"}, "5": {"Arabic": "a5"}, "6": {"Arabic": "a6"},
                  "7": {"Arabic": "a7"}}}
}`

const kumaylDua = `{"id": "kumayl", "title": "Dua Kumayl", "arabic": ["a", "b", "c"], "translation": ["x", "y", "z"]}`

type testServer struct {
	app     *app.Application
	baseURL string
	wsURL   string
}

func startServer(t *testing.T, grace time.Duration) *testServer {
	t.Helper()

	dataDir := t.TempDir()
	writeData(t, dataDir, content.QuranArabicFile, fatihaArabic)
	writeData(t, dataDir, filepath.Join(content.DuaDir, "kumayl.json"), kumaylDua)

	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Content.DatabasePath = filepath.Join(t.TempDir(), "content.db")
	cfg.Content.DataDir = dataDir
	cfg.Session.GracePeriod = grace
	cfg.Log.Level = "disabled"

	application, err := app.NewApplication(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, application.Start(ctx))
	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = application.Stop(stopCtx)
	})

	base := "http://" + application.Addr()
	return &testServer{
		app:     application,
		baseURL: base,
		wsURL:   "ws" + strings.TrimPrefix(base, "http") + "/ws",
	}
}

func writeData(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func (s *testServer) getJSON(t *testing.T, path string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(s.baseURL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

// peer is one client process: transport, resolver chain and agent
type peer struct {
	name      string
	transport *client.Transport
	agent     *client.Agent
}

func (s *testServer) connect(t *testing.T, name string) *peer {
	t.Helper()
	tr := client.NewTransport(s.wsURL, client.TransportOptions{
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	})
	resolver := client.NewCachingResolver(client.NewRemoteResolver(tr), tr.Online)
	agent := client.NewAgent(tr, resolver, client.AgentOptions{FetchTimeout: 2 * time.Second})
	tr.SetListener(agent)
	tr.Start()

	p := &peer{name: name, transport: tr, agent: agent}
	t.Cleanup(p.leave)
	p.await(t, "connected", func(s client.State) bool { return s.ConnectionID != "" })
	return p
}

// leave drops the socket the way a closed tab would
func (p *peer) leave() {
	_ = p.transport.Close()
}

func (p *peer) await(t *testing.T, what string, cond func(client.State) bool) client.State {
	t.Helper()
	require.Eventually(t, func() bool { return cond(p.agent.State()) }, waitFor, 5*time.Millisecond,
		fmt.Sprintf("%s: %s", p.name, what))
	return p.agent.State()
}

func (p *peer) host(t *testing.T) string {
	t.Helper()
	require.NoError(t, p.agent.CreateSession(p.name))
	s := p.await(t, "session created", func(s client.State) bool { return s.InSession() && len(s.Participants) == 1 })
	return s.SessionID
}

func (p *peer) join(t *testing.T, sessionID string, participants int) client.State {
	t.Helper()
	require.NoError(t, p.agent.JoinSession(sessionID, p.name))
	return p.await(t, "joined", func(s client.State) bool {
		return s.SessionID == sessionID && len(s.Participants) == participants
	})
}

func hostOf(list []types.ParticipantView) string {
	for _, pv := range list {
		if pv.IsHost {
			return pv.Name
		}
	}
	return ""
}
