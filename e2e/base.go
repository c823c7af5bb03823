package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"messenger-hub/auth"
	"messenger-hub/client"
	"messenger-hub/domain"
	"messenger-hub/domain/event"
	"messenger-hub/infrastructure/httpapi"
	"messenger-hub/infrastructure/ws"
	"messenger-hub/observability"
	"messenger-hub/repositories"
	"messenger-hub/runtime"
	"messenger-hub/runtime/workers"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/suite"
)

type BaseHubSuite struct {
	suite.Suite
	Config Config
	Auth   *auth.JWTAuthenticator

	baseURL string
	stop    func()
}

// SetupSuite loads the environment configuration and boots a hub unless one is given.
func (s *BaseHubSuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
	s.Auth = auth.NewJWTAuthenticator(s.Config.JWTSecret, s.Config.JWTIssuer)

	if s.Config.HubAddr != "" {
		s.baseURL = strings.TrimRight(s.Config.HubAddr, "/")
		s.stop = func() {}
		return
	}
	s.baseURL, s.stop = s.bootHub()
}

func (s *BaseHubSuite) TearDownSuite() {
	if s.stop != nil {
		s.stop()
	}
}

func (s *BaseHubSuite) bootHub() (string, func()) {
	log := logs.GetLoggerFromLevel(slog.LevelWarn)
	db, err := badger.Open(badger.DefaultOptions(s.T().TempDir()).WithLoggingLevel(badger.ERROR))
	s.Require().NoError(err)
	store := repositories.NewBadgerStore(db, log)

	telemetry := make(chan event.Event, 256)
	supervisor := workers.NewSupervisor(log, telemetry, 50*time.Millisecond)
	stack := runtime.NewHubStack(log, s.Auth, store, store, supervisor, nil, telemetry, runtime.StackConfig{
		Router:            runtime.RouterConfig{PersistTimeout: time.Second, SendTimeout: time.Second, EchoToSender: true},
		Hub:               runtime.HubConfig{SendTimeout: time.Second, DrainTimeout: time.Second, MaxBodyBytes: 1024},
		PendingMaxPerUser: 100,
		PendingTTL:        time.Hour,
	})
	hub, membership := stack.Hub, stack.Membership
	hub.Add(
		workers.NewMembershipWatcher(log, store, membership, nil),
		workers.NewTelemetryWorker(log, telemetry, nil),
	)
	s.Require().NoError(hub.Start(context.Background()))

	mux := http.NewServeMux()
	mux.Handle("GET /ws", ws.NewHandler(log, hub, ws.Config{ReadLimit: 8192}))
	httpapi.NewMemberAdmin(log, store, membership).Register(mux, func(h http.Handler) http.Handler {
		return auth.RequireRole(s.Auth, "admin", h)
	})
	mux.Handle("GET /healthz", httpapi.Health(func() observability.MonitoringStats {
		return observability.MonitoringStats{Connections: hub.CurrentConnectionCount(), PendingTotal: hub.PendingTotal()}
	}))
	server := httptest.NewServer(mux)

	return server.URL, func() {
		hub.Stop()
		server.Close()
		_ = store.Close()
	}
}

// Step prints a colorized header for a scenario step in logs.
func (s *BaseHubSuite) Step(name string) {
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	s.T().Log(header)
}

// Token mints a token for user with the given roles.
func (s *BaseHubSuite) Token(user domain.UserID, roles ...string) string {
	token, err := s.Auth.GenerateToken(user, roles, time.Hour)
	s.Require().NoError(err)
	return token
}

// Connect opens a device connection for user. It is closed with the test.
func (s *BaseHubSuite) Connect(user domain.UserID, device string) *Device {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, "ws"+strings.TrimPrefix(s.baseURL, "http")+"/ws", s.Token(user), device)
	s.Require().NoError(err)
	d := &Device{Client: c, s: s, name: fmt.Sprintf("%s/%s", user, device)}
	s.T().Cleanup(func() { _ = c.Close() })
	return d
}

// dialRaw connects with an arbitrary token.
func (s *BaseHubSuite) dialRaw(token string) *client.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, "ws"+strings.TrimPrefix(s.baseURL, "http")+"/ws", token, "raw")
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = c.Close() })
	return c
}

// AddMember calls the admin API.
func (s *BaseHubSuite) AddMember(conversation domain.ConversationID, user domain.UserID) {
	url := fmt.Sprintf("%s/admin/conversations/%s/members/%s", s.baseURL, conversation, user)
	r, err := http.NewRequest(http.MethodPut, url, nil)
	s.Require().NoError(err)
	r.Header.Set("Authorization", "Bearer "+s.Token("e2e-admin", "admin"))
	res, err := http.DefaultClient.Do(r)
	s.Require().NoError(err)
	defer res.Body.Close()
	s.Require().Equal(http.StatusNoContent, res.StatusCode)
}

// WaitConnections polls the health endpoint until the hub counts n live connections.
// Against an external hub this needs a short METRIC_INTERVAL.
func (s *BaseHubSuite) WaitConnections(n int) {
	s.Require().Eventually(func() bool {
		res, err := http.Get(s.baseURL + "/healthz")
		if err != nil {
			return false
		}
		defer res.Body.Close()
		var body struct {
			Stats observability.MonitoringStats `json:"stats"`
		}
		if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
			return false
		}
		return body.Stats.Connections == n
	}, 5*time.Second, 20*time.Millisecond)
}

// Device is a test client which logs what it receives.
type Device struct {
	*client.Client
	s    *BaseHubSuite
	name string
}

// Expect reads envelopes until one of type t arrives, skipping the others.
func (d *Device) Expect(t domain.EnvelopeType) domain.Envelope {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		env, err := d.Next(time.Until(deadline))
		d.s.Require().NoError(err, "%s waiting for %s", d.name, t)
		if d.s.Config.DebugJSON {
			raw, _ := json.MarshalIndent(env, "", "  ")
			d.s.T().Logf("%s <- %s", d.name, raw)
		}
		if env.Type == t {
			return env
		}
	}
	d.s.FailNow(fmt.Sprintf("%s never received %s", d.name, t))
	return domain.Envelope{}
}

// ExpectNothing asserts no envelope of type t arrives within wait.
// The read deadline leaves the connection unusable: call it last on a device.
func (d *Device) ExpectNothing(t domain.EnvelopeType, wait time.Duration) {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		env, err := d.Next(time.Until(deadline))
		if err != nil {
			return
		}
		d.s.Require().NotEqual(t, env.Type, "%s got unexpected %+v", d.name, env)
	}
}
