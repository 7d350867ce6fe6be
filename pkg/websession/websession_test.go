package websession

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cloudquay/cloudquay/pkg/platform"
	"github.com/cloudquay/cloudquay/pkg/rm"
	"github.com/cloudquay/cloudquay/pkg/security"
)

const (
	testSessionID = "sess-1"
	testUserID    = "user-1"
	testGlobalID  = "g_GlobalConfiguration"
)

// fakeSecurity is a scriptable in-memory security backend.
type fakeSecurity struct {
	mu sync.Mutex

	// permissions maps auth-session handles to permission sets.
	permissions map[string][]string

	// grants is returned from GetAllAvailableObjectsPermissions.
	grants []security.ObjectPermission

	closedHandles []string
	updateCalls   int
	anonCalls     int

	anonErr   error
	permsErr  error
	grantsErr error
	updateErr error
	closeErr  error
}

func newFakeSecurity() *fakeSecurity {
	return &fakeSecurity{permissions: make(map[string][]string)}
}

func (f *fakeSecurity) AuthenticateAnonymousUser(_ context.Context, sessionID string, _ map[string]any, _ string) (*security.AuthInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.anonErr != nil {
		return nil, f.anonErr
	}
	f.anonCalls++
	handle := "anon-" + fmt.Sprint(f.anonCalls) + "-" + sessionID
	f.permissions[handle] = nil
	return &security.AuthInfo{
		SessionHandle: handle,
		Principal:     &security.Principal{Anonymous: true},
	}, nil
}

func (f *fakeSecurity) GetSubjectPermissions(_ context.Context, sessionHandle string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.permsErr != nil {
		return nil, f.permsErr
	}
	return f.permissions[sessionHandle], nil
}

func (f *fakeSecurity) GetAllAvailableObjectsPermissions(_ context.Context, _ string, objectType security.ObjectType) ([]security.ObjectPermission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.grantsErr != nil {
		return nil, f.grantsErr
	}
	var result []security.ObjectPermission
	for _, g := range f.grants {
		if g.ObjectType == objectType {
			result = append(result, g)
		}
	}
	return result, nil
}

func (f *fakeSecurity) UpdateSession(_ context.Context, _ string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updateCalls++
	return nil
}

func (f *fakeSecurity) CloseAuthSession(_ context.Context, sessionHandle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closedHandles = append(f.closedHandles, sessionHandle)
	return nil
}

func (f *fakeSecurity) closed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closedHandles...)
}

func (f *fakeSecurity) grantDataSource(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants = append(f.grants, security.ObjectPermission{
		ObjectID:   id,
		ObjectType: security.ObjectTypeDataSource,
	})
}

func (f *fakeSecurity) revokeDataSource(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, g := range f.grants {
		if g.ObjectID == id && g.ObjectType == security.ObjectTypeDataSource {
			f.grants = append(f.grants[:i], f.grants[i+1:]...)
			return
		}
	}
}

// setPermissions scripts the permission set for a handle.
func (f *fakeSecurity) setPermissions(handle string, perms ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions[handle] = perms
}

var _ security.Controller = (*fakeSecurity)(nil)

// testRM wraps the in-memory resource manager with scriptable failures.
type testRM struct {
	*rm.MemoryController

	mu    sync.Mutex
	dsErr error
}

func newTestRM() *testRM {
	return &testRM{MemoryController: rm.NewMemoryController()}
}

// FailDataSources makes every subsequent ListDataSources call fail.
func (t *testRM) FailDataSources(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dsErr = err
}

func (t *testRM) ListDataSources(ctx context.Context, projectID string) ([]*rm.DataSource, error) {
	t.mu.Lock()
	dsErr := t.dsErr
	t.mu.Unlock()
	if dsErr != nil {
		return nil, dsErr
	}
	return t.MemoryController.ListDataSources(ctx, projectID)
}

type testEnv struct {
	cfg *platform.Config
	sec *fakeSecurity
	rm  *testRM
	app *App
}

type testEnvOption func(*testEnv)

func withConfig(mutate func(*platform.Config)) testEnvOption {
	return func(e *testEnv) { mutate(e.cfg) }
}

func newTestEnv(opts ...testEnvOption) *testEnv {
	e := &testEnv{
		cfg: platform.DefaultConfig(),
		sec: newFakeSecurity(),
		rm:  newTestRM(),
	}
	e.cfg.Auth.AllowAnonymous = true
	for _, opt := range opts {
		opt(e)
	}
	e.app = NewApp(e.cfg, e.sec, e.rm,
		WithLogger(slog.New(slog.DiscardHandler)),
	)
	return e
}

// newSession creates a session against the env's backends.
func (e *testEnv) newSession(id string) *Session {
	return NewSession(context.Background(), e.app, id, RequestMeta{RemoteAddr: "127.0.0.1:1234"})
}

// seedGlobal registers the global project with the given data sources.
func (e *testEnv) seedGlobal(dsIDs ...string) {
	e.rm.AddProject(rm.GlobalProject())
	for _, id := range dsIDs {
		e.rm.AddDataSource(testGlobalID, &rm.DataSource{ID: id, Name: id, Driver: "postgresql"})
	}
}

// userToken builds an auth token resolving to a named user.
func userToken(provider, userID, handle string) *AuthToken {
	return &AuthToken{
		Provider:      provider,
		Principal:     &security.Principal{UserID: userID, DisplayName: userID},
		SessionHandle: handle,
	}
}
