package pause

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kustodia/escrowd/internal/access"
	"github.com/kustodia/escrowd/internal/auth"
)

const (
	admin  = "0x00000000000000000000000000000000000000A1"
	pauser = "0x00000000000000000000000000000000000000C1"
	bridge = "0x00000000000000000000000000000000000000B1"
)

func newTestSwitch(t *testing.T, store Store) *Switch {
	t.Helper()
	guard := access.NewGuard(access.NewMemoryStore(), nil)
	require.NoError(t, guard.Bootstrap(context.Background(), map[access.Role][]string{
		access.RoleAdministrator:  {admin},
		access.RolePauseOperator:  {pauser},
		access.RoleBridgeOperator: {bridge},
	}))
	sw, err := New(context.Background(), store, guard, nil)
	require.NoError(t, err)
	return sw
}

func TestSwitch_PauseUnpause(t *testing.T) {
	sw := newTestSwitch(t, NewMemoryStore())
	ctx := context.Background()

	assert.False(t, sw.Paused())
	assert.NoError(t, sw.Check())

	require.NoError(t, sw.Pause(ctx, pauser))
	assert.True(t, sw.Paused())
	assert.ErrorIs(t, sw.Check(), ErrPaused)
	assert.Equal(t, pauser, sw.State().UpdatedBy)

	assert.ErrorIs(t, sw.Pause(ctx, admin), ErrPaused)

	require.NoError(t, sw.Unpause(ctx, admin))
	assert.False(t, sw.Paused())
	assert.ErrorIs(t, sw.Unpause(ctx, admin), ErrNotPaused)
}

func TestSwitch_RequiresRole(t *testing.T) {
	sw := newTestSwitch(t, NewMemoryStore())

	err := sw.Pause(context.Background(), bridge)
	assert.ErrorIs(t, err, access.ErrUnauthorized)
	assert.False(t, sw.Paused())
}

func TestSwitch_SurvivesRestart(t *testing.T) {
	store := NewMemoryStore()
	sw := newTestSwitch(t, store)
	require.NoError(t, sw.Pause(context.Background(), pauser))

	restarted := newTestSwitch(t, store)
	assert.True(t, restarted.Paused())
}

type failingStore struct{ MemoryStore }

func (f *failingStore) Save(context.Context, *State) error { return errors.New("disk full") }

func TestSwitch_PersistFailureLeavesFlag(t *testing.T) {
	sw := newTestSwitch(t, &failingStore{})

	err := sw.Pause(context.Background(), pauser)
	require.Error(t, err)
	assert.False(t, sw.Paused())
}

func TestHandler_Pause(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sw := newTestSwitch(t, NewMemoryStore())

	as := func(identity string) gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Set(auth.ContextKeyIdentity, identity)
			c.Next()
		}
	}

	tests := []struct {
		name   string
		caller string
		path   string
		want   int
	}{
		{"bridge cannot pause", bridge, "/pause", http.StatusForbidden},
		{"pauser pauses", pauser, "/pause", http.StatusOK},
		{"double pause", admin, "/pause", http.StatusConflict},
		{"admin unpauses", admin, "/unpause", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			g := r.Group("/", as(tt.caller))
			NewHandler(sw).RegisterAdminRoutes(g)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, tt.path, nil))
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}
