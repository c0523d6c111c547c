package demo

import (
	"bytes"
	"context"
	"math"
	"testing"
	"time"

	"github.com/capguest/capshim/domain/entities"
	"github.com/capguest/capshim/hostfuncs"
	"github.com/capguest/capshim/infrastructure/quotaheap"
	"github.com/capguest/capshim/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	heapBase   = 0x1000
	staticAddr = 0x10
)

type testEnv struct {
	guest   *Guest
	session *hostfuncs.Session
	out     *bytes.Buffer
}

func newEnv(t *testing.T, quota uint32) *testEnv {
	t.Helper()
	logger := testutil.DiscardLogger()

	heap, err := quotaheap.New(heapBase, quota)
	require.NoError(t, err)

	out := &bytes.Buffer{}
	session, err := hostfuncs.NewSession(heap,
		hostfuncs.WithMemory(make(hostfuncs.SliceBytes, heapBase+quota)),
		hostfuncs.WithGlobals(entities.RootCapability(0, heapBase, hostfuncs.GlobalsPermissions)),
		hostfuncs.WithOutput(hostfuncs.NewOutputBridge(out, logger)),
		hostfuncs.WithLogger(logger),
		hostfuncs.WithAllocatorOptions(hostfuncs.WithAllocTimeout(10*time.Millisecond)),
	)
	require.NoError(t, err)

	g, err := New(session, WithStatic(session.Globals().Narrow(staticAddr, 4)))
	require.NoError(t, err)
	return &testEnv{guest: g, session: session, out: out}
}

func TestNew_RequiresHost(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestGuest_Arithmetic(t *testing.T) {
	env := newEnv(t, 256)
	ctx := context.Background()

	z, err := env.guest.Zero(ctx)
	require.NoError(t, err)
	assert.Zero(t, z)

	tests := []struct {
		name string
		a, b int32
		want int32
	}{
		{name: "small", a: 4, b: 2, want: 6},
		{name: "negative", a: -3, b: 1, want: -2},
		{name: "wraps", a: math.MaxInt32, b: 1, want: math.MinInt32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.guest.Add(ctx, tt.a, tt.b)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	q, err := env.guest.Div(ctx, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), q)
}

func TestGuest_DivideByZero(t *testing.T) {
	env := newEnv(t, 256)

	_, err := env.guest.Div(context.Background(), 4, 0)
	assert.Equal(t, "attempt to divide by zero", testutil.RequireGuestFault(t, err))
}

func TestGuest_ArithTour(t *testing.T) {
	env := newEnv(t, 256)

	require.NoError(t, env.guest.ArithTour(context.Background()))
	assert.Equal(t, "zero: 0\nadd(5, 5): 10\ndiv(8, 4): 2\n", env.out.String())
}

func TestGuest_ZooTour(t *testing.T) {
	env := newEnv(t, 256)

	require.NoError(t, env.guest.ZooTour(context.Background()))
	assert.Equal(t, "Making some animals, and testing basic dynamic dispatch:\n"+
		"woof!\nwoof!\nmeow!\nmeow!\n", env.out.String())
}

func TestGuest_LibcallTour(t *testing.T) {
	t.Run("with static", func(t *testing.T) {
		env := newEnv(t, 256)

		require.NoError(t, env.guest.LibcallTour(context.Background()))
		assert.Equal(t, "Checking null ptr gives: false\n"+
			"Checking ptr to static with perms (R) gives: true\n"+
			"Checking ptr to static with perms (RX) gives: false\n", env.out.String())
	})

	t.Run("without static", func(t *testing.T) {
		env := newEnv(t, 256)
		g, err := New(env.session)
		require.NoError(t, err)

		require.NoError(t, g.LibcallTour(context.Background()))
		assert.Contains(t, env.out.String(), "perms (R) gives: false")
	})
}

func TestGuest_ObjectLifecycle(t *testing.T) {
	env := newEnv(t, 256)
	ctx := context.Background()

	for cycle := 0; cycle < 2; cycle++ {
		env.out.Reset()

		obj, err := env.guest.MakeObject(ctx)
		require.NoError(t, err)
		assert.True(t, hostfuncs.IsValid(obj))
		assert.GreaterOrEqual(t, obj.Len(), uint32(objectSize))

		require.NoError(t, env.guest.ObjectSpeak(ctx, obj))
		assert.Contains(t, []string{"woof!\n", "meow!\n"}, env.out.String())

		require.NoError(t, env.guest.ObjectDestroy(ctx, obj))
		assert.Zero(t, env.session.Allocator().Heap().Stats().Blocks)
	}
}

func TestGuest_MakeObjectIsDeterministic(t *testing.T) {
	ctx := context.Background()
	speak := func() string {
		env := newEnv(t, 256)
		for i := 0; i < 4; i++ {
			obj, err := env.guest.MakeObject(ctx)
			require.NoError(t, err)
			require.NoError(t, env.guest.ObjectSpeak(ctx, obj))
		}
		return env.out.String()
	}

	assert.Equal(t, speak(), speak())
}

func TestGuest_NullObjectsAreIgnored(t *testing.T) {
	env := newEnv(t, 256)
	ctx := context.Background()

	require.NoError(t, env.guest.ObjectSpeak(ctx, entities.Capability{}))
	require.NoError(t, env.guest.ObjectDestroy(ctx, entities.Capability{}))
	assert.Empty(t, env.out.String())
}

func TestGuest_SpeakRejectsForeignObjects(t *testing.T) {
	env := newEnv(t, 256)
	ctx := context.Background()

	c := env.session.Allocate(ctx, objectSize)
	require.NoError(t, env.session.Memory().Store(c, []byte{9}))

	err := env.guest.ObjectSpeak(ctx, c)
	assert.Contains(t, testutil.RequireGuestFault(t, err), "not an animal")
}

func TestGuest_SpeakAfterDestroyFaults(t *testing.T) {
	env := newEnv(t, 256)
	ctx := context.Background()

	obj, err := env.guest.MakeObject(ctx)
	require.NoError(t, err)
	require.NoError(t, env.guest.ObjectDestroy(ctx, obj))

	err = env.guest.ObjectSpeak(ctx, obj)
	assert.Contains(t, testutil.RequireGuestFault(t, err), "got pointer")
	assert.Empty(t, env.out.String())
}

func TestGuest_MakeObjectBeyondQuota(t *testing.T) {
	env := newEnv(t, objectSize)
	ctx := context.Background()

	_, err := env.guest.MakeObject(ctx)
	require.NoError(t, err)

	_, err = env.guest.MakeObject(ctx)
	testutil.RequireTermination(t, err)
}
