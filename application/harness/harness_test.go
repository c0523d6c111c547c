package harness_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/capguest/capshim/application/harness"
	"github.com/capguest/capshim/domain/entities"
	domainerrors "github.com/capguest/capshim/domain/errors"
	"github.com/capguest/capshim/guest/demo"
	"github.com/capguest/capshim/host"
	"github.com/capguest/capshim/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedGuest records calls and fails the entry point named in failAt.
type scriptedGuest struct {
	calls  []string
	failAt string
}

func (g *scriptedGuest) step(name string) error {
	g.calls = append(g.calls, name)
	if name == g.failAt {
		return &domainerrors.TerminationError{Cause: &domainerrors.GuestFaultError{Message: name}}
	}
	return nil
}

func (g *scriptedGuest) Zero(context.Context) (int32, error) { return 0, g.step("zero") }
func (g *scriptedGuest) Add(_ context.Context, a, b int32) (int32, error) {
	return a + b, g.step("add")
}
func (g *scriptedGuest) Div(_ context.Context, a, b uint64) (uint64, error) {
	return a / b, g.step("div")
}
func (g *scriptedGuest) ArithTour(context.Context) error { return g.step("arith_tour") }
func (g *scriptedGuest) MakeObject(context.Context) (entities.Capability, error) {
	return entities.RootCapability(0x1000, 8, entities.DataPermissions), g.step("animal_make")
}
func (g *scriptedGuest) ObjectSpeak(context.Context, entities.Capability) error {
	return g.step("animal_speak")
}
func (g *scriptedGuest) ObjectDestroy(context.Context, entities.Capability) error {
	return g.step("animal_destroy")
}
func (g *scriptedGuest) ZooTour(context.Context) error     { return g.step("zoo_tour") }
func (g *scriptedGuest) LibcallTour(context.Context) error { return g.step("libcall_tour") }

var fullSequence = []string{
	"zero", "add", "div", "arith_tour",
	"animal_make", "animal_speak", "animal_destroy",
	"animal_make", "animal_speak", "animal_destroy",
	"zoo_tour", "libcall_tour",
}

func TestRun_Sequence(t *testing.T) {
	g := &scriptedGuest{}

	report, err := harness.Run(context.Background(), g, harness.WithLogger(testutil.DiscardLogger()))
	require.NoError(t, err)

	assert.Equal(t, fullSequence, g.calls)
	assert.Equal(t, int32(6), report.Sum)
	assert.Equal(t, uint64(2), report.Quotient)
	assert.Len(t, report.Objects, 2)
	assert.Len(t, report.Steps, len(fullSequence))
}

func TestRun_StopsAtFirstFailure(t *testing.T) {
	g := &scriptedGuest{failAt: "animal_speak"}

	report, err := harness.Run(context.Background(), g, harness.WithLogger(testutil.DiscardLogger()))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "animal_speak: "))

	var term *domainerrors.TerminationError
	assert.True(t, errors.As(err, &term))
	assert.Equal(t, fullSequence[:6], g.calls)
	assert.Len(t, report.Objects, 1)
}

func TestRun_Cycles(t *testing.T) {
	g := &scriptedGuest{}

	report, err := harness.Run(context.Background(), g,
		harness.WithLogger(testutil.DiscardLogger()),
		harness.WithCycles(3))
	require.NoError(t, err)
	assert.Len(t, report.Objects, 3)
}

func TestRun_RequiresGuest(t *testing.T) {
	_, err := harness.Run(context.Background(), nil)
	require.Error(t, err)
}

func TestRun_ReferenceGuest(t *testing.T) {
	ctx := context.Background()
	out := &bytes.Buffer{}

	e, err := host.NewExecutor(ctx, host.WithOutput(out), host.WithLogger(testutil.DiscardLogger()))
	require.NoError(t, err)
	defer func() { _ = e.Close(ctx) }()

	session, err := e.NewLocalSession()
	require.NoError(t, err)
	g, err := demo.New(session,
		demo.WithRunner(e.Runner()),
		demo.WithStatic(session.Globals().Narrow(0x10, 4)))
	require.NoError(t, err)

	report, err := harness.Run(ctx, g, harness.WithLogger(testutil.DiscardLogger()))
	require.NoError(t, err)
	assert.Equal(t, int32(6), report.Sum)
	assert.Zero(t, session.Allocator().Heap().Stats().Blocks)

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 3+2+5+3)
	assert.Equal(t, []string{"zero: 0", "add(5, 5): 10", "div(8, 4): 2"}, lines[:3])
	for _, l := range lines[3:5] {
		assert.Contains(t, []string{"woof!", "meow!"}, l)
	}
	assert.Equal(t, "Checking ptr to static with perms (R) gives: true", lines[11])
}
