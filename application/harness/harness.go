// Package harness drives a guest through the boundary test sequence: the
// arithmetic entry points, two independent object lifecycles, and the zoo
// and libcall tours.
package harness

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/capguest/capshim/domain/entities"
	"github.com/capguest/capshim/domain/ports"
)

const (
	guestOutputStart = "Until you see 'Back to host', all messages are directly from the guest."
	guestOutputEnd   = "Back to host."
)

// Step is one completed entry point call.
type Step struct {
	Name   string `json:"name"`
	Result string `json:"result,omitempty"`
}

// Report records what the sequence observed.
type Report struct {
	Zero     int32                 `json:"zero"`
	Sum      int32                 `json:"sum"`
	Quotient uint64                `json:"quotient"`
	Objects  []entities.Capability `json:"-"`
	Steps    []Step                `json:"steps"`
}

// Option configures a Run.
type Option func(*runner)

// WithLogger sets the logger progress is reported to.
func WithLogger(logger *slog.Logger) Option {
	return func(r *runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithCycles sets how many make/speak/destroy cycles run (default 2).
func WithCycles(n int) Option {
	return func(r *runner) {
		r.cycles = n
	}
}

type runner struct {
	guest  ports.Guest
	logger *slog.Logger
	cycles int
	report *Report
}

// Run executes the sequence against guest. It stops at the first failing
// entry point and returns the report so far together with that error.
func Run(ctx context.Context, guest ports.Guest, opts ...Option) (*Report, error) {
	if guest == nil {
		return nil, fmt.Errorf("harness requires a guest")
	}
	r := &runner{guest: guest, logger: slog.Default(), cycles: 2, report: &Report{}}
	for _, opt := range opts {
		opt(r)
	}

	steps := []func(context.Context) error{
		r.arithmetic,
		r.tour("arith_tour", guest.ArithTour),
		r.objects,
		r.tour("zoo_tour", guest.ZooTour),
		r.tour("libcall_tour", guest.LibcallTour),
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return r.report, err
		}
	}

	r.logger.InfoContext(ctx, "All done.")
	return r.report, nil
}

func (r *runner) record(name, result string) {
	r.report.Steps = append(r.report.Steps, Step{Name: name, Result: result})
}

func (r *runner) arithmetic(ctx context.Context) error {
	zero, err := r.guest.Zero(ctx)
	if err != nil {
		return fmt.Errorf("zero: %w", err)
	}
	r.report.Zero = zero
	r.record("zero", fmt.Sprint(zero))
	r.logger.InfoContext(ctx, "Got zero from guest", "value", zero)

	sum, err := r.guest.Add(ctx, 4, 2)
	if err != nil {
		return fmt.Errorf("add: %w", err)
	}
	r.report.Sum = sum
	r.record("add", fmt.Sprint(sum))
	r.logger.InfoContext(ctx, "Got add from guest", "value", sum)

	quot, err := r.guest.Div(ctx, 4, 2)
	if err != nil {
		return fmt.Errorf("div: %w", err)
	}
	r.report.Quotient = quot
	r.record("div", fmt.Sprint(quot))
	r.logger.InfoContext(ctx, "Got div from guest", "value", quot)
	return nil
}

// tour wraps an entry point whose only effect is guest output.
func (r *runner) tour(name string, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		r.logger.InfoContext(ctx, guestOutputStart)
		if err := fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		r.logger.InfoContext(ctx, guestOutputEnd)
		r.record(name, "")
		return nil
	}
}

func (r *runner) objects(ctx context.Context) error {
	for i := 0; i < r.cycles; i++ {
		r.logger.InfoContext(ctx, "Making an animal from guest", "cycle", i+1)
		obj, err := r.guest.MakeObject(ctx)
		if err != nil {
			return fmt.Errorf("animal_make: %w", err)
		}
		r.report.Objects = append(r.report.Objects, obj)
		r.record("animal_make", obj.String())
		r.logger.InfoContext(ctx, "Got it", "object", obj.String())

		r.logger.InfoContext(ctx, "Let's make it speak!")
		if err := r.guest.ObjectSpeak(ctx, obj); err != nil {
			return fmt.Errorf("animal_speak: %w", err)
		}
		r.record("animal_speak", "")

		if err := r.guest.ObjectDestroy(ctx, obj); err != nil {
			return fmt.Errorf("animal_destroy: %w", err)
		}
		r.record("animal_destroy", "")
	}
	return nil
}
