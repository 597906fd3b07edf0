package testsupport

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"transmute/internal/backend"
	"transmute/internal/formats"
)

// TransformFunc produces the output bytes for a fake conversion.
type TransformFunc func(input []byte, opts backend.Options) ([]byte, error)

// FakeBackend is a scriptable backend for tests. By default it appends
// "|<id>" to the input bytes.
type FakeBackend struct {
	id      string
	tier    backend.Tier
	quality float64
	pairs   []formats.Pair

	mu            sync.Mutex
	unavailable   error
	failure       error
	failRemaining int
	delay         time.Duration
	gate          <-chan struct{}
	ignoreContext bool
	transform     TransformFunc
	calls         int
	inputs        []string
	started       chan struct{}
}

// FakeOption customizes a FakeBackend.
type FakeOption func(*FakeBackend)

// NewFakeBackend builds a fake backend declaring pairs ("a>b" or "a:b").
func NewFakeBackend(id string, tier backend.Tier, pairs []string, opts ...FakeOption) *FakeBackend {
	fb := &FakeBackend{
		id:      id,
		tier:    tier,
		quality: 0.9,
		started: make(chan struct{}, 64),
	}
	for _, value := range pairs {
		pair, err := formats.ParsePair(value)
		if err != nil {
			panic(fmt.Sprintf("fake backend %s: %v", id, err))
		}
		fb.pairs = append(fb.pairs, pair)
	}
	for _, opt := range opts {
		opt(fb)
	}
	return fb
}

// WithQuality sets the nominal quality.
func WithQuality(q float64) FakeOption {
	return func(f *FakeBackend) { f.quality = q }
}

// WithUnavailable makes Available return err.
func WithUnavailable(err error) FakeOption {
	return func(f *FakeBackend) { f.unavailable = err }
}

// WithFailure makes every Convert call fail with err.
func WithFailure(err error) FakeOption {
	return func(f *FakeBackend) {
		f.failure = err
		f.failRemaining = -1
	}
}

// WithFailures makes the first n Convert calls fail with err.
func WithFailures(n int, err error) FakeOption {
	return func(f *FakeBackend) {
		f.failure = err
		f.failRemaining = n
	}
}

// WithDelay makes Convert sleep before producing output.
func WithDelay(d time.Duration) FakeOption {
	return func(f *FakeBackend) { f.delay = d }
}

// WithGate blocks Convert until gate is closed.
func WithGate(gate <-chan struct{}) FakeOption {
	return func(f *FakeBackend) { f.gate = gate }
}

// IgnoringContext makes delays and gates ignore cancellation, simulating a
// backend that finishes after its caller gave up.
func IgnoringContext() FakeOption {
	return func(f *FakeBackend) { f.ignoreContext = true }
}

// WithTransform replaces the default output transform.
func WithTransform(fn TransformFunc) FakeOption {
	return func(f *FakeBackend) { f.transform = fn }
}

func (f *FakeBackend) ID() string                     { return f.id }
func (f *FakeBackend) Tier() backend.Tier             { return f.tier }
func (f *FakeBackend) Quality() float64               { return f.quality }
func (f *FakeBackend) SupportedPairs() []formats.Pair { return append([]formats.Pair(nil), f.pairs...) }

func (f *FakeBackend) Available(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unavailable
}

func (f *FakeBackend) Convert(ctx context.Context, input, output string, opts backend.Options) error {
	f.mu.Lock()
	f.calls++
	f.inputs = append(f.inputs, input)
	delay, gate, ignore := f.delay, f.gate, f.ignoreContext
	var failure error
	if f.failure != nil && f.failRemaining != 0 {
		failure = f.failure
		if f.failRemaining > 0 {
			f.failRemaining--
		}
	}
	transform := f.transform
	f.mu.Unlock()

	select {
	case f.started <- struct{}{}:
	default:
	}

	if gate != nil {
		if ignore {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if delay > 0 {
		if ignore {
			time.Sleep(delay)
		} else {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}
	if failure != nil {
		return failure
	}

	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	if transform == nil {
		data = append(data, []byte("|"+f.id)...)
	} else if data, err = transform(data, opts); err != nil {
		return err
	}
	return os.WriteFile(output, data, 0o644)
}

// Calls returns the number of Convert invocations.
func (f *FakeBackend) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Inputs returns the input paths passed to Convert.
func (f *FakeBackend) Inputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inputs...)
}

// Started receives one value per Convert call that began (buffered).
func (f *FakeBackend) Started() <-chan struct{} {
	return f.started
}
