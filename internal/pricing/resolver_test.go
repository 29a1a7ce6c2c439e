package pricing

import (
	"context"
	"errors"
	"math"
	"testing"

	"ordergate/internal/instrument"
)

func fixedSource(name string, price float64) Source {
	return NewSourceFunc(name, func(ctx context.Context, inst instrument.Instrument) (float64, error) {
		return price, nil
	})
}

func emptySource(name string) Source {
	return NewSourceFunc(name, func(ctx context.Context, inst instrument.Instrument) (float64, error) {
		return 0, ErrNoData
	})
}

func TestResolve_SkipsInvalidValues(t *testing.T) {
	resolver := NewResolver(nil,
		fixedSource("venue_quote", math.NaN()),
		fixedSource("last_trade", math.NaN()),
		fixedSource("previous_close", 101.25),
	)

	quote, err := resolver.Resolve(context.Background(), instrument.Parse("AAPL"))
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if quote.Price != 101.25 {
		t.Errorf("unexpected price: got %v want 101.25", quote.Price)
	}
	if quote.Source != "previous_close" {
		t.Errorf("unexpected source: got %s want previous_close", quote.Source)
	}
	if quote.AsOf.IsZero() {
		t.Errorf("expected non-zero AsOf timestamp")
	}
}

func TestResolve_AllExhausted(t *testing.T) {
	resolver := NewResolver(nil,
		fixedSource("venue_quote", math.NaN()),
		emptySource("last_trade"),
	)

	_, err := resolver.Resolve(context.Background(), instrument.Parse("AAPL"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestResolve_RejectsNonPositive(t *testing.T) {
	resolver := NewResolver(nil,
		fixedSource("venue_quote", 0),
		fixedSource("last_trade", -5),
		fixedSource("previous_close", math.Inf(1)),
	)

	_, err := resolver.Resolve(context.Background(), instrument.Parse("MSFT"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestResolve_AppendedSourceServesAsFallback(t *testing.T) {
	resolver := NewResolver(nil, emptySource("venue_quote"))
	resolver.Append(fixedSource("external_provider", 55.5))

	quote, err := resolver.Resolve(context.Background(), instrument.Parse("TSLA"))
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if quote.Source != "external_provider" || quote.Price != 55.5 {
		t.Fatalf("unexpected quote: %+v", quote)
	}
}

func TestResolve_SourceErrorTreatedAsNoData(t *testing.T) {
	boom := errors.New("connection reset")
	resolver := NewResolver(nil,
		NewSourceFunc("venue_quote", func(ctx context.Context, inst instrument.Instrument) (float64, error) {
			return 0, boom
		}),
		fixedSource("last_trade", 42),
	)

	quote, err := resolver.Resolve(context.Background(), instrument.Parse("NVDA"))
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if quote.Price != 42 {
		t.Errorf("unexpected price: got %v want 42", quote.Price)
	}
}
