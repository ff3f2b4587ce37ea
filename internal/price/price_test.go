package price

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "ChainPilot/internal/errors"
)

func TestCoinGeckoPrice(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		if r.URL.Path != "/simple/price" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"solana":{"usd":142.37}}`))
	}))
	defer srv.Close()

	oracle := NewCoinGecko(Config{BaseURL: srv.URL})
	quote, err := oracle.Price(context.Background())
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if quote != (Quote{Asset: "solana", Currency: "usd", Price: 142.37}) {
		t.Fatalf("unexpected quote %+v", quote)
	}
	if query != "ids=solana&vs_currencies=usd" {
		t.Fatalf("unexpected query %q", query)
	}
}

func TestCoinGeckoMissingQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewCoinGecko(Config{BaseURL: srv.URL}).Price(context.Background())
	if xerrors.CodeOf(err) != xerrors.CodePriceUnavailable {
		t.Fatalf("expected price unavailable, got %v", err)
	}
}

type oracleStub struct {
	calls int
	quote Quote
	err   error
}

func (o *oracleStub) Price(context.Context) (Quote, error) {
	o.calls++
	return o.quote, o.err
}

func TestCachedServesFromCache(t *testing.T) {
	stub := &oracleStub{quote: Quote{Asset: "solana", Currency: "usd", Price: 100}}
	cache := NewMemoryCache()
	now := time.Unix(1_700_000_000, 0)
	cache.now = func() time.Time { return now }

	oracle := NewCached(stub, cache, time.Minute)
	for i := 0; i < 3; i++ {
		quote, err := oracle.Price(context.Background())
		if err != nil || quote.Price != 100 {
			t.Fatalf("unexpected result %+v %v", quote, err)
		}
	}
	if stub.calls != 1 {
		t.Fatalf("expected one upstream call, got %d", stub.calls)
	}

	now = now.Add(2 * time.Minute)
	if _, err := oracle.Price(context.Background()); err != nil {
		t.Fatalf("price after expiry: %v", err)
	}
	if stub.calls != 2 {
		t.Fatalf("expected refresh after expiry, got %d calls", stub.calls)
	}
}

func TestCachedDoesNotCacheErrors(t *testing.T) {
	stub := &oracleStub{err: errors.New("down")}
	oracle := NewCached(stub, NewMemoryCache(), time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := oracle.Price(context.Background()); err == nil {
			t.Fatalf("expected error")
		}
	}
	if stub.calls != 2 {
		t.Fatalf("expected every call to reach the oracle, got %d", stub.calls)
	}
}

func TestNewCachedWithoutTTLReturnsOracle(t *testing.T) {
	stub := &oracleStub{}
	if NewCached(stub, NewMemoryCache(), 0) != Oracle(stub) {
		t.Fatalf("expected oracle to be returned unchanged")
	}
}
