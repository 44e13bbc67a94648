package entropy

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	settlementtesting "github.com/powersol/settlement/utils/pkg/testing"
)

func newBeacon(t *testing.T, handler http.HandlerFunc) *HTTPProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := NewHTTPProvider(HTTPConfig{Logger: settlementtesting.NewLogger(), BaseURL: srv.URL})
	require.NoError(t, err)
	return p
}

func TestSettlement_Entropy_HTTPProviderDecodesRandomness(t *testing.T) {
	t.Parallel()
	want := []byte(strings.Repeat("k", Size))
	p := newBeacon(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/randomness/draw:jackpot:7", r.URL.Path)
		_ = json.NewEncoder(w).Encode(beaconResponse{RequestID: "draw:jackpot:7", Randomness: hex.EncodeToString(want)})
	})

	got, err := p.Randomness(context.Background(), "draw:jackpot:7")
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSettlement_Entropy_HTTPProviderRejectsShortOrMismatched(t *testing.T) {
	t.Parallel()
	p := newBeacon(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "short") {
			_ = json.NewEncoder(w).Encode(beaconResponse{Randomness: "abcd"})
			return
		}
		_ = json.NewEncoder(w).Encode(beaconResponse{RequestID: "other", Randomness: hex.EncodeToString(make([]byte, Size))})
	})

	_, err := p.Randomness(context.Background(), "short")
	require.ErrorContains(t, err, "want at least")

	_, err = p.Randomness(context.Background(), "mine")
	require.ErrorContains(t, err, "answered request")
}

func TestSettlement_Entropy_HTTPProviderSurfacesStatus(t *testing.T) {
	t.Parallel()
	p := newBeacon(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	})

	_, err := p.Randomness(context.Background(), "x")
	var se *statusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusServiceUnavailable, se.StatusCode())
}

func TestSettlement_Entropy_CryptoProvider(t *testing.T) {
	t.Parallel()
	a, err := CryptoProvider{}.Randomness(context.Background(), "x")
	require.NoError(t, err)
	b, err := CryptoProvider{}.Randomness(context.Background(), "x")
	require.NoError(t, err)
	require.Len(t, a, Size)
	require.NotEqual(t, a, b)
}
