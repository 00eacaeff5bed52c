package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/infusion/internal/domain"
)

type recordingSender struct {
	name   string
	err    error
	titles []string
}

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.titles = append(s.titles, title)
	return s.err
}

func (s *recordingSender) Name() string { return s.name }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierFiltersKinds(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"yield_harvested"}, quietLogger())

	require.NoError(t, n.Notify(context.Background(), domain.NewEvent(domain.EventPositionCreated, 1)))
	require.NoError(t, n.Notify(context.Background(), domain.NewEvent(domain.EventYieldHarvested, 0)))

	assert.Equal(t, []string{"Yield harvested"}, s.titles)
}

func TestNotifierKeepsDeliveringAfterFailure(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("down")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, quietLogger())

	err := n.Notify(context.Background(), domain.NewEvent(domain.EventPositionDestroyed, 4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Len(t, good.titles, 1)
}

func TestNotifierWithoutSendersWantsNothing(t *testing.T) {
	n := NewNotifier(nil, nil, quietLogger())
	assert.False(t, n.Wants(domain.EventPositionCreated))
}

func TestFormatDeposit(t *testing.T) {
	ev := domain.NewEvent(domain.EventDepositRecorded, 7)
	ev.Vault = common.HexToAddress("0xfa11")
	ev.Amount = big.NewInt(10)
	ev.Shares = big.NewInt(9)

	title, body := Format(ev)
	assert.Equal(t, "Position 7 staked", title)
	assert.Contains(t, body, "amount 10")
	assert.Contains(t, body, "shares 9")

	_, body = Format(domain.NewEvent(domain.EventYieldHarvested, 0))
	assert.Contains(t, body, "amount 0")
}

func TestDiscordSenderPostsContent(t *testing.T) {
	var got discordMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL)
	require.NoError(t, d.Send(context.Background(), "Position 1 minted", "owner 0xabc"))
	assert.Equal(t, "**Position 1 minted**\n```\nowner 0xabc\n```", got.Content)
	assert.Equal(t, "infusion", got.Username)
	assert.Empty(t, got.AllowedMentions.Parse)
}

func TestDiscordSenderReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestDiscordSenderRetriesOnceAfterRateLimit(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0.01")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), "t", "m"))
	assert.Equal(t, 2, calls)
}

func TestDiscordContentStaysUnderLimit(t *testing.T) {
	long := strings.Repeat("x", 3*discordContentLimit)
	got := discordContent("Yield harvested", long)
	assert.LessOrEqual(t, len(got), discordContentLimit)
	assert.True(t, strings.HasSuffix(got, "…\n```"))
}
