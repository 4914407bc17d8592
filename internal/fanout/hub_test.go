package fanout

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"momentumd/internal/model"
	"momentumd/internal/momentum"
)

func TestTryAdmitEnforcesPerIPAndGlobalCaps(t *testing.T) {
	cache := momentum.NewCache()
	h := NewHub(cache, nil, zap.NewNop())
	h.perIPLimit = 2
	h.globalLimit = 3

	require.True(t, h.TryAdmit("1.1.1.1"))
	require.True(t, h.TryAdmit("1.1.1.1"))
	require.False(t, h.TryAdmit("1.1.1.1"), "third connection from the same IP must be refused")

	require.True(t, h.TryAdmit("2.2.2.2"))
	require.False(t, h.TryAdmit("3.3.3.3"), "global cap reached")
}

func TestBuildRankingSortsDescendingByUpNilsLast(t *testing.T) {
	cache := momentum.NewCache()
	h := NewHub(cache, nil, zap.NewNop())

	keyA := model.SymbolKey{Exchange: model.BinanceSpot, Symbol: "BTC"}
	keyB := model.SymbolKey{Exchange: model.BinanceSpot, Symbol: "ETH"}
	keyC := model.SymbolKey{Exchange: model.BinanceSpot, Symbol: "SOL"}
	cache.Set(model.TF1, keyA, model.Momentum{State: model.Computed, Up: 40})
	cache.Set(model.TF1, keyB, model.Momentum{State: model.Computed, Up: 90})
	cache.Set(model.TF1, keyC, model.Momentum{State: model.Insufficient})

	frame, err := h.buildRanking(model.TF1, nil)
	require.NoError(t, err)

	var msg RankingMessage
	require.NoError(t, json.Unmarshal(frame, &msg))
	require.Len(t, msg.Rankings, 3)
	require.Equal(t, keyB.String(), msg.Rankings[0].Key)
	require.Equal(t, keyA.String(), msg.Rankings[1].Key)
	require.Equal(t, keyC.String(), msg.Rankings[2].Key)
	require.Nil(t, msg.Rankings[2].Up)
}

func TestSetTimeframeMovesSubscriptionAndTriggersEnsure(t *testing.T) {
	cache := momentum.NewCache()
	var ensuredTF model.Timeframe
	ensured := false
	h := NewHub(cache, func(tf model.Timeframe) { ensuredTF = tf; ensured = true }, zap.NewNop())

	s := NewSession("c1", "1.1.1.1", nil, zap.NewNop())
	h.sessions[s] = struct{}{}
	h.byTF[model.TF1][s] = struct{}{}

	h.SetTimeframe(s, model.TF5, 42)

	require.True(t, ensured)
	require.Equal(t, model.TF5, ensuredTF)
	require.Equal(t, model.TF5, s.Timeframe())
	_, stillInTF1 := h.byTF[model.TF1][s]
	require.False(t, stillInTF1)
	_, inTF5 := h.byTF[model.TF5][s]
	require.True(t, inTF5)
}

func TestEnqueueRankingReplacesPending(t *testing.T) {
	s := NewSession("c1", "1.1.1.1", nil, zap.NewNop())
	s.EnqueueRanking([]byte("first"))
	s.EnqueueRanking([]byte("second"))

	select {
	case frame := <-s.pendingRank:
		require.Equal(t, "second", string(frame))
	default:
		t.Fatal("expected a pending ranking frame")
	}
}
