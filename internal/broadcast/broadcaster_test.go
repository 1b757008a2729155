package broadcast

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smc-systemv1/internal/model"
)

type memTransport struct {
	published []model.ViewerUpdate
	snapshots map[string][]byte
}

func (t *memTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	var u model.ViewerUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		return err
	}
	t.published = append(t.published, u)
	return nil
}

func (t *memTransport) SaveSnapshot(ctx context.Context, key string, doc []byte) error {
	if t.snapshots == nil {
		t.snapshots = map[string][]byte{}
	}
	t.snapshots[key] = doc
	return nil
}

func (t *memTransport) LoadSnapshot(ctx context.Context, key string) ([]byte, error) {
	return t.snapshots[key], nil
}

func newTestBroadcaster(tr *memTransport) *Broadcaster {
	return New(Options{
		StateChannel:     "ai_one:ui:smc_state",
		StateSnapshotKey: "ai_one:ui:smc_snapshot",
		ViewerChannel:    "ai_one:ui:viewer_state",
		ViewerSnapshot:   "ai_one:ui:viewer_snapshot",
		TargetBars:       2000,
		MinBars:          800,
	}, tr, nil)
}

func envelope(cycleSeq int64, symbols ...string) []byte {
	env := model.ProducerEnvelope{
		Type: model.EnvelopeSMCState,
		Meta: model.EnvelopeMeta{
			CycleSeq:      cycleSeq,
			PayloadTS:     time.Now().UnixMilli(),
			PipelineState: model.PipelineLive,
		},
	}
	for _, s := range symbols {
		env.Assets = append(env.Assets, model.AssetState{
			Symbol: s,
			Signal: model.SignalOK,
			State:  model.PipelineLive,
			Stats:  map[string]interface{}{"bars_count": 2000},
			SMCHint: &model.Hint{
				Structure: &model.StructureBlock{Events: []model.StructureEvent{{Type: "BOS"}}},
				Meta:      model.HintMeta{ComputeKind: "close"},
			},
		})
	}
	data, _ := json.Marshal(&env)
	return data
}

func TestHandleEnvelope_PublishesPerSymbol(t *testing.T) {
	tr := &memTransport{}
	b := newTestBroadcaster(tr)

	require.NoError(t, b.HandleEnvelope(context.Background(), envelope(1, "XAUUSD", "EURUSD")))

	require.Len(t, tr.published, 2)
	symbols := []string{tr.published[0].Symbol, tr.published[1].Symbol}
	assert.ElementsMatch(t, []string{"XAUUSD", "EURUSD"}, symbols)
	require.NotNil(t, tr.published[0].ViewerState)
	assert.Equal(t, model.ViewerStateSchemaVersion, tr.published[0].ViewerState.Schema)
	assert.Equal(t, int64(1), tr.published[0].ViewerState.Meta.CycleSeq)

	var snap model.ViewerSnapshot
	require.NoError(t, json.Unmarshal(tr.snapshots["ai_one:ui:viewer_snapshot"], &snap))
	assert.Equal(t, int64(1), snap.CycleSeq)
	assert.Len(t, snap.BySymbol, 2)
	assert.Contains(t, snap.BySymbol, "XAUUSD")
}

func TestHandleEnvelope_DedupesByCycleSeq(t *testing.T) {
	tr := &memTransport{}
	b := newTestBroadcaster(tr)
	ctx := context.Background()

	require.NoError(t, b.HandleEnvelope(ctx, envelope(5, "XAUUSD")))
	require.NoError(t, b.HandleEnvelope(ctx, envelope(5, "XAUUSD")), "replay is accepted but publishes nothing")
	require.NoError(t, b.HandleEnvelope(ctx, envelope(4, "XAUUSD")), "out-of-order envelope is dropped")

	assert.Len(t, tr.published, 1)

	require.NoError(t, b.HandleEnvelope(ctx, envelope(6, "XAUUSD")))
	assert.Len(t, tr.published, 2)
}

func TestHandleEnvelope_RejectsGarbage(t *testing.T) {
	b := newTestBroadcaster(&memTransport{})
	assert.Error(t, b.HandleEnvelope(context.Background(), []byte("not json")))
	assert.Error(t, b.HandleEnvelope(context.Background(), []byte(`{"type":"mystery"}`)))
}

func TestColdStart_ReplaysProducerSnapshot(t *testing.T) {
	tr := &memTransport{snapshots: map[string][]byte{
		"ai_one:ui:smc_snapshot": envelope(3, "XAUUSD"),
	}}
	b := newTestBroadcaster(tr)

	b.coldStart(context.Background())

	require.Len(t, tr.published, 1)
	assert.Equal(t, "XAUUSD", tr.published[0].Symbol)
	assert.Contains(t, b.States(), "XAUUSD")

	// The live envelope for the same cycle arrives next: deduped.
	require.NoError(t, b.HandleEnvelope(context.Background(), envelope(3, "XAUUSD")))
	assert.Len(t, tr.published, 1)
}

func TestHandleEnvelope_IdleKeepsStates(t *testing.T) {
	tr := &memTransport{}
	b := newTestBroadcaster(tr)
	ctx := context.Background()

	require.NoError(t, b.HandleEnvelope(ctx, envelope(1, "XAUUSD")))

	idle := model.ProducerEnvelope{
		Type: model.EnvelopeIdle,
		Meta: model.EnvelopeMeta{CycleSeq: 2, Reason: "fxcm_market_closed"},
		Assets: []model.AssetState{{
			Symbol: "XAUUSD", Signal: model.SignalOK, State: model.PipelineLive,
			Stats: map[string]interface{}{"bars_count": 2000},
		}},
	}
	data, _ := json.Marshal(&idle)
	require.NoError(t, b.HandleEnvelope(ctx, data))

	vs := b.States()["XAUUSD"]
	require.NotNil(t, vs)
	assert.Equal(t, int64(2), vs.Meta.CycleSeq)
	require.NotNil(t, vs.Structure, "idle cycles backfill structure from the cache")
}
