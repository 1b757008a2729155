// Package scenario owns which engine scenario is "stable" over time: the
// anti-flip stage. Raw per-cycle votes pass through TTL, confirm-bar and
// switch-delta gates; hard invalidations and strong signals override them.
package scenario

import (
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"smc-systemv1/internal/model"
)

// Unclear is the neutral scenario label.
const Unclear = "UNCLEAR"

// Config tunes the FSM. Zero values are replaced by defaults; an optional
// YAML file overlays the defaults.
type Config struct {
	TTLSec              int     `yaml:"ttl_sec"`
	ConfirmBars         int     `yaml:"confirm_bars"`
	SwitchDelta         float64 `yaml:"switch_delta"`
	DecayToUnclearAfter int     `yaml:"decay_to_unclear_after"`
	StrongConf          float64 `yaml:"strong_conf"`
	StrongScoreDiff     float64 `yaml:"strong_score_diff"`
	MicroConfirmEnabled bool    `yaml:"micro_confirm_enabled"`
	MicroTTLSec         int     `yaml:"micro_ttl_sec"`
	MicroDmaxATR        float64 `yaml:"micro_dmax_atr"`
	MicroBoost          float64 `yaml:"micro_boost"`
	MicroBoostPartial   float64 `yaml:"micro_boost_partial"`
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		TTLSec:              300,
		ConfirmBars:         3,
		SwitchDelta:         0.10,
		DecayToUnclearAfter: 6,
		StrongConf:          0.85,
		StrongScoreDiff:     0.25,
		MicroConfirmEnabled: true,
		MicroTTLSec:         180,
		MicroDmaxATR:        0.5,
		MicroBoost:          0.10,
		MicroBoostPartial:   0.05,
	}
}

// LoadConfig overlays a YAML file (when path is non-empty) on the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// State is the per-symbol FSM state, owned by the producer goroutine.
type State struct {
	StableID      string          `json:"stable_id"`
	StableConf    float64         `json:"stable_conf"`
	StableSinceTS int64           `json:"stable_since_ts"`
	PendingID     string          `json:"pending_id,omitempty"`
	PendingCount  int             `json:"pending_count,omitempty"`
	PendingConf   float64         `json:"pending_conf,omitempty"`
	UnclearStreak int             `json:"unclear_streak,omitempty"`
	LastFlip      *model.FlipInfo `json:"last_flip,omitempty"`
}

// Input is one cycle's raw vote plus the micro-confirm observables.
type Input struct {
	Raw       *model.ScenarioSignal
	Execution *model.ExecutionBlock
	Price     float64
	NowMS     int64
}

// FSM applies the anti-flip rules. Stateless itself; State travels with
// the symbol.
type FSM struct {
	cfg Config
}

// New creates an FSM with the given config.
func New(cfg Config) *FSM {
	return &FSM{cfg: cfg}
}

// Apply runs one transition and returns the UI-facing view of the result.
// The returned FlipInfo inside the view is only set when this call flipped.
func (f *FSM) Apply(st *State, in Input) model.ScenarioView {
	raw := in.Raw
	if raw == nil {
		raw = &model.ScenarioSignal{ID: Unclear}
	}

	boost, microOK := f.microBoost(in, raw)
	confBase := raw.Confidence
	conf := clamp01(confBase + boost)

	var flipped *model.FlipInfo

	switch {
	case st.StableID == "":
		// Bootstrap.
		st.StableID = raw.ID
		st.StableConf = confBase
		st.StableSinceTS = in.NowMS
		st.resetPending()
		st.UnclearStreak = 0

	case raw.ID == Unclear:
		st.UnclearStreak++
		if f.cfg.DecayToUnclearAfter > 0 && st.UnclearStreak >= f.cfg.DecayToUnclearAfter && st.StableID != Unclear {
			flipped = f.flip(st, Unclear, 0, "decay", in.NowMS)
		}

	case raw.ID == st.StableID:
		st.resetPending()
		st.UnclearStreak = 0
		st.StableConf = confBase

	default:
		st.UnclearStreak = 0
		switch {
		case st.StableID == "4_2" && raw.ID == "4_3" && raw.Telemetry.HoldAboveUp:
			flipped = f.flip(st, raw.ID, confBase, "hard_invalidation:hold_above_up", in.NowMS)

		case st.StableID == "4_3" && raw.Telemetry.BosDown && !raw.Telemetry.FailedHoldUp:
			flipped = f.flip(st, Unclear, 0, "hard_invalidation:bos_down_no_failed_hold", in.NowMS)

		// Switch gates judge the raw confidence without the micro boost:
		// the boost shapes the reported number, never a scenario change.
		case confBase >= f.cfg.StrongConf && raw.ScoreDiff >= f.cfg.StrongScoreDiff:
			flipped = f.flip(st, raw.ID, confBase, "strong_override", in.NowMS)

		default:
			if st.PendingID == raw.ID {
				st.PendingCount++
			} else {
				st.PendingID = raw.ID
				st.PendingCount = 1
			}
			st.PendingConf = confBase

			ttlElapsed := in.NowMS-st.StableSinceTS >= int64(f.cfg.TTLSec)*1000
			confOK := confBase >= st.StableConf+f.cfg.SwitchDelta
			if confOK && st.PendingCount >= f.cfg.ConfirmBars && ttlElapsed {
				flipped = f.flip(st, raw.ID, confBase, "confirmed", in.NowMS)
			}
		}
	}

	view := model.ScenarioView{
		ID:                st.StableID,
		Confidence:        st.StableConf,
		RawID:             raw.ID,
		RawConfidence:     conf,
		RawConfidenceBase: confBase,
		PendingID:         st.PendingID,
		PendingCount:      st.PendingCount,
		Flip:              flipped,
		MicroOK:           microOK,
	}
	if raw.ID == st.StableID {
		// Boost is confidence-only: it shapes what the UI sees, never the
		// stored stable confidence.
		view.Confidence = conf
	}
	return view
}

func (f *FSM) flip(st *State, to string, toConf float64, reason string, nowMS int64) *model.FlipInfo {
	info := &model.FlipInfo{From: st.StableID, To: to, Reason: reason, TS: nowMS}
	st.StableID = to
	st.StableConf = toConf
	st.StableSinceTS = nowMS
	st.resetPending()
	st.UnclearStreak = 0
	st.LastFlip = info
	return info
}

func (st *State) resetPending() {
	st.PendingID = ""
	st.PendingCount = 0
	st.PendingConf = 0
}

// microBoost returns the confidence boost earned by recent in-play
// execution confirmations near price. Two or more confirmations earn the
// full boost, exactly one the partial boost.
func (f *FSM) microBoost(in Input, raw *model.ScenarioSignal) (float64, bool) {
	if !f.cfg.MicroConfirmEnabled || in.Execution == nil || in.Price <= 0 {
		return 0, false
	}
	atrRef := raw.Telemetry.ATRRef
	if atrRef <= 0 {
		return 0, false
	}
	dmax := f.cfg.MicroDmaxATR * atrRef
	ttlMS := int64(f.cfg.MicroTTLSec) * 1000

	confirms := 0
	for i := range in.Execution.Events {
		ev := &in.Execution.Events[i]
		if !ev.InPlay {
			continue
		}
		if in.NowMS-ev.TS > ttlMS || ev.TS > in.NowMS+ttlMS {
			continue
		}
		if ev.Price > 0 && math.Abs(in.Price-ev.Price) <= dmax {
			confirms++
		}
	}
	switch {
	case confirms >= 2:
		return f.cfg.MicroBoost, true
	case confirms == 1:
		return f.cfg.MicroBoostPartial, false
	default:
		return 0, false
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
