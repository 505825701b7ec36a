// Package collusion computes pairwise collusion features for groups of
// players and periodically flags sessions whose features cross the
// configured thresholds.
package collusion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pitwatch/internal/features"
	"pitwatch/internal/logger"
	"pitwatch/internal/presence"
	"pitwatch/internal/review"
	"pitwatch/pkg/models"
)

// timingWindow is how many recent action timestamps feed the timing
// similarity comparison.
const timingWindow = 50

// Extractor computes feature snapshots from the presence index and
// caller-provided play series.
type Extractor struct {
	presence *presence.Index
}

// NewExtractor constructs an extractor over a presence index.
func NewExtractor(ix *presence.Index) *Extractor {
	return &Extractor{presence: ix}
}

// Inputs carries the per-user play series for one extraction. Vpip holds
// each user's voluntary-put-in-pot series; Seats their seat positions per
// hand; Transfers the chip movements among the group.
type Inputs struct {
	Users     []string
	Vpip      map[string][]float64
	Seats     map[string][]float64
	Transfers []models.Transfer
}

// Extract computes a feature snapshot for a group of users. Pairwise scores
// report the worst (highest) pair in the group.
func (e *Extractor) Extract(ctx context.Context, in Inputs) (models.CollusionFeatures, error) {
	var out models.CollusionFeatures

	if e.presence != nil {
		devices, err := e.presence.DeviceCluster(ctx, in.Users)
		if err != nil {
			return out, fmt.Errorf("device cluster: %w", err)
		}
		for d := range devices {
			out.SharedDevices = append(out.SharedDevices, d)
		}

		ips, err := e.presence.IPCluster(ctx, in.Users)
		if err != nil {
			return out, fmt.Errorf("ip cluster: %w", err)
		}
		for ip := range ips {
			out.SharedIPs = append(out.SharedIPs, ip)
		}

		timing, err := e.timingSimilarity(ctx, in.Users)
		if err != nil {
			return out, err
		}
		out.TimingSimilarity = timing
	}

	out.VpipCorrelation = maxPairwise(in.Users, in.Vpip, features.PearsonCorrelation)
	out.SeatProximity = maxPairwise(in.Users, in.Seats, features.InverseDiffSimilarity)
	out.ChipDumpScore = features.ChipDumpScore(in.Transfers)
	return out, nil
}

// timingSimilarity compares the recent action-time series of every pair,
// trimmed to the shorter tail so both series cover the same count.
func (e *Extractor) timingSimilarity(ctx context.Context, users []string) (float64, error) {
	series := make(map[string][]float64, len(users))
	for _, u := range users {
		times, err := e.presence.Timestamps(ctx, u, timingWindow)
		if err != nil {
			return 0, fmt.Errorf("action times for %s: %w", u, err)
		}
		fs := make([]float64, len(times))
		for i, t := range times {
			fs[i] = float64(t)
		}
		series[u] = fs
	}
	return maxPairwise(users, series, func(a, b []float64) float64 {
		n := len(a)
		if len(b) < n {
			n = len(b)
		}
		if n == 0 {
			return 0
		}
		return features.InverseDiffSimilarity(a[len(a)-n:], b[len(b)-n:])
	}), nil
}

func maxPairwise(users []string, series map[string][]float64, score func(a, b []float64) float64) float64 {
	var best float64
	for i := 0; i < len(users); i++ {
		for j := i + 1; j < len(users); j++ {
			if s := score(series[users[i]], series[users[j]]); s > best {
				best = s
			}
		}
	}
	return best
}

// Thresholds are the flagging cutoffs. A zero threshold disables that
// signal.
type Thresholds struct {
	SharedDevices    int
	SharedIPs        int
	VpipCorrelation  float64
	TimingSimilarity float64
	SeatProximity    float64
	ChipDumpScore    float64
}

// DefaultThresholds mirror production tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SharedDevices:    1,
		SharedIPs:        1,
		VpipCorrelation:  0.9,
		TimingSimilarity: 0.9,
		SeatProximity:    0.9,
		ChipDumpScore:    0.8,
	}
}

// Evaluate returns the names of every signal at or above its threshold.
func (t Thresholds) Evaluate(f models.CollusionFeatures) []string {
	var reasons []string
	if t.SharedDevices > 0 && len(f.SharedDevices) >= t.SharedDevices {
		reasons = append(reasons, "shared_devices")
	}
	if t.SharedIPs > 0 && len(f.SharedIPs) >= t.SharedIPs {
		reasons = append(reasons, "shared_ips")
	}
	if t.VpipCorrelation > 0 && f.VpipCorrelation >= t.VpipCorrelation {
		reasons = append(reasons, "vpip_correlation")
	}
	if t.TimingSimilarity > 0 && f.TimingSimilarity >= t.TimingSimilarity {
		reasons = append(reasons, "timing_similarity")
	}
	if t.SeatProximity > 0 && f.SeatProximity >= t.SeatProximity {
		reasons = append(reasons, "seat_proximity")
	}
	if t.ChipDumpScore > 0 && f.ChipDumpScore >= t.ChipDumpScore {
		reasons = append(reasons, "chip_dump")
	}
	return reasons
}

// Candidate is one session group to inspect.
type Candidate struct {
	SessionID string
	Inputs    Inputs
}

// CandidateSource enumerates session groups worth inspecting.
type CandidateSource interface {
	Candidates(ctx context.Context) ([]Candidate, error)
}

// Detector runs the periodic detection sweep.
type Detector struct {
	extractor  *Extractor
	store      review.Store
	source     CandidateSource
	thresholds Thresholds
	interval   time.Duration
}

// NewDetector constructs a detector.
func NewDetector(extractor *Extractor, store review.Store, source CandidateSource, thresholds Thresholds, interval time.Duration) *Detector {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Detector{
		extractor:  extractor,
		store:      store,
		source:     source,
		thresholds: thresholds,
		interval:   interval,
	}
}

// Inspect extracts features for one candidate and flags the session when
// any threshold trips. A session flagged earlier stays as it was.
func (d *Detector) Inspect(ctx context.Context, cand Candidate) (bool, error) {
	feats, err := d.extractor.Extract(ctx, cand.Inputs)
	if err != nil {
		return false, fmt.Errorf("extract features for %s: %w", cand.SessionID, err)
	}

	reasons := d.thresholds.Evaluate(feats)
	if len(reasons) == 0 {
		return false, nil
	}

	err = d.store.Flag(ctx, models.FlaggedSession{
		SessionID: cand.SessionID,
		Users:     cand.Inputs.Users,
		Status:    models.StatusFlagged,
		Features:  &feats,
		CreatedAt: time.Now().UTC(),
	})
	if errors.Is(err, review.ErrAlreadyFlagged) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("flag session %s: %w", cand.SessionID, err)
	}

	logger.Warnf("Flagged session %s (users=%v reasons=%v)", cand.SessionID, cand.Inputs.Users, reasons)
	return true, nil
}

// Sweep inspects every candidate once and returns how many new sessions
// were flagged. Per-candidate errors are logged, not fatal.
func (d *Detector) Sweep(ctx context.Context) (int, error) {
	candidates, err := d.source.Candidates(ctx)
	if err != nil {
		return 0, fmt.Errorf("enumerate candidates: %w", err)
	}

	flagged := 0
	for _, cand := range candidates {
		ok, err := d.Inspect(ctx, cand)
		if err != nil {
			logger.Errorf("Inspect %s failed: %v", cand.SessionID, err)
			continue
		}
		if ok {
			flagged++
		}
	}
	return flagged, nil
}

// Run sweeps on the configured interval until the context is canceled.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	logger.Infof("Collusion detector started, interval %s", d.interval)
	for {
		select {
		case <-ctx.Done():
			logger.Infof("Collusion detector stopped")
			return ctx.Err()
		case <-ticker.C:
			if n, err := d.Sweep(ctx); err != nil {
				logger.Errorf("Detection sweep failed: %v", err)
			} else if n > 0 {
				logger.Infof("Detection sweep flagged %d sessions", n)
			}
		}
	}
}
